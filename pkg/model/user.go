// Package model defines the core domain types for seawire.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUsernameLength    = 32
	MaxDisplayNameLength = 64
	MaxPronounsLength    = 32
	MaxWordLength        = 64
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrDisplayNameTooLong = fmt.Errorf("display name must not exceed %d characters", MaxDisplayNameLength)
var ErrPronounsTooLong = fmt.Errorf("pronouns must not exceed %d characters", MaxPronounsLength)
var ErrWordInvalid = fmt.Errorf("word must be 1-%d characters without whitespace", MaxWordLength)
var ErrSelfReference = errors.New("a user cannot block or mute themselves")
var ErrInvalidPassword = errors.New("invalid password")

// User represents a registered account as stored durably.
type User struct {
	ID               uuid.UUID   `json:"id"`
	Username         string      `json:"username"`
	DisplayName      string      `json:"display_name"`
	Pronouns         string      `json:"pronouns"`
	AvatarRef        string      `json:"avatar_ref"`
	AccessLevel      AccessLevel `json:"access_level"`
	ParentID         *uuid.UUID  `json:"parent_id,omitempty"` // set for sub-accounts
	PasswordHash     []byte      `json:"-"`
	PasswordSalt     []byte      `json:"-"`
	ProfileUpdatedAt time.Time   `json:"profile_updated_at"`
	QuarantineUntil  *time.Time  `json:"quarantine_until,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// RootID returns the id of the account family this user belongs to.
func (u *User) RootID() uuid.UUID {
	if u.ParentID != nil {
		return *u.ParentID
	}
	return u.ID
}

// UserIdentity bundles a user row with its stored associations. Block sets are
// resolved separately because they span account families.
type UserIdentity struct {
	User      User
	Roles     []RoleTag
	TokenHash string // empty when logged out
	MutedIDs   []uuid.UUID
	MuteWords  []string
	AlertWords []string
}

// ProfileUpdate carries the user-editable profile fields.
type ProfileUpdate struct {
	DisplayName string `json:"display_name"`
	Pronouns    string `json:"pronouns"`
	AvatarRef   string `json:"avatar_ref"`
}

// Validate checks profile field lengths.
func (p ProfileUpdate) Validate() error {
	if utf8.RuneCountInString(p.DisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	if utf8.RuneCountInString(p.Pronouns) > MaxPronounsLength {
		return ErrPronounsTooLong
	}
	return nil
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// NormalizeWord lower-cases and trims a mute or alert word, rejecting empty or
// multi-word input.
func NormalizeWord(word string) (string, error) {
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" || utf8.RuneCountInString(w) > MaxWordLength || strings.ContainsAny(w, " \t\n\r") {
		return "", ErrWordInvalid
	}
	return w, nil
}
