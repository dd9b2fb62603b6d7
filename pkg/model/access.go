package model

import (
	"errors"
	"strings"
)

// AccessLevel is a user's authorization level. Levels are ordered; a higher
// value grants everything a lower one does, except that Banned and
// Quarantined sit below Verified.
type AccessLevel int

const (
	AccessUnverified  AccessLevel = iota // Registered, not yet verified
	AccessBanned                         // Cannot log in
	AccessQuarantined                    // Can read, cannot create content
	AccessVerified                       // Regular user
	AccessClient                         // Trusted API client acting for other users
	AccessModerator                      // Can moderate content
	AccessStaff                          // Event staff
	AccessAdmin                          // Full control
)

var ErrInvalidAccessLevel = errors.New("invalid access level")

var accessLevelNames = [...]string{
	AccessUnverified:  "unverified",
	AccessBanned:      "banned",
	AccessQuarantined: "quarantined",
	AccessVerified:    "verified",
	AccessClient:      "client",
	AccessModerator:   "moderator",
	AccessStaff:       "staff",
	AccessAdmin:       "admin",
}

func (a AccessLevel) String() string {
	if !a.Valid() {
		return "unknown"
	}
	return accessLevelNames[a]
}

// ParseAccessLevel converts a name to an AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range accessLevelNames {
		if name == s {
			return AccessLevel(i), nil
		}
	}
	return AccessUnverified, ErrInvalidAccessLevel
}

// Valid returns true if the level is a recognised value.
func (a AccessLevel) Valid() bool {
	return a >= AccessUnverified && a <= AccessAdmin
}

// AtLeast reports whether a is min or higher.
func (a AccessLevel) AtLeast(min AccessLevel) bool {
	return a >= min
}

// CanCreateContent reports whether the level may post messages and create conversations.
func (a AccessLevel) CanCreateContent() bool {
	return a >= AccessVerified
}

// CanModerate reports whether the level may act on other users' content.
func (a AccessLevel) CanModerate() bool {
	return a >= AccessModerator
}

// MarshalText implements encoding.TextMarshaler so levels serialize by name.
func (a AccessLevel) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, ErrInvalidAccessLevel
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccessLevel) UnmarshalText(text []byte) error {
	lvl, err := ParseAccessLevel(string(text))
	if err != nil {
		return err
	}
	*a = lvl
	return nil
}

// RoleTag is a capability tag layered on top of the access level.
type RoleTag string

const (
	RoleKaraokeManager     RoleTag = "karaokemanager"
	RoleShutternaut        RoleTag = "shutternaut"
	RoleShutternautManager RoleTag = "shutternautmanager"
)

const MaxRoleTagLength = 32

var ErrInvalidRoleTag = errors.New("role tag must be 1-32 lower-case letters")

// ParseRoleTag validates and normalizes a role tag.
func ParseRoleTag(s string) (RoleTag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > MaxRoleTagLength {
		return "", ErrInvalidRoleTag
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return "", ErrInvalidRoleTag
		}
	}
	return RoleTag(s), nil
}
