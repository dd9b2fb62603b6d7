// Package identity holds the in-process cache of every user's
// authentication and authorization attributes.
//
// Records are immutable. Changing any attribute means building a new Record
// and installing it with Cache.Upsert; readers never observe a half-updated
// record.
package identity

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// Record is a frozen snapshot of one user's identity state.
type Record struct {
	id               uuid.UUID
	parentID         uuid.UUID // uuid.Nil for root accounts
	username         string
	displayName      string
	profileUpdatedAt time.Time
	avatarRef        string
	blocked          map[uuid.UUID]struct{}
	muted            map[uuid.UUID]struct{}
	muteWords        []string
	alertWords       []string
	tokenHash        string
	accessLevel      model.AccessLevel
	roles            []model.RoleTag
	quarantineUntil  *time.Time
	pronouns         string
}

// NewRecord builds a record from a stored identity and its resolved block set.
func NewRecord(ident *model.UserIdentity, blocked []uuid.UUID) *Record {
	u := ident.User
	r := &Record{
		id:               u.ID,
		username:         u.Username,
		displayName:      u.DisplayName,
		profileUpdatedAt: u.ProfileUpdatedAt,
		avatarRef:        u.AvatarRef,
		blocked:          idSet(blocked),
		muted:            idSet(ident.MutedIDs),
		muteWords:        slices.Clone(ident.MuteWords),
		alertWords:       slices.Clone(ident.AlertWords),
		tokenHash:        ident.TokenHash,
		accessLevel:      u.AccessLevel,
		roles:            slices.Clone(ident.Roles),
		pronouns:         u.Pronouns,
	}
	if u.ParentID != nil {
		r.parentID = *u.ParentID
	}
	if u.QuarantineUntil != nil {
		q := *u.QuarantineUntil
		r.quarantineUntil = &q
	}
	return r
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (r *Record) ID() uuid.UUID { return r.id }
func (r *Record) Username() string { return r.username }
func (r *Record) DisplayName() string { return r.displayName }
func (r *Record) ProfileUpdatedAt() time.Time { return r.profileUpdatedAt }
func (r *Record) AvatarRef() string { return r.avatarRef }
func (r *Record) TokenHash() string { return r.tokenHash }
func (r *Record) AccessLevel() model.AccessLevel { return r.accessLevel }
func (r *Record) Pronouns() string { return r.pronouns }

// RootID returns the id of the account family the user belongs to.
func (r *Record) RootID() uuid.UUID {
	if r.parentID != uuid.Nil {
		return r.parentID
	}
	return r.id
}

// HasToken reports whether the user currently holds a session token.
func (r *Record) HasToken() bool { return r.tokenHash != "" }

// QuarantineUntil returns a copy of the quarantine expiry, or nil.
func (r *Record) QuarantineUntil() *time.Time {
	if r.quarantineUntil == nil {
		return nil
	}
	q := *r.quarantineUntil
	return &q
}

// IsQuarantined reports whether the quarantine is still in force at now.
// A quarantined access level counts regardless of expiry.
func (r *Record) IsQuarantined(now time.Time) bool {
	if r.accessLevel == model.AccessQuarantined {
		return true
	}
	return r.quarantineUntil != nil && now.Before(*r.quarantineUntil)
}

func (r *Record) IsBlocked(id uuid.UUID) bool {
	_, ok := r.blocked[id]
	return ok
}

func (r *Record) IsMuted(id uuid.UUID) bool {
	_, ok := r.muted[id]
	return ok
}

// Excludes reports whether content from id should be hidden from this user.
func (r *Record) Excludes(id uuid.UUID) bool {
	return r.IsBlocked(id) || r.IsMuted(id)
}

// BlockedIDs returns the resolved block set, sorted.
func (r *Record) BlockedIDs() []uuid.UUID { return sortedIDs(r.blocked) }

// MutedIDs returns the muted user ids, sorted.
func (r *Record) MutedIDs() []uuid.UUID { return sortedIDs(r.muted) }

func (r *Record) MuteWords() []string { return slices.Clone(r.muteWords) }

func (r *Record) Roles() []model.RoleTag { return slices.Clone(r.roles) }

func (r *Record) HasRole(role model.RoleTag) bool { return slices.Contains(r.roles, role) }

func (r *Record) AlertWords() []string { return slices.Clone(r.alertWords) }

// MatchesMuteWord reports whether text contains any of the user's mute words.
func (r *Record) MatchesMuteWord(text string) bool { return containsAny(text, r.muteWords) }

// MatchesAlertWord reports whether text contains any of the user's alert words.
func (r *Record) MatchesAlertWord(text string) bool { return containsAny(text, r.alertWords) }

// words are stored lower-cased.
func containsAny(text string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// clone makes a shallow copy. Maps and slices are never mutated after
// construction; With* methods replace them wholesale.
func (r *Record) clone() *Record {
	c := *r
	return &c
}

// WithUsername returns a copy with a new username.
func (r *Record) WithUsername(username string) *Record {
	c := r.clone()
	c.username = username
	return c
}

// WithTokenHash returns a copy holding a new session token hash. An empty
// hash means logged out.
func (r *Record) WithTokenHash(hash string) *Record {
	c := r.clone()
	c.tokenHash = hash
	return c
}

// WithAccessLevel returns a copy with a new access level.
func (r *Record) WithAccessLevel(level model.AccessLevel) *Record {
	c := r.clone()
	c.accessLevel = level
	return c
}

// WithProfile returns a copy with updated profile fields, stamped at t.
func (r *Record) WithProfile(p model.ProfileUpdate, t time.Time) *Record {
	c := r.clone()
	c.displayName = p.DisplayName
	c.pronouns = p.Pronouns
	c.avatarRef = p.AvatarRef
	c.profileUpdatedAt = t
	return c
}

// WithMuteWords returns a copy with a replaced mute word list.
func (r *Record) WithMuteWords(words []string) *Record {
	c := r.clone()
	c.muteWords = slices.Clone(words)
	return c
}

// WithAlertWords returns a copy with a replaced alert word list.
func (r *Record) WithAlertWords(words []string) *Record {
	c := r.clone()
	c.alertWords = slices.Clone(words)
	return c
}

// WithBlocked returns a copy with a replaced block set.
func (r *Record) WithBlocked(ids []uuid.UUID) *Record {
	c := r.clone()
	c.blocked = idSet(ids)
	return c
}

// WithMuted returns a copy with a replaced mute set.
func (r *Record) WithMuted(ids []uuid.UUID) *Record {
	c := r.clone()
	c.muted = idSet(ids)
	return c
}
