package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

const userColumns = "id, username, display_name, pronouns, avatar_ref, access_level, parent_id, password_hash, password_salt, profile_updated_at, quarantine_until, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var level int
	var parent uuid.NullUUID
	var profileUpdated, createdAt string
	var quarantine *string
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Pronouns, &u.AvatarRef, &level,
		&parent, &u.PasswordHash, &u.PasswordSalt, &profileUpdated, &quarantine, &createdAt); err != nil {
		return nil, err
	}
	u.AccessLevel = model.AccessLevel(level)
	if parent.Valid {
		id := parent.UUID
		u.ParentID = &id
	}
	var err error
	if u.ProfileUpdatedAt, err = parseDBTime(profileUpdated); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if quarantine != nil {
		q, err := parseDBTime(*quarantine)
		if err != nil {
			return nil, err
		}
		u.QuarantineUntil = &q
	}
	return u, nil
}

// ---- Users ----

// CreateUser inserts a user, assigning an id when the caller left it nil.
// It validates the username format and access level before inserting.
func (s *baseProvider) CreateUser(ctx context.Context, user *model.User) error {
	if err := model.ValidateUsername(user.Username); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	if !user.AccessLevel.Valid() {
		return fmt.Errorf("datastore: create user: %w", model.ErrInvalidAccessLevel)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Second)
	var parent uuid.NullUUID
	if user.ParentID != nil {
		parent = uuid.NullUUID{UUID: *user.ParentID, Valid: true}
	}
	_, err := s.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, pronouns, avatar_ref, access_level, parent_id, password_hash, password_salt, profile_updated_at, quarantine_until, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.DisplayName, user.Pronouns, user.AvatarRef, int(user.AccessLevel),
		parent, user.PasswordHash, user.PasswordSalt, formatDBTime(now), nullableTime(user.QuarantineUntil), formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	user.ProfileUpdatedAt = now
	user.CreatedAt = now
	return nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) if not found.
func (s *baseProvider) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by case-insensitive username. Returns (nil, nil) if not found.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user by username: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by username.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ListUserIDs returns the id of every account.
func (s *baseProvider) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "list user ids", "SELECT id FROM users")
}

// UpdateProfile replaces the editable profile fields and bumps profile_updated_at.
func (s *baseProvider) UpdateProfile(ctx context.Context, id uuid.UUID, update model.ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return fmt.Errorf("datastore: update profile: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"UPDATE users SET display_name = ?, pronouns = ?, avatar_ref = ?, profile_updated_at = ? WHERE id = ?",
		update.DisplayName, update.Pronouns, update.AvatarRef, formatDBTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("datastore: update profile: %w", err)
	}
	return requireAffected(res, "update profile")
}

// UpdateAccessLevel changes a user's access level.
func (s *baseProvider) UpdateAccessLevel(ctx context.Context, id uuid.UUID, level model.AccessLevel) error {
	if !level.Valid() {
		return fmt.Errorf("datastore: update access level: %w", model.ErrInvalidAccessLevel)
	}
	res, err := s.ExecContext(ctx, "UPDATE users SET access_level = ? WHERE id = ?", int(level), id)
	if err != nil {
		return fmt.Errorf("datastore: update access level: %w", err)
	}
	return requireAffected(res, "update access level")
}

// SetQuarantine sets or clears (nil) the quarantine expiry.
func (s *baseProvider) SetQuarantine(ctx context.Context, id uuid.UUID, until *time.Time) error {
	res, err := s.ExecContext(ctx, "UPDATE users SET quarantine_until = ? WHERE id = ?", nullableTime(until), id)
	if err != nil {
		return fmt.Errorf("datastore: set quarantine: %w", err)
	}
	return requireAffected(res, "set quarantine")
}

// SetPassword stores a new password hash and salt.
func (s *baseProvider) SetPassword(ctx context.Context, id uuid.UUID, hash, salt []byte) error {
	res, err := s.ExecContext(ctx, "UPDATE users SET password_hash = ?, password_salt = ? WHERE id = ?", hash, salt, id)
	if err != nil {
		return fmt.Errorf("datastore: set password: %w", err)
	}
	return requireAffected(res, "set password")
}

// ---- Roles ----

// AddRole grants a role tag. Granting an existing tag is a no-op.
func (s *baseProvider) AddRole(ctx context.Context, userID uuid.UUID, role model.RoleTag) error {
	if _, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)", userID, string(role)); err != nil {
		return fmt.Errorf("datastore: add role: %w", err)
	}
	return nil
}

// RemoveRole revokes a role tag.
func (s *baseProvider) RemoveRole(ctx context.Context, userID uuid.UUID, role model.RoleTag) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ? AND role = ?", userID, string(role)); err != nil {
		return fmt.Errorf("datastore: remove role: %w", err)
	}
	return nil
}

// ListRoles returns a user's role tags sorted by name.
func (s *baseProvider) ListRoles(ctx context.Context, userID uuid.UUID) ([]model.RoleTag, error) {
	rows, err := s.QueryContext(ctx, "SELECT role FROM user_roles WHERE user_id = ? ORDER BY role", userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []model.RoleTag
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("datastore: scan role: %w", err)
		}
		roles = append(roles, model.RoleTag(r))
	}
	return roles, rows.Err()
}

// ---- Tokens ----

// SetTokenHash installs the user's single active session token, replacing any previous one.
func (s *baseProvider) SetTokenHash(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO tokens (user_id, hash, created_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO UPDATE SET hash = excluded.hash, created_at = excluded.created_at",
		userID, hash, formatDBTime(time.Now()))
	if err != nil {
		return fmt.Errorf("datastore: set token: %w", err)
	}
	return nil
}

// ClearToken removes the user's session token.
func (s *baseProvider) ClearToken(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("datastore: clear token: %w", err)
	}
	return nil
}

// GetTokenHash returns the user's token hash, or "" when logged out.
func (s *baseProvider) GetTokenHash(ctx context.Context, userID uuid.UUID) (string, error) {
	var hash string
	err := s.QueryRowContext(ctx, "SELECT hash FROM tokens WHERE user_id = ?", userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("datastore: get token: %w", err)
	}
	return hash, nil
}

// ---- Identity ----

// UserIdentity loads a user with roles, token, mutes and mute words.
// Returns (nil, nil) if the user does not exist.
func (s *baseProvider) UserIdentity(ctx context.Context, id uuid.UUID) (*model.UserIdentity, error) {
	u, err := s.GetUserByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	ident := &model.UserIdentity{User: *u}
	if ident.Roles, err = s.ListRoles(ctx, id); err != nil {
		return nil, err
	}
	if ident.TokenHash, err = s.GetTokenHash(ctx, id); err != nil {
		return nil, err
	}
	if ident.MutedIDs, err = s.ListMutes(ctx, id); err != nil {
		return nil, err
	}
	if ident.MuteWords, err = s.ListMuteWords(ctx, id); err != nil {
		return nil, err
	}
	if ident.AlertWords, err = s.ListAlertWords(ctx, id); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *baseProvider) queryIDs(ctx context.Context, op, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: %s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("datastore: %s: %w", op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
