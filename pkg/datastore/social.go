package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// ---- Mutes ----

// AddMute hides mutedID's content from userID.
func (s *baseProvider) AddMute(ctx context.Context, userID, mutedID uuid.UUID) error {
	if userID == mutedID {
		return fmt.Errorf("datastore: add mute: %w", model.ErrSelfReference)
	}
	if _, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO mutes (user_id, muted_id) VALUES (?, ?)", userID, mutedID); err != nil {
		return fmt.Errorf("datastore: add mute: %w", err)
	}
	return nil
}

// RemoveMute reverses AddMute.
func (s *baseProvider) RemoveMute(ctx context.Context, userID, mutedID uuid.UUID) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM mutes WHERE user_id = ? AND muted_id = ?", userID, mutedID); err != nil {
		return fmt.Errorf("datastore: remove mute: %w", err)
	}
	return nil
}

// ListMutes returns the ids userID has muted.
func (s *baseProvider) ListMutes(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "list mutes", "SELECT muted_id FROM mutes WHERE user_id = ? ORDER BY muted_id", userID)
}

// SetMuteWords replaces the user's mute word list. Words must already be normalized.
func (s *baseProvider) SetMuteWords(ctx context.Context, userID uuid.UUID, words []string) error {
	return s.setWords(ctx, "mute_words", userID, words)
}

// ListMuteWords returns the user's mute words sorted alphabetically.
func (s *baseProvider) ListMuteWords(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return s.listWords(ctx, "mute_words", userID)
}

// SetAlertWords replaces the user's alert word list. Words must already be normalized.
func (s *baseProvider) SetAlertWords(ctx context.Context, userID uuid.UUID, words []string) error {
	return s.setWords(ctx, "alert_words", userID, words)
}

// ListAlertWords returns the user's alert words sorted alphabetically.
func (s *baseProvider) ListAlertWords(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return s.listWords(ctx, "alert_words", userID)
}

// table is one of the fixed word tables, never user input.
func (s *baseProvider) setWords(ctx context.Context, table string, userID uuid.UUID, words []string) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("datastore: set %s: %w", table, err)
	}
	for _, w := range words {
		if _, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO "+table+" (user_id, word) VALUES (?, ?)", userID, w); err != nil {
			return fmt.Errorf("datastore: set %s: %w", table, err)
		}
	}
	return nil
}

func (s *baseProvider) listWords(ctx context.Context, table string, userID uuid.UUID) ([]string, error) {
	rows, err := s.QueryContext(ctx, "SELECT word FROM "+table+" WHERE user_id = ? ORDER BY word", userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var words []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("datastore: scan %s: %w", table, err)
		}
		words = append(words, w)
	}
	return words, rows.Err()
}

// ---- Blocks ----

// AddBlock records that blockerID blocks blockedID. Blocking any account in
// one's own account family is rejected.
func (s *baseProvider) AddBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	var sameFamily sql.NullBool
	err := s.QueryRowContext(ctx, `
		SELECT (SELECT COALESCE(parent_id, id) FROM users WHERE id = ?) =
		       (SELECT COALESCE(parent_id, id) FROM users WHERE id = ?)`,
		blockerID, blockedID).Scan(&sameFamily)
	if err != nil {
		return fmt.Errorf("datastore: add block: %w", err)
	}
	if sameFamily.Bool || blockerID == blockedID {
		return fmt.Errorf("datastore: add block: %w", model.ErrSelfReference)
	}
	if _, err := s.ExecContext(ctx, "INSERT OR IGNORE INTO blocks (blocker_id, blocked_id) VALUES (?, ?)", blockerID, blockedID); err != nil {
		return fmt.Errorf("datastore: add block: %w", err)
	}
	return nil
}

// RemoveBlock reverses AddBlock.
func (s *baseProvider) RemoveBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?", blockerID, blockedID); err != nil {
		return fmt.Errorf("datastore: remove block: %w", err)
	}
	return nil
}

// AccountFamily returns the parent account and every sub-account sharing
// userID's root, including userID itself.
func (s *baseProvider) AccountFamily(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "account family", `
		SELECT id FROM users
		WHERE COALESCE(parent_id, id) = (SELECT COALESCE(parent_id, id) FROM users WHERE id = ?)
		ORDER BY id`, userID)
}

// ResolveBlockSet returns every account that userID may not interact with:
// accounts blocked by, or blocking, any member of userID's account family,
// expanded to those accounts' own families.
func (s *baseProvider) ResolveBlockSet(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "resolve block set", `
		WITH own_root AS (
			SELECT COALESCE(parent_id, id) AS root FROM users WHERE id = ?
		),
		family AS (
			SELECT id FROM users WHERE COALESCE(parent_id, id) IN (SELECT root FROM own_root)
		),
		counterparts AS (
			SELECT blocked_id AS uid FROM blocks WHERE blocker_id IN (SELECT id FROM family)
			UNION
			SELECT blocker_id AS uid FROM blocks WHERE blocked_id IN (SELECT id FROM family)
		),
		roots AS (
			SELECT DISTINCT COALESCE(parent_id, id) AS root FROM users WHERE id IN (SELECT uid FROM counterparts)
		)
		SELECT id FROM users
		WHERE COALESCE(parent_id, id) IN (SELECT root FROM roots)
		  AND COALESCE(parent_id, id) NOT IN (SELECT root FROM own_root)
		ORDER BY id`, userID)
}
