package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// ErrNotFound is returned by updates that target a row that does not exist.
// Single-row getters return (nil, nil) instead.
var ErrNotFound = errors.New("datastore: not found")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all seawire entities.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	RoleProvider
	TokenProvider

	SocialReadProvider
	SocialWriteProvider

	ConversationReadProvider
	ConversationWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type UserReadProvider interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	UserIdentity(ctx context.Context, id uuid.UUID) (*model.UserIdentity, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, user *model.User) error
	UpdateProfile(ctx context.Context, id uuid.UUID, update model.ProfileUpdate) error
	UpdateAccessLevel(ctx context.Context, id uuid.UUID, level model.AccessLevel) error
	SetQuarantine(ctx context.Context, id uuid.UUID, until *time.Time) error
	SetPassword(ctx context.Context, id uuid.UUID, hash, salt []byte) error
}

type RoleProvider interface {
	AddRole(ctx context.Context, userID uuid.UUID, role model.RoleTag) error
	RemoveRole(ctx context.Context, userID uuid.UUID, role model.RoleTag) error
	ListRoles(ctx context.Context, userID uuid.UUID) ([]model.RoleTag, error)
}

type TokenProvider interface {
	SetTokenHash(ctx context.Context, userID uuid.UUID, hash string) error
	ClearToken(ctx context.Context, userID uuid.UUID) error
	GetTokenHash(ctx context.Context, userID uuid.UUID) (string, error)
}

type SocialReadProvider interface {
	ListMutes(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListMuteWords(ctx context.Context, userID uuid.UUID) ([]string, error)
	ListAlertWords(ctx context.Context, userID uuid.UUID) ([]string, error)
	ResolveBlockSet(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	AccountFamily(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type SocialWriteProvider interface {
	AddMute(ctx context.Context, userID, mutedID uuid.UUID) error
	RemoveMute(ctx context.Context, userID, mutedID uuid.UUID) error
	SetMuteWords(ctx context.Context, userID uuid.UUID, words []string) error
	SetAlertWords(ctx context.Context, userID uuid.UUID, words []string) error
	AddBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error
	RemoveBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error
}

type ConversationReadProvider interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	ListConversationIDsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type ConversationWriteProvider interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	AddConversationMembers(ctx context.Context, id uuid.UUID, userIDs []uuid.UUID) error
}

type MessageReadProvider interface {
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
	DeleteMessage(ctx context.Context, messageID int64) error
}
