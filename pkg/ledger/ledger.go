// Package ledger keeps durable per-user notification counters in a hash store.
//
// For each user and notification category the ledger stores a produced and a
// seen count; unread is their difference, clamped at zero. For each user and
// conversation it stores a single integer: a value at or above the sentinel
// means the user was added and has not opened the conversation yet, a
// positive value below it is a literal unread message count, and an absent
// field means fully read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/metrics"
	"github.com/NicolasHaas/seawire/pkg/model"
)

// DefaultSentinel marks "added to conversation, not yet viewed". Values stored
// by earlier deployments use the same number.
const DefaultSentinel int64 = 10000

const seenSuffix = ":seen"

func notificationKey(userID uuid.UUID) string { return "notifications:" + userID.String() }
func conversationKey(userID uuid.UUID) string { return "unreadconvs:" + userID.String() }
func presenceKey(userID uuid.UUID) string { return "presence:" + userID.String() }

// Ledger is the counter ledger. Every method is an independent round trip to
// the store; there is no atomicity across calls.
type Ledger struct {
	store    HashStore
	sentinel int64
	metrics  *metrics.Metrics
}

type Option func(*Ledger)

// WithSentinel overrides the added-not-viewed threshold.
func WithSentinel(n int64) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sentinel = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger over store.
func New(store HashStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, sentinel: DefaultSentinel}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sentinel returns the configured added-not-viewed threshold.
func (l *Ledger) Sentinel() int64 { return l.sentinel }

// Store exposes the underlying hash store.
func (l *Ledger) Store() HashStore { return l.store }

func (l *Ledger) wrote(err error) error {
	if l.metrics != nil {
		l.metrics.LedgerWrites.Add(1)
		if err != nil {
			l.metrics.LedgerWriteErrors.Add(1)
		}
	}
	return err
}

func (l *Ledger) read(err error) error {
	if err != nil && l.metrics != nil {
		l.metrics.LedgerReadErrors.Add(1)
	}
	return err
}

// ---- Notification categories ----

// RecordProduced adds delta to the produced counter of category.
func (l *Ledger) RecordProduced(ctx context.Context, userID uuid.UUID, category model.NotificationCategory, delta int64) error {
	_, err := l.store.HIncrBy(ctx, notificationKey(userID), string(category), delta)
	if err != nil {
		err = fmt.Errorf("ledger: record produced: %w", err)
	}
	return l.wrote(err)
}

// RecordProducedFor increments category by one for every user. Each user is
// an independent write; failures are joined.
func (l *Ledger) RecordProducedFor(ctx context.Context, userIDs []uuid.UUID, category model.NotificationCategory) error {
	var errs []error
	for _, id := range userIDs {
		if err := l.RecordProduced(ctx, id, category, 1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordSeen copies the current produced value into seen.
func (l *Ledger) RecordSeen(ctx context.Context, userID uuid.UUID, category model.NotificationCategory) error {
	key := notificationKey(userID)
	produced, err := l.store.HGet(ctx, key, string(category))
	if errors.Is(err, ErrNil) {
		produced = "0"
	} else if err != nil {
		return l.wrote(fmt.Errorf("ledger: record seen: %w", err))
	}
	if err := l.store.HSet(ctx, key, string(category)+seenSuffix, produced); err != nil {
		return l.wrote(fmt.Errorf("ledger: record seen: %w", err))
	}
	return l.wrote(nil)
}

// UnreadCount returns produced minus seen, never negative.
func (l *Ledger) UnreadCount(ctx context.Context, userID uuid.UUID, category model.NotificationCategory) (int64, error) {
	all, err := l.store.HGetAll(ctx, notificationKey(userID))
	if err != nil {
		return 0, l.read(fmt.Errorf("ledger: unread count: %w", err))
	}
	return unread(all, category), nil
}

// UnreadCounts returns the unread count of every category from one read.
func (l *Ledger) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[model.NotificationCategory]int64, error) {
	all, err := l.store.HGetAll(ctx, notificationKey(userID))
	if err != nil {
		return nil, l.read(fmt.Errorf("ledger: unread counts: %w", err))
	}
	out := make(map[model.NotificationCategory]int64)
	for _, c := range model.NotificationCategories() {
		out[c] = unread(all, c)
	}
	return out, nil
}

func unread(fields map[string]string, category model.NotificationCategory) int64 {
	produced := parseCount(fields[string(category)])
	seen := parseCount(fields[string(category)+seenSuffix])
	return max(produced-seen, 0)
}

// parseCount reads a stored integer; missing or malformed values count as zero.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ---- Conversations ----

// StateKind classifies a conversation counter.
type StateKind int

const (
	StateRead StateKind = iota
	StateAddedUnviewed
	StateUnread
)

func (k StateKind) String() string {
	switch k {
	case StateAddedUnviewed:
		return "added"
	case StateUnread:
		return "unread"
	default:
		return "read"
	}
}

// ConversationState is the decoded form of a conversation counter.
// Unread is the literal unread count for StateUnread and the number of
// messages posted since the user was added for StateAddedUnviewed.
type ConversationState struct {
	Kind   StateKind
	Unread int64
}

// Classify decodes a raw stored counter value.
func (l *Ledger) Classify(raw int64) ConversationState {
	switch {
	case raw >= l.sentinel:
		return ConversationState{Kind: StateAddedUnviewed, Unread: raw - l.sentinel}
	case raw > 0:
		return ConversationState{Kind: StateUnread, Unread: raw}
	default:
		return ConversationState{Kind: StateRead}
	}
}

// MarkConversationAdded flags the conversation as added but not yet viewed.
func (l *Ledger) MarkConversationAdded(ctx context.Context, userID, conversationID uuid.UUID) error {
	err := l.store.HSet(ctx, conversationKey(userID), conversationID.String(), strconv.FormatInt(l.sentinel, 10))
	if err != nil {
		err = fmt.Errorf("ledger: mark conversation added: %w", err)
	}
	return l.wrote(err)
}

// IncrementConversationUnread adjusts the counter by delta, which is negative
// when a message is deleted. The stored value may dip below zero.
func (l *Ledger) IncrementConversationUnread(ctx context.Context, userID, conversationID uuid.UUID, delta int64) error {
	_, err := l.store.HIncrBy(ctx, conversationKey(userID), conversationID.String(), delta)
	if err != nil {
		err = fmt.Errorf("ledger: increment conversation unread: %w", err)
	}
	return l.wrote(err)
}

// RetractConversationUnread takes back one unread for a deleted message. Only
// a conversation in the unread state changes: a read conversation did not
// count the message, and an added-unviewed one keeps its sentinel. A counter
// that drops to zero is cleared.
func (l *Ledger) RetractConversationUnread(ctx context.Context, userID, conversationID uuid.UUID) error {
	state, err := l.ConversationState(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if state.Kind != StateUnread {
		return nil
	}
	key, field := conversationKey(userID), conversationID.String()
	n, err := l.store.HIncrBy(ctx, key, field, -1)
	if err == nil && n <= 0 {
		// a concurrent read may have deleted the field before the decrement
		err = l.store.HDel(ctx, key, field)
	}
	if err != nil {
		err = fmt.Errorf("ledger: retract conversation unread: %w", err)
	}
	return l.wrote(err)
}

// MarkConversationRead deletes the counter; absence means fully read.
func (l *Ledger) MarkConversationRead(ctx context.Context, userID, conversationID uuid.UUID) error {
	err := l.store.HDel(ctx, conversationKey(userID), conversationID.String())
	if err != nil {
		err = fmt.Errorf("ledger: mark conversation read: %w", err)
	}
	return l.wrote(err)
}

// ConversationState returns the decoded state of one conversation.
func (l *Ledger) ConversationState(ctx context.Context, userID, conversationID uuid.UUID) (ConversationState, error) {
	raw, err := l.store.HGet(ctx, conversationKey(userID), conversationID.String())
	if errors.Is(err, ErrNil) {
		return ConversationState{Kind: StateRead}, nil
	}
	if err != nil {
		return ConversationState{}, l.read(fmt.Errorf("ledger: conversation state: %w", err))
	}
	return l.Classify(parseCount(raw)), nil
}

// ConversationStates returns the state of every conversation the user has a
// counter for. Fully read conversations are omitted.
func (l *Ledger) ConversationStates(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]ConversationState, error) {
	all, err := l.store.HGetAll(ctx, conversationKey(userID))
	if err != nil {
		return nil, l.read(fmt.Errorf("ledger: conversation states: %w", err))
	}
	out := make(map[uuid.UUID]ConversationState, len(all))
	for field, raw := range all {
		id, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		if st := l.Classify(parseCount(raw)); st.Kind != StateRead {
			out[id] = st
		}
	}
	return out, nil
}

// ConversationSummary partitions a user's conversations by state.
type ConversationSummary struct {
	AddedUnviewed int `json:"added_unviewed"`
	HasUnread     int `json:"has_unread"`
}

func (l *Ledger) UnreadConversationSummary(ctx context.Context, userID uuid.UUID) (ConversationSummary, error) {
	states, err := l.ConversationStates(ctx, userID)
	if err != nil {
		return ConversationSummary{}, err
	}
	var s ConversationSummary
	for _, st := range states {
		switch st.Kind {
		case StateAddedUnviewed:
			s.AddedUnviewed++
		case StateUnread:
			s.HasUnread++
		}
	}
	return s, nil
}

// ResetUser drops every counter and the presence key of a user.
func (l *Ledger) ResetUser(ctx context.Context, userID uuid.UUID) error {
	err := l.store.Del(ctx, notificationKey(userID), conversationKey(userID), presenceKey(userID))
	if err != nil {
		err = fmt.Errorf("ledger: reset user: %w", err)
	}
	return l.wrote(err)
}

// ---- Presence ----

// TouchPresence records that the user is online for ttl.
func (l *Ledger) TouchPresence(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	err := l.store.SetEx(ctx, presenceKey(userID), time.Now().UTC().Format(time.RFC3339Nano), ttl)
	if err != nil {
		err = fmt.Errorf("ledger: touch presence: %w", err)
	}
	return l.wrote(err)
}

// LastSeen returns when the user last touched presence. ok is false once the
// key has expired.
func (l *Ledger) LastSeen(ctx context.Context, userID uuid.UUID) (t time.Time, ok bool, err error) {
	raw, err := l.store.Get(ctx, presenceKey(userID))
	if errors.Is(err, ErrNil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, l.read(fmt.Errorf("ledger: last seen: %w", err))
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: last seen: %w", err)
	}
	return t, true, nil
}
