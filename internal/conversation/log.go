package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-wallet/internal/bus"
	"github.com/loqalabs/loqa-wallet/internal/eventstore"
	"github.com/loqalabs/loqa-wallet/internal/protocol"
)

// Log is the append-only conversation collaborator.
type Log interface {
	Append(ctx context.Context, entry protocol.ConversationEntry) error
}

// Stamp fills in the id and timestamp of an entry that lacks them.
func Stamp(entry protocol.ConversationEntry, now time.Time) protocol.ConversationEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now.UTC()
	}
	return entry
}

// Memory keeps the most recent entries in order.
type Memory struct {
	mu      sync.RWMutex
	max     int
	entries []protocol.ConversationEntry
}

// NewMemory returns a log holding at most max entries; zero keeps everything.
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

func (m *Memory) Append(_ context.Context, entry protocol.ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if m.max > 0 && len(m.entries) > m.max {
		m.entries = append([]protocol.ConversationEntry(nil), m.entries[len(m.entries)-m.max:]...)
	}
	return nil
}

// Entries returns a copy of the retained entries.
func (m *Memory) Entries() []protocol.ConversationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ConversationEntry(nil), m.entries...)
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Multi fans every entry out to a set of sinks in order. Each entry is
// stamped once so all sinks agree on id and timestamp. Appends are serialized
// so concurrent writers cannot interleave across sinks.
type Multi struct {
	mu    sync.Mutex
	sinks []Log
	clock func() time.Time
}

func NewMulti(sinks ...Log) *Multi {
	return &Multi{sinks: sinks, clock: time.Now}
}

func (m *Multi) Append(ctx context.Context, entry protocol.ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry = Stamp(entry, m.clock())
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreLog persists entries on a session timeline in the event store.
type StoreLog struct {
	store     *eventstore.Store
	sessionID string
}

func NewStoreLog(store *eventstore.Store, sessionID string) *StoreLog {
	return &StoreLog{store: store, sessionID: sessionID}
}

func (s *StoreLog) Append(ctx context.Context, entry protocol.ConversationEntry) error {
	return s.store.AppendEntry(ctx, s.sessionID, entry)
}

// BusLog publishes entries for UI fan-out. Publish failures are logged, not
// returned, so a flaky bus never blocks the conversation.
type BusLog struct {
	bus       *bus.Client
	sessionID string
	logger    *slog.Logger
}

func NewBusLog(client *bus.Client, sessionID string, logger *slog.Logger) *BusLog {
	return &BusLog{bus: client, sessionID: sessionID, logger: logger.With(slog.String("component", "conversation"))}
}

func (b *BusLog) Append(_ context.Context, entry protocol.ConversationEntry) error {
	evt, err := protocol.NewSessionEvent(b.sessionID, "conversation.entry", entry.Timestamp, entry)
	if err != nil {
		return err
	}
	if err := b.bus.PublishJSON(protocol.SubjectConversationEntry, evt); err != nil {
		b.logger.Warn("failed to publish conversation entry", slog.String("error", err.Error()))
	}
	return nil
}
