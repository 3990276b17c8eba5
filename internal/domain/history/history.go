package history

import (
	"context"
	"sync"
	"time"
)

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Entry is one stored turn.
type Entry struct {
	Sender    string         `json:"sender"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Store is an append-only conversation log.
type Store interface {
	// Append writes all entries or none of them.
	Append(ctx context.Context, conversationID string, entries ...Entry) error
	// Read returns entries oldest first; an unknown id yields an empty slice.
	Read(ctx context.Context, conversationID string) ([]Entry, error)
	Close(ctx context.Context) error
}

// Recorder serializes writes per conversation so the two halves of an
// exchange are never interleaved with another request's.
type Recorder struct {
	store Store

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, locks: map[string]*convLock{}}
}

func (r *Recorder) Store() Store { return r.store }

func (r *Recorder) Read(ctx context.Context, conversationID string) ([]Entry, error) {
	return r.store.Read(ctx, conversationID)
}

// AppendExchange appends the user turn followed by the assistant turn in a
// single write, so a failed exchange leaves no orphaned user turn.
func (r *Recorder) AppendExchange(ctx context.Context, conversationID string, user, assistant Entry) error {
	unlock := r.lock(conversationID)
	defer unlock()

	now := time.Now()
	if user.Sender == "" {
		user.Sender = SenderUser
	}
	if user.Timestamp.IsZero() {
		user.Timestamp = now
	}
	if assistant.Sender == "" {
		assistant.Sender = SenderAssistant
	}
	if assistant.Timestamp.IsZero() {
		assistant.Timestamp = now
	}

	return r.store.Append(ctx, conversationID, user, assistant)
}

func (r *Recorder) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &convLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}
