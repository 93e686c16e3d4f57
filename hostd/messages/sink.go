package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/hostforge/hostd/observability"
	"github.com/itskum47/hostforge/hostd/store"
	"go.uber.org/zap"
)

// Poster is what producers of messages depend on.
type Poster interface {
	Post(ctx context.Context, m Message) error
}

// Sink appends messages to the store: every record goes to the global log and to
// the per-id log. Local subscribers are notified after a successful append.
type Sink struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs map[int]chan Message
	next int
}

func NewSink(s store.Store, logger *zap.Logger) *Sink {
	return &Sink{
		store:  s,
		logger: logger.Named("messages"),
		now:    time.Now,
		subs:   make(map[int]chan Message),
	}
}

// Post appends m. An empty Time is set to now.
func (s *Sink) Post(ctx context.Context, m Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Severity == "" {
		m.Severity = Info
	}
	if m.Time.IsZero() {
		m.Time = s.now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", m.ID, err)
	}
	if err := s.store.Push(ctx, store.MessageKey(m.ID), data); err != nil {
		return err
	}
	if err := s.store.Push(ctx, store.KeyMessages, data); err != nil {
		return err
	}

	observability.MessagesPosted.WithLabelValues(string(m.Severity)).Inc()
	s.broadcast(m)
	return nil
}

// Notify posts an unfinished message. Failures are logged, not returned; progress
// notes are best-effort.
func (s *Sink) Notify(ctx context.Context, id string, sev Severity, text string) {
	if err := s.Post(ctx, Message{ID: id, Severity: sev, Text: text}); err != nil {
		s.logger.Warn("failed to post message", zap.String("message_id", id), zap.Error(err))
	}
}

// Get folds the per-id log into its latest state. Responses accumulate across
// records; severity, text and finished come from the newest record.
func (s *Sink) Get(ctx context.Context, id string) (Message, bool, error) {
	key := store.MessageKey(id)
	raw, err := s.store.Range(ctx, key, 0, -1)
	if err != nil {
		return Message{}, false, err
	}
	if len(raw) == 0 {
		return Message{}, false, nil
	}

	var out Message
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal(r, &m); err != nil {
			return Message{}, false, &store.CorruptError{Key: key, Err: err}
		}
		responses := append(out.Responses, m.Responses...)
		out = m
		out.Responses = responses
	}
	return out, true, nil
}

// Since returns global log records from offset on and the offset to resume from.
func (s *Sink) Since(ctx context.Context, offset int64) ([]Message, int64, error) {
	raw, err := s.store.Range(ctx, store.KeyMessages, offset, -1)
	if err != nil {
		return nil, offset, err
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal(r, &m); err != nil {
			s.logger.Warn("skipping malformed message record", zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, offset + int64(len(raw)), nil
}

// Subscribe returns a channel receiving every message posted through this sink.
// Slow subscribers miss messages rather than block producers.
func (s *Sink) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Sink) broadcast(m Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- m:
		default:
		}
	}
}
