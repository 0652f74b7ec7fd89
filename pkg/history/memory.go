package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/google/uuid"
)

// MemoryStore keeps history in process memory. It is the default store and
// the one used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	messages map[string][]ChatMessage
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		messages: make(map[string][]ChatMessage),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, question, answer string, evs []events.Event) (string, error) {
	now := s.now()
	rec := &Record{
		ID:        uuid.NewString(),
		Question:  question,
		Answer:    answer,
		Events:    cloneEvents(evs),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, id, answer string, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Answer = answer
	rec.Events = cloneEvents(evs)
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Find(_ context.Context, question, answer string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Record
	for _, rec := range s.records {
		if rec.Question != question || rec.Answer != answer {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copyRecord(best), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *copyRecord(rec))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListChatMessages(_ context.Context, id string) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[id]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[id]
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) AppendChatMessage(_ context.Context, id string, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Metadata = append([]byte(nil), msg.Metadata...)
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func copyRecord(rec *Record) *Record {
	c := *rec
	c.Events = cloneEvents(rec.Events)
	return &c
}
