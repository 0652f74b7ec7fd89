package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/deepscope-io/deepscope/pkg/metrics"
)

// Action is the outcome of one SaveOrUpdate call.
type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionUnchanged  Action = "unchanged"
	ActionCoalesced  Action = "coalesced"
	ActionIneligible Action = "ineligible"
)

// Snapshot is the part of a live session the synchronizer needs.
type Snapshot struct {
	// Key identifies the live session across calls.
	Key      string
	ID       string
	Question string
	Answer   string
	Events   []events.Event
	// Done is true when the session has settled.
	Done bool
}

// Eligible reports whether s may be persisted at all.
func (s Snapshot) Eligible() bool {
	return s.Done && s.Answer != "" && s.Question != "" && len(s.Events) > 0
}

// Result describes what SaveOrUpdate did.
type Result struct {
	Action Action
	// ID is the durable identity after the call, empty when unknown.
	ID string
}

// Synchronizer writes session snapshots to a Store with at most one write
// in flight per session key. A call that arrives while a write is running
// waits for it; if a newer call arrives before the waiter gets its turn,
// the waiter returns ActionCoalesced and only the newest snapshot is checked.
type Synchronizer struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	id     string
	busy   bool
	waiter chan bool // true hands over the write token, false supersedes
}

// NewSynchronizer returns a synchronizer over store.
func NewSynchronizer(store Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:  store,
		logger: logger,
		slots:  make(map[string]*slot),
	}
}

// Store returns the underlying store.
func (s *Synchronizer) Store() Store {
	return s.store
}

// Identity returns the durable id adopted for key, if any.
func (s *Synchronizer) Identity(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		return sl.id
	}
	return ""
}

// Forget drops the bookkeeping for key once no write for it is running.
// It is a no-op while a write is in flight.
func (s *Synchronizer) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok && !sl.busy {
		delete(s.slots, key)
	}
}

// SaveOrUpdate persists snap if it differs from what is stored. Repeated
// calls with unchanged content write nothing.
func (s *Synchronizer) SaveOrUpdate(ctx context.Context, snap Snapshot) (Result, error) {
	if !snap.Eligible() {
		metrics.HistoryWrites.WithLabelValues(string(ActionIneligible)).Inc()
		return Result{Action: ActionIneligible, ID: snap.ID}, nil
	}

	sl, ok, err := s.acquire(ctx, snap.Key)
	if err != nil {
		return Result{ID: snap.ID}, err
	}
	if !ok {
		metrics.HistoryWrites.WithLabelValues(string(ActionCoalesced)).Inc()
		return Result{Action: ActionCoalesced, ID: snap.ID}, nil
	}
	defer s.release(sl)

	start := time.Now()
	res, err := s.write(ctx, sl, snap)
	metrics.HistoryWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HistoryWriteFailures.Inc()
		s.logger.Error("Failed to persist research history",
			"session_key", snap.Key, "id", res.ID, "error", err)
		return res, err
	}
	metrics.HistoryWrites.WithLabelValues(string(res.Action)).Inc()
	if res.Action != ActionUnchanged {
		s.logger.Info("Persisted research history",
			"session_key", snap.Key, "id", res.ID, "action", res.Action)
	}
	return res, nil
}

// acquire returns the slot with its write token held, or ok=false when the
// call was superseded by a newer one.
func (s *Synchronizer) acquire(ctx context.Context, key string) (*slot, bool, error) {
	s.mu.Lock()
	sl, exists := s.slots[key]
	if !exists {
		sl = &slot{}
		s.slots[key] = sl
	}
	if !sl.busy {
		sl.busy = true
		s.mu.Unlock()
		return sl, true, nil
	}
	if sl.waiter != nil {
		sl.waiter <- false
	}
	turn := make(chan bool, 1)
	sl.waiter = turn
	s.mu.Unlock()

	select {
	case ok := <-turn:
		return sl, ok, nil
	case <-ctx.Done():
		s.mu.Lock()
		if sl.waiter == turn {
			sl.waiter = nil
			s.mu.Unlock()
			return nil, false, ctx.Err()
		}
		s.mu.Unlock()
		// The token may have been handed over concurrently; pass it on.
		if <-turn {
			s.release(sl)
		}
		return nil, false, ctx.Err()
	}
}

func (s *Synchronizer) release(sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.waiter != nil {
		next := sl.waiter
		sl.waiter = nil
		next <- true
		return
	}
	sl.busy = false
}

func (s *Synchronizer) write(ctx context.Context, sl *slot, snap Snapshot) (Result, error) {
	id := snap.ID
	if id == "" {
		s.mu.Lock()
		id = sl.id
		s.mu.Unlock()
	}

	var current *Record
	if id != "" {
		rec, err := s.store.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			// deleted from history since it was adopted
			id = ""
		case err != nil:
			return Result{ID: id}, err
		default:
			current = rec
		}
	}
	if current == nil {
		_, err := s.store.Find(ctx, snap.Question, snap.Answer)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Result{}, err
		default:
			// Another session already stored this exchange. Its record is
			// not ours to adopt or overwrite.
			return Result{Action: ActionUnchanged}, nil
		}
		newID, err := s.store.Create(ctx, snap.Question, snap.Answer, snap.Events)
		if err != nil {
			return Result{}, err
		}
		s.adopt(sl, newID)
		return Result{Action: ActionCreated, ID: newID}, nil
	}

	s.adopt(sl, current.ID)
	same, err := sameContent(current, snap)
	if err != nil {
		return Result{ID: current.ID}, err
	}
	if same {
		return Result{Action: ActionUnchanged, ID: current.ID}, nil
	}
	if err := s.store.Update(ctx, current.ID, snap.Answer, snap.Events); err != nil {
		return Result{ID: current.ID}, err
	}
	return Result{Action: ActionUpdated, ID: current.ID}, nil
}

func (s *Synchronizer) adopt(sl *slot, id string) {
	s.mu.Lock()
	sl.id = id
	s.mu.Unlock()
}

func sameContent(rec *Record, snap Snapshot) (bool, error) {
	if rec.Answer != snap.Answer {
		return false, nil
	}
	stored, err := canonicalEvents(rec.Events)
	if err != nil {
		return false, persistErr("compare", rec.ID, err)
	}
	live, err := canonicalEvents(snap.Events)
	if err != nil {
		return false, persistErr("compare", rec.ID, err)
	}
	return bytes.Equal(stored, live), nil
}

// canonicalEvents serializes evs with object keys sorted and whitespace
// dropped, so a log read back from JSONB compares equal to the live one.
func canonicalEvents(evs []events.Event) ([]byte, error) {
	if evs == nil {
		evs = []events.Event{}
	}
	raw, err := json.Marshal(evs)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
