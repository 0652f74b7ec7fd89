package events

import (
	"iter"
	"sync"
)

// Predicate selects events for Filter.
type Predicate func(Event) bool

// OfType matches events whose type is one of types.
func OfType(types ...Type) Predicate {
	return func(ev Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// Log is an append-only, totally ordered sequence of events.
// Appends from any number of goroutines serialize into one order: the
// order in which they acquire the log. Stored records are never
// modified; every read returns copies.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds ev at the end of the log.
func (l *Log) Append(ev Event) {
	ev = ev.Clone()
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Len returns the number of appended events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// All returns a lazy view over the events present at call time. Later
// appends are not visible through the returned sequence.
func (l *Log) All() iter.Seq2[int, Event] {
	frozen := l.frozen()
	return func(yield func(int, Event) bool) {
		for i, ev := range frozen {
			if !yield(i, ev.Clone()) {
				return
			}
		}
	}
}

// Snapshot returns a copy of all events in append order.
func (l *Log) Snapshot() []Event {
	return l.collect(0, nil)
}

// Filter returns the events matching pred, in append order.
func (l *Log) Filter(pred Predicate) []Event {
	return l.collect(0, pred)
}

// Since returns events appended after the first n. A negative n is
// treated as zero; n beyond the end yields an empty slice.
func (l *Log) Since(n int) []Event {
	return l.collect(n, nil)
}

func (l *Log) collect(from int, pred Predicate) []Event {
	frozen := l.frozen()
	if from < 0 {
		from = 0
	}
	out := make([]Event, 0, max(len(frozen)-from, 0))
	for i := from; i < len(frozen); i++ {
		ev := frozen[i].Clone()
		if pred != nil && !pred(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// frozen returns the current prefix of the backing array. Elements below
// the captured length are never written again, so the prefix can be read
// without holding the lock.
func (l *Log) frozen() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events[:len(l.events):len(l.events)]
}
