package relay

import "sync"

// Subscription is the cancellation handle returned by observer
// registrations. Cancel removes the handler; it is idempotent and safe
// to call after the source has been closed.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel detaches the handler. After Cancel returns the handler will not
// be invoked again.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// registry is a fan-out callback registry with per-handler cancellation.
// Handlers are invoked synchronously in registration order; sources that
// must not block hold no locks while emitting.
type registry[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

func (r *registry[T]) subscribe(fn func(T)) *Subscription {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = make(map[int]func(T))
	}
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}}
}

func (r *registry[T]) emit(ev T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.handlers))
	for _, fn := range r.handlers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}

// TimelineOp tags a timeline change notification.
type TimelineOp int

const (
	// TimelineReset replaces the whole visible timeline (initial load).
	TimelineReset TimelineOp = iota

	// TimelineAppend adds new messages at the bottom (push ingestion).
	TimelineAppend

	// TimelinePrepend adds older messages at the top (pagination). The
	// observer is responsible for adjusting any scroll offset by the
	// height delta the prepended content introduces.
	TimelinePrepend

	// TimelineUpdate replaces messages in place (late attachment
	// resolution).
	TimelineUpdate
)

// TimelineEvent is a timeline change notification.
type TimelineEvent struct {
	Op       TimelineOp
	Messages []Message
}

// RosterEvent is a roster change notification carrying the full set
// after the change.
type RosterEvent struct {
	Entries []PresenceEntry
}
