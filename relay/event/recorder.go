package event

import "sync"

// Recorder buffers events raised by an aggregate until a unit of work
// harvests them. Embed it in the aggregate root.
//
// Draining returns the buffered events exactly once: the buffer is cleared
// atomically with the read, so an event can never be harvested twice.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends an event to the buffer. Nil events are ignored.
func (r *Recorder) Record(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if e == nil {
			continue
		}

		r.events = append(r.events, e)
	}
}

// DrainEvents returns the buffered events in raise order and clears the
// buffer.
func (r *Recorder) DrainEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := r.events
	r.events = nil

	return drained
}

// PendingEvents reports how many events are buffered.
func (r *Recorder) PendingEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}
