package transfer

import (
	"slices"
	"sync"
)

// EventKind names a session notification.
type EventKind string

const (
	EventQueued    EventKind = "transfer-queued"
	EventState     EventKind = "transfer-state"
	EventProgress  EventKind = "transfer-progress"
	EventCompleted EventKind = "transfer-complete"
	EventFailed    EventKind = "transfer-failed"
	EventPaused    EventKind = "transfer-paused"
	EventCancelled EventKind = "transfer-cancelled"
)

// Event reports one session change. Progress events carry bytes acknowledged so far.
type Event struct {
	Kind       EventKind
	SessionID  string
	PeerID     string
	Direction  Direction
	FileName   string
	State      State
	BytesAcked int64
	TotalBytes int64
	Reason     string
}

func eventKindFor(state State) EventKind {
	switch state {
	case StateQueued:
		return EventQueued
	case StateCompleted:
		return EventCompleted
	case StateFailed:
		return EventFailed
	case StatePaused:
		return EventPaused
	case StateCancelled:
		return EventCancelled
	default:
		return EventState
	}
}

// emitter delivers events in order on its own goroutine so that a slow
// handler never stalls the chunk pipeline.
type emitter struct {
	mu       sync.Mutex
	pending  []Event
	handlers []func(Event)

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (em *emitter) subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	em.handlers = append(em.handlers, fn)
}

func (em *emitter) emit(event Event) {
	em.mu.Lock()
	em.pending = append(em.pending, event)
	em.mu.Unlock()

	select {
	case em.signal <- struct{}{}:
	default:
	}
}

func (em *emitter) run() {
	defer close(em.done)
	for {
		select {
		case <-em.signal:
			em.flush()
		case <-em.stop:
			em.flush()
			return
		}
	}
}

func (em *emitter) flush() {
	for {
		em.mu.Lock()
		batch := em.pending
		em.pending = nil
		handlers := slices.Clone(em.handlers)
		em.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			for _, fn := range handlers {
				fn(event)
			}
		}
	}
}

func (em *emitter) close() {
	em.once.Do(func() {
		close(em.stop)
		<-em.done
	})
}
