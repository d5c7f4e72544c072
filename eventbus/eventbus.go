// Package eventbus queues session events between the background job that
// produces them and the client that streams them.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jxucoder/microcase/model"
)

var (
	// ErrUnknownSession is returned for sessions that were never opened, were
	// closed, or already delivered their terminal event.
	ErrUnknownSession = errors.New("unknown session")
	// ErrAlreadyStreaming is returned when a second consumer attaches to a session.
	ErrAlreadyStreaming = errors.New("session already has a consumer")
)

// Bus is a per-session FIFO of events.
type Bus interface {
	// Open creates the queue for a session. Opening an existing session is a no-op.
	Open(sessionID string)
	// Publish appends an event. It never blocks.
	Publish(sessionID string, event *model.Event) error
	// Stream delivers queued and future events in order until the terminal
	// event has been sent or ctx is done. Events not yet delivered when ctx
	// ends stay queued for the next consumer.
	Stream(ctx context.Context, sessionID string) (<-chan *model.Event, error)
	// Close drops a session's queue.
	Close(sessionID string)
}

// InMemoryBus is a Bus backed by per-session slices.
type InMemoryBus struct {
	maxEvents int

	mu     sync.Mutex
	queues map[string]*queue
}

// NewInMemoryBus creates a bus that buffers at most maxEvents undelivered
// events per session. A non-positive maxEvents means unbounded.
func NewInMemoryBus(maxEvents int) *InMemoryBus {
	return &InMemoryBus{maxEvents: maxEvents, queues: make(map[string]*queue)}
}

type queue struct {
	mu       sync.Mutex
	events   []*model.Event
	notify   chan struct{}
	seq      int64
	terminal bool
	attached bool
	dropped  int
}

func (b *InMemoryBus) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[sessionID]; !ok {
		b.queues[sessionID] = &queue{notify: make(chan struct{}, 1)}
	}
}

func (b *InMemoryBus) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}

func (b *InMemoryBus) get(sessionID string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[sessionID]
}

func (b *InMemoryBus) Publish(sessionID string, event *model.Event) error {
	q := b.get(sessionID)
	if q == nil {
		return ErrUnknownSession
	}

	q.mu.Lock()
	if q.terminal {
		q.mu.Unlock()
		return nil
	}
	q.seq++
	if event.ID == 0 {
		event.ID = q.seq
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	q.events = append(q.events, event)
	q.terminal = event.Terminal()
	if b.maxEvents > 0 && len(q.events) > b.maxEvents {
		q.evict()
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evict drops the oldest progress event, or the oldest event if none is a
// progress event. The newest event is never dropped.
func (q *queue) evict() {
	victim := 0
	for i, e := range q.events[:len(q.events)-1] {
		if e.Type == model.EventProgress {
			victim = i
			break
		}
	}
	q.events = append(q.events[:victim], q.events[victim+1:]...)
	q.dropped++
}

func (q *queue) pop() (*model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil, false
	}
	e := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return e, true
}

func (q *queue) pushFront(e *model.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append([]*model.Event{e}, q.events...)
}

func (q *queue) detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attached = false
}

func (b *InMemoryBus) Stream(ctx context.Context, sessionID string) (<-chan *model.Event, error) {
	q := b.get(sessionID)
	if q == nil {
		return nil, ErrUnknownSession
	}
	q.mu.Lock()
	if q.attached {
		q.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	q.attached = true
	q.mu.Unlock()

	out := make(chan *model.Event)
	go func() {
		defer close(out)
		for {
			e, ok := q.pop()
			if !ok {
				select {
				case <-q.notify:
					continue
				case <-ctx.Done():
					q.detach()
					return
				}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				q.pushFront(e)
				q.detach()
				return
			}
			if e.Terminal() {
				b.remove(sessionID, q)
				return
			}
		}
	}()
	return out, nil
}

// remove deletes the session's queue if it is still q.
func (b *InMemoryBus) remove(sessionID string, q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues[sessionID] == q {
		delete(b.queues, sessionID)
	}
}

// Pending returns the number of undelivered events and how many were dropped
// by the buffer cap.
func (b *InMemoryBus) Pending(sessionID string) (pending, dropped int) {
	q := b.get(sessionID)
	if q == nil {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events), q.dropped
}
