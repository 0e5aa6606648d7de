package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"eliteheat/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// anyEvent is the subscription key for handlers that want every event type.
const anyEvent core.EventType = "*"

type subscription struct {
	id int64
	fn func(context.Context, core.Event)
}

const (
	asyncWorkers   = 4
	asyncQueueSize = 1024
)

// EventBus provides thread-safe pub/sub with sync and async dispatch.
// In async mode each subject is pinned to one worker queue, so a subject's
// events reach every handler in publish order.
type EventBus struct {
	mode      DispatchMode
	mu        sync.RWMutex
	subs      map[core.EventType]map[int64]subscription
	nextID    int64
	queues    []chan core.Event
	dropped   atomic.Int64
	log       *slog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewEventBus(mode DispatchMode) *EventBus {
	eb := &EventBus{
		mode: mode,
		subs: make(map[core.EventType]map[int64]subscription),
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	if mode == DispatchAsync {
		eb.startWorkers()
	}
	return eb
}

// SetLogger replaces the logger used to report dropped events and handler panics.
func (e *EventBus) SetLogger(l *slog.Logger) {
	if l != nil {
		e.log = l
	}
}

func (e *EventBus) startWorkers() {
	e.queues = make([]chan core.Event, asyncWorkers)
	for i := range e.queues {
		q := make(chan core.Event, asyncQueueSize)
		e.queues[i] = q
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case ev := <-q:
					e.dispatchSync(context.Background(), ev)
				case <-e.done:
					// drain what is already queued
					for {
						select {
						case ev := <-q:
							e.dispatchSync(context.Background(), ev)
						default:
							return
						}
					}
				}
			}
		}()
	}
}

func (e *EventBus) queueFor(subject core.SubjectID) chan core.Event {
	return e.queues[xxhash.Sum64String(string(subject))%uint64(len(e.queues))]
}

// Close stops async workers after the queue is drained. It is safe to call twice.
func (e *EventBus) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

// Dropped returns the number of events discarded because the async queue was full.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.subs[typ]; m != nil {
			delete(m, id)
		}
	}
}

// SubscribeAll registers a handler that receives every event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event)) func() {
	return e.Subscribe(anyEvent, handler)
}

// Publish sends an event to subscribers.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode == DispatchAsync {
		select {
		case e.queueFor(ev.SubjectID) <- ev:
		default:
			// Drop if queue full to preserve latency on the write path
			e.dropped.Add(1)
			e.log.Warn("event dropped", "type", ev.Type, "subject", ev.SubjectID)
		}
		return
	}
	e.dispatchSync(ctx, ev)
}

func (e *EventBus) dispatchSync(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	handlers := make([]func(context.Context, core.Event), 0, len(e.subs[ev.Type])+len(e.subs[anyEvent]))
	for _, s := range e.subs[ev.Type] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range e.subs[anyEvent] {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		e.invoke(ctx, h, ev)
	}
}

func (e *EventBus) invoke(ctx context.Context, h func(context.Context, core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", "type", ev.Type, "subject", ev.SubjectID, "panic", r)
		}
	}()
	h(ctx, ev)
}
