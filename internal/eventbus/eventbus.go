// Package eventbus is an asynchronous, typed publish/subscribe bus.
//
// Subscribers register per event type. Publish turns each (listener, event)
// pair into a job for a fixed pool of workers and returns once the jobs are
// queued. With more than one worker, a listener may see events out of
// publish order. Listeners needing order should serialize themselves, e.g.
// through a process queue.
package eventbus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/logging"
	"github.com/pkg/errors"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus is closed")

// Options configures a Bus.
type Options struct {
	// Workers is how many deliveries may run at once.
	Workers int

	// QueueDepth is how many deliveries may wait before Publish blocks.
	QueueDepth int
}

type listener struct {
	name string
	fn   func(context.Context, events.Event) error
}

type job struct {
	ctx      context.Context
	listener listener
	event    events.Event
}

// Bus delivers events to subscribers.
type Bus struct {
	log *logging.Logger

	subsMu sync.RWMutex
	subs   map[events.Kind][]listener

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	// Held for reading while enqueueing so Close sees every pending job.
	closeMu sync.RWMutex
	closed  bool

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	obsMu     sync.RWMutex
	observers map[int]chan events.Event
	nextObs   int
	dropped   atomic.Uint64

	failed atomic.Uint64
}

// New creates a Bus and starts its workers.
func New(log *logging.Logger, opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}

	idle := make(chan struct{})
	close(idle)

	b := &Bus{
		log:       log,
		subs:      make(map[events.Kind][]listener),
		jobs:      make(chan job, opts.QueueDepth),
		quit:      make(chan struct{}),
		idle:      idle,
		observers: make(map[int]chan events.Event),
	}

	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Subscribe registers fn for every published event of type E.
//
// E must be a value type whose Kind method works on the zero value. name
// identifies the listener in logs.
func Subscribe[E events.Event](b *Bus, name string,
	fn func(context.Context, E) error) {
	var zero E
	kind := zero.Kind()

	l := listener{
		name: name,
		fn: func(ctx context.Context, ev events.Event) error {
			e, ok := ev.(E)
			if !ok {
				return errors.Errorf("event kind %s carried unexpected type %T", kind,
					ev)
			}
			return fn(ctx, e)
		},
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[kind] = append(b.subs[kind], l)
}

// Publish queues ev for each of its subscribers.
//
// It blocks only while the queue is full. It returns once queued, not once
// delivered.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	b.notifyObservers(ev)

	b.subsMu.RLock()
	ls := b.subs[ev.Kind()]
	b.subsMu.RUnlock()

	if len(ls) == 0 {
		return nil
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, l := range ls {
		b.addPending()
		select {
		case b.jobs <- job{ctx: ctx, listener: l, event: ev}:
		case <-ctx.Done():
			b.donePending()
			return ctx.Err()
		}
	}

	return nil
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case j := <-b.jobs:
			b.deliver(j)
			b.donePending()
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) deliver(j job) {
	defer func() {
		if p := recover(); p != nil {
			b.failed.Add(1)
			b.log.Errorf("event %s listener %s: panic: %v\n%s", j.event.Kind(),
				j.listener.name, p, debug.Stack())
		}
	}()

	if err := j.listener.fn(j.ctx, j.event); err != nil {
		b.failed.Add(1)
		b.log.Errorf("event %s listener %s: %s", j.event.Kind(), j.listener.name,
			err)
	}
}

func (b *Bus) addPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.pending == 0 {
		b.idle = make(chan struct{})
	}
	b.pending++
}

func (b *Bus) donePending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
}

// Pending is the number of queued or running deliveries.
func (b *Bus) Pending() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.pending
}

// Failed counts deliveries that returned an error or panicked.
func (b *Bus) Failed() uint64 {
	return b.failed.Load()
}

// Wait blocks until no deliveries are pending or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	b.pendingMu.Lock()
	idle := b.idle
	b.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, waits for pending deliveries, and stops the
// workers. If ctx ends first, queued deliveries are abandoned.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()

	err := b.Wait(ctx)

	close(b.quit)
	b.wg.Wait()

	b.obsMu.Lock()
	for id, ch := range b.observers {
		close(ch)
		delete(b.observers, id)
	}
	b.obsMu.Unlock()

	return err
}

// Observe returns a stream of every published event regardless of type.
//
// The stream never slows publishing: if its buffer is full the event is
// dropped for that observer. Call the returned function to stop observing.
func (b *Bus) Observe(buffer int) (<-chan events.Event, func()) {
	ch := make(chan events.Event, buffer)

	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = ch
	b.obsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.obsMu.Lock()
			defer b.obsMu.Unlock()
			if _, ok := b.observers[id]; ok {
				delete(b.observers, id)
				close(ch)
			}
		})
	}
}

// Dropped counts events observers missed because their buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) notifyObservers(ev events.Event) {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()

	for _, ch := range b.observers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}
