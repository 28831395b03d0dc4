// Package queue runs work in named, independent queues.
//
// Work submitted under one key runs on that key's queue with bounded
// parallelism (1 by default, which gives strict submission order). Keys do
// not block each other. Queues are created on first use.
package queue

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horgh/catbox/internal/logging"
	"github.com/pkg/errors"
)

// ErrClosed is the error of work submitted after CompleteAndWait.
var ErrClosed = errors.New("process queue is closed")

// Options configures a Manager.
type Options struct {
	// Parallelism is how many items of one key may run at once.
	Parallelism int

	// Depth is how many items of one key may wait before Enqueue blocks.
	Depth int

	// MaxActive limits items running across all keys. 0 means no limit.
	MaxActive int
}

// Manager owns the queues.
type Manager struct {
	log  *logging.Logger
	opts Options

	mu     sync.Mutex
	queues map[string]*contextQueue
	closed bool

	// Semaphore when MaxActive > 0.
	active chan struct{}
}

type item struct {
	ctx context.Context
	run func(context.Context) error
}

type contextQueue struct {
	key   string
	items chan item

	// Held for reading while sending to items.
	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup

	queued       atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	totalLatency atomic.Int64
}

// Stats describes one key's queue.
type Stats struct {
	Key        string
	Queued     uint64
	Processed  uint64
	Failed     uint64
	Pending    int
	AvgLatency time.Duration
}

// NewManager creates a Manager.
func NewManager(log *logging.Logger, opts Options) *Manager {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Depth <= 0 {
		opts.Depth = 256
	}

	m := &Manager{
		log:    log,
		opts:   opts,
		queues: make(map[string]*contextQueue),
	}
	if opts.MaxActive > 0 {
		m.active = make(chan struct{}, opts.MaxActive)
	}
	return m
}

// Future is the eventual result of a work item.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the item finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait returns the item's result, or ctx's error if ctx ends first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Enqueue submits fn to the queue for key.
//
// It blocks while that key's queue is full. An error or panic in fn fails
// only the returned future.
func Enqueue[T any](ctx context.Context, m *Manager, key string,
	fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	run := func(ctx context.Context) (err error) {
		var v T
		defer func() {
			if p := recover(); p != nil {
				err = errors.Errorf("panic: %v\n%s", p, debug.Stack())
				var zero T
				v = zero
			}
			f.complete(v, err)
		}()

		v, err = fn(ctx)
		return err
	}

	if err := m.submit(ctx, key, item{ctx: ctx, run: run}); err != nil {
		var zero T
		f.complete(zero, err)
	}

	return f
}

// Go submits fn to the queue for key when there is no result to wait for.
func (m *Manager) Go(ctx context.Context, key string,
	fn func(context.Context) error) *Future[struct{}] {
	return Enqueue(ctx, m, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

func (m *Manager) submit(ctx context.Context, key string, it item) error {
	for {
		q, err := m.queue(key)
		if err != nil {
			return err
		}

		sent, err := q.send(ctx, it)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
		// The queue was retired between lookup and send. Try a fresh one.
	}
}

func (m *Manager) queue(key string) (*contextQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	q, ok := m.queues[key]
	if ok {
		return q, nil
	}

	q = &contextQueue{
		key:   key,
		items: make(chan item, m.opts.Depth),
	}
	for i := 0; i < m.opts.Parallelism; i++ {
		q.wg.Add(1)
		go m.consume(q)
	}
	m.queues[key] = q
	return q, nil
}

func (q *contextQueue) send(ctx context.Context, it item) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false, nil
	}

	select {
	case q.items <- it:
		q.queued.Add(1)
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (q *contextQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

func (m *Manager) consume(q *contextQueue) {
	defer q.wg.Done()

	for it := range q.items {
		if m.active != nil {
			m.active <- struct{}{}
		}

		start := time.Now()
		err := it.run(it.ctx)
		q.totalLatency.Add(int64(time.Since(start)))

		if m.active != nil {
			<-m.active
		}

		if err != nil {
			q.failed.Add(1)
			m.log.Debugf("queue %s: item failed: %s", q.key, err)
			continue
		}
		q.processed.Add(1)
	}
}

// Remove retires the queue for key. Items already queued still run. The
// returned channel closes once they have.
func (m *Manager) Remove(key string) <-chan struct{} {
	m.mu.Lock()
	q, ok := m.queues[key]
	if ok {
		delete(m.queues, key)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	if !ok {
		close(done)
		return done
	}

	q.close()
	go func() {
		q.wg.Wait()
		close(done)
	}()
	return done
}

// Len is the number of live queues.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// CompleteAndWait stops accepting work and waits until every queue drained
// or ctx ends.
func (m *Manager) CompleteAndWait(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var qs []*contextQueue
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, q := range qs {
			q.close()
			q.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *contextQueue) stats() Stats {
	s := Stats{
		Key:       q.key,
		Queued:    q.queued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Pending:   len(q.items),
	}
	if done := s.Processed + s.Failed; done > 0 {
		s.AvgLatency = time.Duration(q.totalLatency.Load() / int64(done))
	}
	return s
}

// Stats snapshots every live queue, sorted by key.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	var qs []*contextQueue
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(qs))
	for _, q := range qs {
		stats = append(stats, q.stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Sample calls sink with a Stats snapshot every interval until ctx ends.
func (m *Manager) Sample(ctx context.Context, interval time.Duration,
	sink func([]Stats)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sink(m.Stats())
		case <-ctx.Done():
			return
		}
	}
}
