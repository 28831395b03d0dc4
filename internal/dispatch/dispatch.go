// Package dispatch routes parsed IRC messages to command handlers.
//
// Handlers register during startup. After that the table is read without
// locks: each Register publishes a new immutable snapshot.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/horgh/catbox/internal/logging"
	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Partition separates handler tables, for example by listener type.
type Partition string

// ClientPartition is the partition for user connections.
const ClientPartition Partition = "client"

// Handler reacts to one command from one session.
//
// Returning an error means an internal fault. Protocol-level rejections are
// sent to the client as numerics and are not errors.
type Handler interface {
	Handle(ctx context.Context, sessionID string, m irc.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionID string, m irc.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, sessionID string,
	m irc.Message) error {
	return f(ctx, sessionID, m)
}

type key struct {
	partition Partition
	code      string
}

type table map[key][]Handler

// Registry maps (partition, command code) to an ordered handler list.
type Registry struct {
	log *logging.Logger

	// Serializes writers. Readers only load the snapshot.
	mu      sync.Mutex
	handler atomic.Pointer[table]
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logging.Logger) *Registry {
	r := &Registry{log: log}
	t := table{}
	r.handler.Store(&t)
	return r
}

// Register appends h to the handlers for (partition, code).
func (r *Registry) Register(partition Partition, code string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{partition: partition, code: strings.ToUpper(code)}

	old := *r.handler.Load()
	t := make(table, len(old)+1)
	for k, hs := range old {
		t[k] = hs
	}

	// Copy so a reader holding the old slice never sees the append.
	hs := make([]Handler, len(old[k]), len(old[k])+1)
	copy(hs, old[k])
	t[k] = append(hs, h)

	r.handler.Store(&t)
}

// Handlers returns the handlers registered for (partition, code).
func (r *Registry) Handlers(partition Partition, code string) []Handler {
	t := *r.handler.Load()
	return t[key{partition: partition, code: strings.ToUpper(code)}]
}

// Codes lists the command codes registered in a partition.
func (r *Registry) Codes(partition Partition) []string {
	t := *r.handler.Load()
	var codes []string
	for k := range t {
		if k.partition == partition {
			codes = append(codes, k.code)
		}
	}
	return codes
}

// Dispatch runs every handler registered for the message's command, in
// registration order.
//
// A handler that fails or panics is logged and the remaining handlers still
// run. Dispatch reports whether any handler was registered.
func (r *Registry) Dispatch(ctx context.Context, partition Partition,
	sessionID string, m irc.Message) bool {
	hs := r.Handlers(partition, m.Command)
	if len(hs) == 0 {
		return false
	}

	for _, h := range hs {
		if err := r.invoke(ctx, h, sessionID, m); err != nil {
			r.log.Errorf("command %s session %s handler %s: %s", m.Command,
				sessionID, handlerName(h), err)
		}
	}

	return true
}

// handlerName is the handler's String if it has one, otherwise its type.
func handlerName(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}

func (r *Registry) invoke(ctx context.Context, h Handler, sessionID string,
	m irc.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()

	return h.Handle(ctx, sessionID, m)
}
