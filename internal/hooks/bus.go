// Package hooks implements a priority-sorted event dispatcher supporting two
// event shapes: interceptor events, whose handlers may block or modify the
// propagating data in a waterfall, and observer events, which are
// fire-and-forget. Dispatch order is priority-ascending with insertion order
// breaking ties; registration and removal always replace the handler list
// reference so a concurrent Emit iterates a stable snapshot.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrReentrancy is returned when emit depth within a logical call chain
// exceeds the configured maximum.
var ErrReentrancy = errors.New("hooks: max re-entrancy depth exceeded")

// ErrTimeout is returned when a handler does not complete within its timeout.
var ErrTimeout = errors.New("hooks: handler timeout")

// Action is the verdict an interceptor handler returns.
type Action string

const (
	ActionContinue Action = "continue"
	ActionModify   Action = "modify"
	ActionBlock    Action = "block"
)

// Result is the return value of an interceptor handler.
type Result struct {
	Action Action
	Data   any
	Reason string
}

// InterceptorHandler may inspect and transform data, or block the chain.
type InterceptorHandler func(ctx context.Context, data any) (Result, error)

// ObserverHandler is fire-and-forget; its error is routed to OnObserverError.
type ObserverHandler func(ctx context.Context, data any) error

// Options configure a single handler registration.
type Options struct {
	Priority int                     // lower runs first
	Timeout  time.Duration           // zero means no timeout
	Once     bool                    // removed after first firing invocation
	Match    func(data any) bool     // nil matches everything
}

type entry struct {
	id          uint64
	priority    int
	opts        Options
	interceptor InterceptorHandler
	observer    ObserverHandler
}

type reentrancyKey struct{}

// Bus dispatches interceptor and observer events.
type Bus struct {
	mu             sync.Mutex
	interceptors   map[string][]entry
	observers      map[string][]entry
	nextID         atomic.Uint64
	maxDepth       int
	onObserverErr  func(event string, err error)
	logger         *slog.Logger
}

// New constructs a Bus. maxDepth bounds re-entrant Emit calls within the same
// context chain; a value <= 0 means 32.
func New(logger *slog.Logger, maxDepth int) *Bus {
	if maxDepth <= 0 {
		maxDepth = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		interceptors: make(map[string][]entry),
		observers:    make(map[string][]entry),
		maxDepth:     maxDepth,
		logger:       logger,
	}
}

// OnObserverError sets the callback invoked when an observer handler errors.
// If unset, errors are logged at Warn level.
func (b *Bus) OnObserverError(fn func(event string, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onObserverErr = fn
}

// OnIntercept registers an interceptor handler for event and returns a
// disposer that removes it.
func (b *Bus) OnIntercept(event string, handler InterceptorHandler, opts Options) func() {
	id := b.nextID.Add(1)
	e := entry{id: id, priority: opts.Priority, opts: opts, interceptor: handler}
	b.mu.Lock()
	b.interceptors[event] = insertSorted(b.interceptors[event], e)
	b.mu.Unlock()
	return func() { b.remove(event, id, true) }
}

// OnObserve registers an observer handler for event and returns a disposer.
func (b *Bus) OnObserve(event string, handler ObserverHandler, opts Options) func() {
	id := b.nextID.Add(1)
	e := entry{id: id, priority: opts.Priority, opts: opts, observer: handler}
	b.mu.Lock()
	b.observers[event] = insertSorted(b.observers[event], e)
	b.mu.Unlock()
	return func() { b.remove(event, id, false) }
}

func insertSorted(list []entry, e entry) []entry {
	next := make([]entry, len(list), len(list)+1)
	copy(next, list)
	next = append(next, e)
	sort.SliceStable(next, func(i, j int) bool { return next[i].priority < next[j].priority })
	return next
}

func (b *Bus) remove(event string, id uint64, interceptor bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.observers
	if interceptor {
		table = b.interceptors
	}
	list := table[event]
	next := make([]entry, 0, len(list))
	for _, e := range list {
		if e.id != id {
			next = append(next, e)
		}
	}
	table[event] = next
}

// Emit runs the interceptor chain for event, waterfalling data through
// handlers in priority order. Returns the final Result.
func (b *Bus) Emit(ctx context.Context, event string, data any) (Result, error) {
	ctx, err := b.enterDepth(ctx)
	if err != nil {
		return Result{}, err
	}

	b.mu.Lock()
	list := b.interceptors[event]
	b.mu.Unlock()

	current := data
	for i := range list {
		e := &list[i]
		if e.opts.Match != nil && !e.opts.Match(current) {
			continue
		}
		res, invoked, err := b.runIntercept(ctx, e, current)
		if e.opts.Once && invoked {
			b.remove(event, e.id, true)
		}
		if err != nil {
			return Result{}, fmt.Errorf("hooks: interceptor for %q: %w", event, err)
		}
		switch res.Action {
		case ActionBlock:
			return res, nil
		case ActionModify:
			current = res.Data
		case ActionContinue, "":
			// no-op on data
		default:
			return Result{}, fmt.Errorf("hooks: interceptor for %q returned invalid action %q", event, res.Action)
		}
	}
	return Result{Action: ActionContinue, Data: current}, nil
}

func (b *Bus) runIntercept(ctx context.Context, e *entry, data any) (Result, bool, error) {
	if e.opts.Timeout <= 0 {
		res, err := e.interceptor(ctx, data)
		return res, true, err
	}
	tctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	type out struct {
		res Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := e.interceptor(tctx, data)
		ch <- out{res, err}
	}()
	select {
	case o := <-ch:
		return o.res, true, o.err
	case <-tctx.Done():
		return Result{}, true, ErrTimeout
	}
}

// Notify runs the observer chain for event. Handler errors never abort the
// chain; they are routed to OnObserverError (or logged).
func (b *Bus) Notify(ctx context.Context, event string, data any) error {
	ctx, err := b.enterDepth(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	list := b.observers[event]
	b.mu.Unlock()

	for i := range list {
		e := &list[i]
		if e.opts.Match != nil && !e.opts.Match(data) {
			continue
		}
		err, invoked := b.runObserve(ctx, e, data)
		if e.opts.Once && invoked {
			b.remove(event, e.id, false)
		}
		if err != nil {
			b.reportObserverError(event, err)
		}
	}
	return nil
}

func (b *Bus) runObserve(ctx context.Context, e *entry, data any) (error, bool) {
	if e.opts.Timeout <= 0 {
		return e.observer(ctx, data), true
	}
	tctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	ch := make(chan error, 1)
	go func() {
		ch <- e.observer(tctx, data)
	}()
	select {
	case err := <-ch:
		return err, true
	case <-tctx.Done():
		return ErrTimeout, true
	}
}

func (b *Bus) reportObserverError(event string, err error) {
	b.mu.Lock()
	cb := b.onObserverErr
	logger := b.logger
	b.mu.Unlock()
	if cb != nil {
		cb(event, err)
		return
	}
	logger.Warn("hooks.observer_error", "event", event, "error", err)
}

// enterDepth reads the emit depth carried in ctx and returns a child context
// with it incremented. Depth lives in the context so concurrent emits in
// unrelated call chains count independently; unwinding is automatic when the
// child context goes out of scope.
func (b *Bus) enterDepth(ctx context.Context) (context.Context, error) {
	depth := 0
	if v := ctx.Value(reentrancyKey{}); v != nil {
		depth = v.(int)
	}
	if depth >= b.maxDepth {
		return ctx, fmt.Errorf("%w: depth %d", ErrReentrancy, depth)
	}
	return context.WithValue(ctx, reentrancyKey{}, depth+1), nil
}
