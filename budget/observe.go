/*
observe.go - Lazy, restartable, shared observations of derived state

PURPOSE:
  An Observable keeps one derived value (the cycle list, a ledger) current
  for any number of observers. On every notifier event for its scope it
  reloads the records and re-derives the value with the pure functions in
  aggregate.go. Nothing is cached beyond the latest emitted value.

LIFECYCLE:
  idle     no observers, no notifier subscription
  running  first Subscribe starts upstream: subscribe to the scope, load on
           the synthetic "current" event, then on every change
  lingering last observer left: upstream keeps running for the grace period
           (default 5s). A Subscribe within the window cancels the stop and
           immediately replays the latest value
  idle     grace period expired: upstream stops; the next Subscribe restarts
           it from scratch
  closed   the notifier closed: upstream stops and every observer channel
           is closed

DELIVERY:
  Each observer has a one-slot mailbox. A newer value replaces an unread
  older one, so a slow observer always reads the latest state and never
  slows the upstream. Updates carry the notifier sequence number they were
  computed for.

SEE ALSO:
  - notifier.go: Event source
  - repository.go: ObserveCycles, ObserveLedger
*/
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/warp/cycle-ledger/log"
)

// DefaultGracePeriod is how long an observation outlives its last observer.
const DefaultGracePeriod = 5 * time.Second

// Update is one emitted value. Err is set when reloading failed; Value is
// then the zero value and the next change retries.
type Update[T any] struct {
	Value T
	Err   error
	Seq   uint64
}

// Observable is a shared, lazily started observation of one scope.
type Observable[T any] struct {
	notifier *Notifier
	scope    Scope
	load     func(ctx context.Context) (T, error)
	grace    time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	observers map[*Observer[T]]struct{}
	latest    *Update[T]
	running   bool
	gen       uint64 // bumped on every start and stop
	stopFn    func()
	stopTimer *time.Timer
	starts    int
	onStop    []func()
}

func newObservable[T any](n *Notifier, scope Scope, grace time.Duration, logger *log.Logger,
	load func(ctx context.Context) (T, error)) *Observable[T] {
	return &Observable[T]{
		notifier:  n,
		scope:     scope,
		load:      load,
		grace:     grace,
		logger:    logger,
		observers: make(map[*Observer[T]]struct{}),
	}
}

// Subscribe attaches an observer, starting the upstream if needed.
func (o *Observable[T]) Subscribe() *Observer[T] {
	o.mu.Lock()
	defer o.mu.Unlock()

	obs := &Observer[T]{parent: o, ch: make(chan Update[T], 1)}
	o.observers[obs] = struct{}{}

	if o.stopTimer != nil {
		o.stopTimer.Stop()
		o.stopTimer = nil
	}

	if !o.running {
		o.startLocked()
	} else if o.latest != nil {
		obs.offer(*o.latest)
	}
	return obs
}

// Active reports whether the upstream is currently running.
func (o *Observable[T]) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Starts returns how many times the upstream has been started.
func (o *Observable[T]) Starts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts
}

// Latest returns the last emitted update, if any.
func (o *Observable[T]) Latest() (Update[T], bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		return Update[T]{}, false
	}
	return *o.latest, true
}

// OnStop registers fn to run, on its own goroutine, each time the upstream
// stops.
func (o *Observable[T]) OnStop(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStop = append(o.onStop, fn)
}

func (o *Observable[T]) startLocked() {
	sub, err := o.notifier.Subscribe(o.scope)
	if err != nil {
		// The notifier is closed: report why, then end every observer.
		u := Update[T]{Err: err}
		for obs := range o.observers {
			obs.offer(u)
		}
		o.closeObserversLocked()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.gen++
	o.running = true
	o.starts++
	o.stopFn = func() {
		cancel()
		sub.Close()
	}

	o.logger.Debug("observation started", log.FieldScope, o.scope.String())
	go o.run(ctx, sub, o.gen)
}

func (o *Observable[T]) stopLocked() {
	if !o.running {
		return
	}
	o.gen++
	o.running = false
	o.latest = nil
	o.stopFn()
	o.stopFn = nil
	o.logger.Debug("observation stopped", log.FieldScope, o.scope.String())
	for _, fn := range o.onStop {
		go fn()
	}
}

func (o *Observable[T]) closeObserversLocked() {
	for obs := range o.observers {
		delete(o.observers, obs)
		close(obs.ch)
	}
}

func (o *Observable[T]) run(ctx context.Context, sub *Subscription, gen uint64) {
	for ev := range sub.C() {
		// Several queued events collapse into one reload: it reads the
		// latest committed state, which covers all of them.
		seq := ev.Seq
	drain:
		for {
			select {
			case next, ok := <-sub.C():
				if !ok {
					break drain
				}
				seq = next.Seq
			default:
				break drain
			}
		}

		value, err := o.load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.logger.Failure(ctx, "reload failed", err, log.FieldScope, o.scope.String())
		}
		o.emit(gen, Update[T]{Value: value, Err: err, Seq: seq})
	}

	// The notifier closed underneath a live observation.
	o.mu.Lock()
	if gen == o.gen && o.running {
		o.stopLocked()
		o.closeObserversLocked()
	}
	o.mu.Unlock()
}

func (o *Observable[T]) emit(gen uint64, u Update[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.gen {
		return
	}
	o.latest = &u
	for obs := range o.observers {
		obs.offer(u)
	}
}

func (o *Observable[T]) detach(obs *Observer[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.observers[obs]; !ok {
		return
	}
	delete(o.observers, obs)
	close(obs.ch)

	if len(o.observers) > 0 || !o.running {
		return
	}
	if o.grace <= 0 {
		o.stopLocked()
		return
	}

	gen := o.gen
	o.stopTimer = time.AfterFunc(o.grace, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if gen != o.gen || len(o.observers) > 0 {
			return
		}
		o.stopTimer = nil
		o.stopLocked()
	})
}

// =============================================================================
// OBSERVER
// =============================================================================

// Observer receives updates from an Observable until closed.
type Observer[T any] struct {
	parent *Observable[T]
	ch     chan Update[T]
}

// C yields updates. It is closed by Close, or when the notifier closes.
func (w *Observer[T]) C() <-chan Update[T] { return w.ch }

// Next waits for the next update.
func (w *Observer[T]) Next(ctx context.Context) (Update[T], error) {
	select {
	case u, ok := <-w.ch:
		if !ok {
			return Update[T]{}, ErrNotifierClosed
		}
		return u, nil
	case <-ctx.Done():
		return Update[T]{}, ctx.Err()
	}
}

// Close detaches the observer. Safe to call more than once.
func (w *Observer[T]) Close() {
	w.parent.detach(w)
}

// offer stores u in the mailbox, replacing an unread value.
// Called with the parent lock held.
func (w *Observer[T]) offer(u Update[T]) {
	select {
	case w.ch <- u:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- u:
	default:
	}
}
