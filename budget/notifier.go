/*
notifier.go - Scoped broadcast of committed changes

PURPOSE:
  Turns every committed store write into events for the scopes it affects
  and fans them out to the observers registered on those scopes.

SCOPES:
  CyclesScope()   "the full cycle list changed" (cycle insert/update/delete)
  CycleScope(id)  "records of cycle id changed" (its meta, its transactions,
                  hence its sum)
  AllScope()      every change, used by outbound relays

DELIVERY GUARANTEES:
  - Every subscriber of a scope gets every event of that scope
  - Within a scope, events arrive in commit order (stores publish under their
    write lock)
  - Publish never blocks: each subscriber owns an unbounded queue drained by
    its own goroutine into C()
  - A new subscriber first receives one EventCurrent, so it never needs a
    separate initial fetch
  - No ordering across scopes

EXAMPLE:
  sub, err := notifier.Subscribe(budget.CycleScope(42))
  defer sub.Close()
  for ev := range sub.C() {
      // reload cycle 42 and recompute
  }

SEE ALSO:
  - store.go: ChangeSink, the interface the Notifier implements
  - observe.go: Observables built on subscriptions
*/
package budget

import (
	"fmt"
	"sync"
)

// =============================================================================
// SCOPES
// =============================================================================

type scopeKind uint8

const (
	scopeAll scopeKind = iota
	scopeCycles
	scopeCycle
)

// Scope names a set of records observers can follow.
type Scope struct {
	kind    scopeKind
	cycleID CycleID
}

func AllScope() Scope             { return Scope{kind: scopeAll} }
func CyclesScope() Scope          { return Scope{kind: scopeCycles} }
func CycleScope(id CycleID) Scope { return Scope{kind: scopeCycle, cycleID: id} }

func (s Scope) String() string {
	switch s.kind {
	case scopeAll:
		return "all"
	case scopeCycles:
		return "cycles"
	default:
		return fmt.Sprintf("cycle/%d", s.cycleID)
	}
}

// scopesFor lists the scopes a change invalidates.
func scopesFor(c Change) []Scope {
	scopes := []Scope{AllScope()}
	if c.Kind.IsCycleChange() {
		return append(scopes, CyclesScope(), CycleScope(c.CycleID))
	}
	scopes = append(scopes, CycleScope(c.CycleID))
	if c.PreviousCycleID != 0 && c.PreviousCycleID != c.CycleID {
		scopes = append(scopes, CycleScope(c.PreviousCycleID))
	}
	return scopes
}

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	// EventCurrent is the synthetic event a subscriber receives on registration.
	EventCurrent EventKind = "current"
	// EventChanged follows a committed write.
	EventChanged EventKind = "changed"
)

// Event is one notification for one scope.
type Event struct {
	Scope  Scope
	Kind   EventKind
	Seq    uint64 // increases by one per change within the scope
	Change Change // zero for EventCurrent
}

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier implements ChangeSink and fans changes out per scope.
type Notifier struct {
	mu     sync.Mutex
	topics map[Scope]*topic
	closed bool
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{topics: make(map[Scope]*topic)}
}

// Subscribe registers an observer on scope.
func (n *Notifier) Subscribe(scope Scope) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrNotifierClosed
	}

	t := n.topics[scope]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		n.topics[scope] = t
	}

	sub := newSubscription(n, scope)
	t.subs[sub] = struct{}{}
	sub.enqueue(Event{Scope: scope, Kind: EventCurrent, Seq: t.seq})
	go sub.pump()
	return sub, nil
}

// Publish delivers c to every subscriber of the affected scopes.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	for _, scope := range scopesFor(c) {
		t := n.topics[scope]
		if t == nil {
			continue
		}
		t.seq++
		ev := Event{Scope: scope, Kind: EventChanged, Seq: t.seq, Change: c}
		for sub := range t.subs {
			sub.enqueue(ev)
		}
	}
}

// Subscribers returns the number of live subscriptions on scope.
func (n *Notifier) Subscribers(scope Scope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t := n.topics[scope]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Close ends every subscription. Further publishes are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	var subs []*Subscription
	for _, t := range n.topics {
		for sub := range t.subs {
			subs = append(subs, sub)
		}
	}
	n.topics = make(map[Scope]*topic)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (n *Notifier) remove(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := n.topics[sub.scope]
	if t == nil {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		delete(n.topics, sub.scope)
	}
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription is one observer's view of a scope.
type Subscription struct {
	notifier *Notifier
	scope    Scope

	mu     sync.Mutex
	queue  []Event
	signal chan struct{} // cap 1, wakes the pump

	out  chan Event
	done chan struct{}
	once sync.Once
}

func newSubscription(n *Notifier, scope Scope) *Subscription {
	return &Subscription{
		notifier: n,
		scope:    scope,
		signal:   make(chan struct{}, 1),
		out:      make(chan Event),
		done:     make(chan struct{}),
	}
}

// C yields events in order. It is closed after Close.
func (s *Subscription) C() <-chan Event { return s.out }

// Scope returns the scope the subscription follows.
func (s *Subscription) Scope() Scope { return s.scope }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.notifier.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
