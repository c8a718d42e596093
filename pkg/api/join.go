package api

import "sync"

// JoinPolicy selects how a JoinBarrier counts arrivals.
type JoinPolicy int

const (
	// JoinDistinctKinds counts each event kind once. A repeated kind
	// replaces the stored payload (last write wins) without advancing the count.
	JoinDistinctKinds JoinPolicy = iota

	// JoinCountArrivals counts every arrival, so a duplicate kind counts as
	// another predecessor.
	JoinCountArrivals
)

func (p JoinPolicy) String() string {
	switch p {
	case JoinDistinctKinds:
		return "distinct-kinds"
	case JoinCountArrivals:
		return "count-arrivals"
	default:
		return "unknown"
	}
}

// JoinSpec configures a join point.
type JoinSpec struct {
	// Required is the number of predecessors to wait for.
	Required int
	Policy   JoinPolicy
}

// JoinBarrier accumulates predecessor events until its quota is met and then
// releases a combined event exactly once per generation. Arrivals after the
// release are rejected until Reset starts the next generation.
//
// Collect never blocks.
type JoinBarrier struct {
	mu sync.Mutex

	spec       JoinSpec
	received   map[Kind]Event
	order      []Kind
	last       Event
	arrivals   int
	released   bool
	generation int
}

// NewJoinBarrier creates a barrier. Required below 1 is treated as 1.
func NewJoinBarrier(spec JoinSpec) *JoinBarrier {
	if spec.Required < 1 {
		spec.Required = 1
	}
	return &JoinBarrier{
		spec:     spec,
		received: make(map[Kind]Event),
	}
}

// Collect records ev and returns the combined event when this arrival
// meets the quota. The combined event is the latest arrival with Joined
// set to one event per received kind, in first-arrival order.
func (b *JoinBarrier) Collect(ev Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return Event{}, false
	}

	b.arrivals++
	if _, seen := b.received[ev.Kind]; !seen {
		b.order = append(b.order, ev.Kind)
	}
	b.received[ev.Kind] = ev
	b.last = ev

	if b.count() < b.spec.Required {
		return Event{}, false
	}

	b.released = true
	combined := b.last
	combined.Joined = make([]Event, 0, len(b.order))
	for _, k := range b.order {
		combined.Joined = append(combined.Joined, b.received[k])
	}
	return combined, true
}

func (b *JoinBarrier) count() int {
	if b.spec.Policy == JoinCountArrivals {
		return b.arrivals
	}
	return len(b.received)
}

// Count returns the number of predecessors counted so far in this generation.
func (b *JoinBarrier) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count()
}

// Required returns the quota.
func (b *JoinBarrier) Required() int {
	return b.spec.Required
}

// Released reports whether the current generation already released.
func (b *JoinBarrier) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Generation returns how many times the barrier was reset.
func (b *JoinBarrier) Generation() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Reset clears the barrier for the next generation.
func (b *JoinBarrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = make(map[Kind]Event)
	b.order = nil
	b.last = Event{}
	b.arrivals = 0
	b.released = false
	b.generation++
}
