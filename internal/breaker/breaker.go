// Package breaker implements the per-host circuit breaker and the retry
// client that wraps handler invocations in exponential backoff. The state
// machine shape (closed/half_open/open, cooldown, test-count gating) is
// adapted from the teacher's queue-saturation breaker, retargeted to
// trigger on consecutive retryable-failure counts per host (spec.md §4.4,
// invariant I5) instead of queue depth.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker tracks one host's recent failure history and open/closed state.
type Breaker struct {
	mu sync.Mutex

	state State

	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int

	onChange func(State)
}

// New creates a breaker that opens after failureThreshold consecutive
// retryable failures and stays open for cooldown before sampling
// half-open traffic. testLimit caps how many half-open probes may be in
// flight at once before the first outcome is known; a single success
// among them closes the breaker (spec.md §4.4 step 3).
func New(failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		testLimit:        3,
	}
}

// Allow reports whether a request to this host should be attempted right
// now, advancing Open -> HalfOpen once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && time.Since(b.openedAt) > b.cooldown {
		b.state = HalfOpen
		b.testCount = 0
	}

	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.testCount < b.testLimit {
			b.testCount++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult feeds back the outcome of a request made because Allow
// returned true. Only retryable failures count toward opening the
// breaker (spec.md §4.4): a non-retryable failure is a caller/task
// problem, not a host-health problem. A single half-open success closes
// the breaker immediately (spec.md §4.4 step 3, I5).
func (b *Breaker) RecordResult(success bool, retryable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		if success {
			b.close()
		} else if retryable {
			b.trip()
		} else if b.testCount > 0 {
			b.testCount--
		}
		return
	}

	if success {
		b.consecutiveFailures = 0
		return
	}
	if !retryable {
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.testCount = 0
	if b.onChange != nil {
		b.onChange(Open)
	}
}

func (b *Breaker) close() {
	b.state = Closed
	b.consecutiveFailures = 0
	b.testCount = 0
	if b.onChange != nil {
		b.onChange(Closed)
	}
}

// CurrentState reports the breaker's state, for observability snapshots.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one Breaker per host, created lazily like hostpool's
// semaphore map.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	cooldown         time.Duration
	onStateChange    func(host string, state State)
}

// NewRegistry builds a breaker registry sharing one failure threshold and
// cooldown across all hosts (spec.md's breaker config is global, not
// per-host).
func NewRegistry(failureThreshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// OnStateChange registers a callback invoked whenever any host's breaker
// opens or closes. Must be called before the first For() for a given host
// to take effect on that host's breaker.
func (r *Registry) OnStateChange(f func(host string, state State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = f
}

// For returns the breaker for host, creating it on first use.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[host]
	if !ok {
		b = New(r.failureThreshold, r.cooldown)
		if r.onStateChange != nil {
			hostName := host
			b.onChange = func(s State) { r.onStateChange(hostName, s) }
		}
		r.breakers[host] = b
	}
	return b
}

// States snapshots every known host's current breaker state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for host, b := range r.breakers {
		out[host] = b.CurrentState()
	}
	return out
}
