// Package hostpool implements the per-host concurrency gate: one counting
// semaphore per host, acquired by the dispatcher before invoking a handler
// and released on every exit path.
package hostpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HostStatus is a point-in-time view of one host's concurrency usage.
type HostStatus struct {
	Active    int
	Available int
	TaskIDs   []string
}

// Pool holds one lazily-created semaphore per host, following the same
// lazy-limiter-map idiom as the teacher's TokenBucketLimiter, generalized
// from rate limiting to bounded counting concurrency.
type Pool struct {
	mu       sync.Mutex
	limits   map[string]int64
	sems     map[string]*semaphore.Weighted
	active   map[string]map[string]struct{} // host -> set of in-flight task IDs
	rpmLimit map[string]int
	limiters map[string]*rate.Limiter
}

// New creates a host pool. limits maps host name to its configured
// concurrency (1-16 per spec.md §4.8); a host with no explicit entry gets
// a limit of 1. No per-host admission rate limit is applied; use
// NewWithRateLimits for that.
func New(limits map[string]int) *Pool {
	return NewWithRateLimits(limits, nil)
}

// NewWithRateLimits additionally caps, per host, how many new tasks may be
// admitted per minute (0 or absent means unlimited). This is a soft
// admission throttle layered in front of the hard concurrency semaphore:
// a host can be fully saturated by its concurrency limit while still
// admitting new tasks below its configured burst rate, following the same
// lazy per-key limiter-map idiom as the semaphore map above, generalized
// from counting concurrency to a token-bucket rate.
func NewWithRateLimits(limits map[string]int, rates map[string]int) *Pool {
	p := &Pool{
		limits:   make(map[string]int64, len(limits)),
		sems:     make(map[string]*semaphore.Weighted, len(limits)),
		active:   make(map[string]map[string]struct{}, len(limits)),
		rpmLimit: make(map[string]int, len(rates)),
		limiters: make(map[string]*rate.Limiter, len(rates)),
	}
	for host, n := range limits {
		p.limits[host] = int64(n)
	}
	for host, rpm := range rates {
		p.rpmLimit[host] = rpm
	}
	return p
}

func (p *Pool) semFor(host string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()

	sem, ok := p.sems[host]
	if !ok {
		limit, ok := p.limits[host]
		if !ok {
			limit = 1
			p.limits[host] = limit
		}
		sem = semaphore.NewWeighted(limit)
		p.sems[host] = sem
		p.active[host] = make(map[string]struct{})
	}
	return sem
}

func (p *Pool) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[host]
	if !ok {
		rpm := p.rpmLimit[host]
		if rpm <= 0 {
			return nil
		}
		burst := rpm / 60
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		p.limiters[host] = lim
	}
	return lim
}

// Acquire blocks the caller until a slot is available on host and, if a
// rate limit is configured, until the host's admission budget allows it,
// or until ctx is cancelled. Acquisition is FIFO-fair: semaphore.Weighted
// queues waiters in arrival order.
func (p *Pool) Acquire(ctx context.Context, host string) error {
	if lim := p.limiterFor(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return p.semFor(host).Acquire(ctx, 1)
}

// Release returns a slot to host. Must be called exactly once per
// successful Acquire.
func (p *Pool) Release(host string) {
	p.semFor(host).Release(1)
}

// RegisterTask records that taskID now occupies a slot on host, for
// observability's Status() view. Call after a successful Acquire.
func (p *Pool) RegisterTask(host, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[host] == nil {
		p.active[host] = make(map[string]struct{})
	}
	p.active[host][taskID] = struct{}{}
}

// UnregisterTask removes the bookkeeping entry added by RegisterTask. Call
// on every task exit path, alongside Release.
func (p *Pool) UnregisterTask(host, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active[host], taskID)
}

// Status reports current usage for every known host.
func (p *Pool) Status() map[string]HostStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]HostStatus, len(p.limits))
	for host, limit := range p.limits {
		ids := make([]string, 0, len(p.active[host]))
		for id := range p.active[host] {
			ids = append(ids, id)
		}
		out[host] = HostStatus{
			Active:    len(ids),
			Available: int(limit) - len(ids),
			TaskIDs:   ids,
		}
	}
	return out
}
