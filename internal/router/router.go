// Package router resolves a ledger task to the host that should execute it:
// by explicit label override first, then by capability match among healthy
// hosts, breaking ties by configured priority. It also runs the periodic
// health-probing loop that keeps that view current.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/ledger"
)

// ErrNoHealthyHost is returned when no configured host can serve a task.
var ErrNoHealthyHost = fmt.Errorf("router: no healthy host for task type")

// hostState tracks one host's liveness as observed by the probe loop.
type hostState struct {
	cfg     config.HostConfig
	healthy bool
	lastErr error
	checked time.Time
}

// Router holds the resolved host set and their live health state.
type Router struct {
	mu     sync.RWMutex
	hosts  map[string]*hostState
	client *http.Client

	interval  time.Duration
	onChange  func(host string, healthy bool)
}

// New builds a Router over the configured hosts. All hosts start marked
// unhealthy until the first probe succeeds, the same conservative default
// the teacher's AgentMonitor effectively assumes for anything it hasn't
// heard a heartbeat from yet.
func New(hosts []config.HostConfig, probeInterval time.Duration) *Router {
	r := &Router{
		hosts:    make(map[string]*hostState, len(hosts)),
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: probeInterval,
	}
	for _, h := range hosts {
		r.hosts[h.Name] = &hostState{cfg: h}
	}
	return r
}

// OnHealthChange installs a callback invoked whenever a host transitions
// between healthy and unhealthy. Used by the serve command to emit the
// host_healthy/host_unhealthy events; it does not touch breaker state.
func (r *Router) OnHealthChange(f func(host string, healthy bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = f
}

// Start launches the background probe loop. It returns immediately; the
// loop stops when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Probe runs one immediate health-check pass over every configured host,
// without waiting for the next ticker tick. Useful to force a fresh view
// right after startup or in tests.
func (r *Router) Probe(ctx context.Context) {
	r.probeAll(ctx)
}

func (r *Router) loop(ctx context.Context) {
	r.probeAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.probeOne(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (r *Router) probeOne(ctx context.Context, name string) {
	r.mu.RLock()
	st, ok := r.hosts[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	healthy, err := r.checkHealth(ctx, st.cfg)

	r.mu.Lock()
	prev := st.healthy
	st.healthy = healthy
	st.lastErr = err
	st.checked = time.Now()
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil && prev != healthy {
		cb(name, healthy)
	}
}

func (r *Router) checkHealth(ctx context.Context, h config.HostConfig) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// MarkUnhealthy force-marks a host unhealthy outside the probe cadence, so
// Candidates stops offering it until the next successful probe. It does not
// fire the OnHealthChange callback. Nothing in this repository calls it;
// breaker trips do not mark hosts unhealthy.
func (r *Router) MarkUnhealthy(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.hosts[host]; ok {
		st.healthy = false
	}
}

// candidate pairs a host config with the state needed to sort it.
type candidate struct {
	cfg config.HostConfig
}

// Resolve picks the single best host for task t: the first entry Candidates
// would return.
func (r *Router) Resolve(t *ledger.Task) (config.HostConfig, error) {
	cands, err := r.Candidates(t)
	if err != nil {
		return config.HostConfig{}, err
	}
	return cands[0], nil
}

// Candidates lists every host eligible to run task t, in the order the
// dispatcher should try them: a label exactly matching a configured host's
// name forces that single host regardless of health/capability (operator
// override per spec.md §4.3); otherwise it's every healthy host
// advertising the capability requiredCapability maps t.Type to (or "*"),
// sorted by ascending priority number then name. The dispatcher walks this list past any host whose breaker is
// currently open (spec.md §4.4 step 1) before falling back to cloud.
func (r *Router) Candidates(t *ledger.Task) ([]config.HostConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if forced, ok := r.forcedHost(t); ok {
		return []config.HostConfig{r.hosts[forced].cfg}, nil
	}

	var candidates []candidate
	for _, st := range r.hosts {
		if !st.healthy {
			continue
		}
		if hasCapability(st.cfg, t.Type) {
			candidates = append(candidates, candidate{cfg: st.cfg})
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyHost
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cfg.Priority != candidates[j].cfg.Priority {
			return candidates[i].cfg.Priority < candidates[j].cfg.Priority
		}
		return candidates[i].cfg.Name < candidates[j].cfg.Name
	})

	out := make([]config.HostConfig, len(candidates))
	for i, c := range candidates {
		out[i] = c.cfg
	}
	return out, nil
}

// taskTypeCapability maps an exact task type to the capability a host must
// advertise to run it (spec.md §3: HostDescriptor.capabilities is a subset
// of {code, text, reasoning, general, ops, dev}, not raw task-type strings).
var taskTypeCapability = map[string]string{
	"code-generation": "code",
	"text-processing": "text",
	"reasoning":       "reasoning",
	"summarize":       "text",
	"general":         "general",
}

// taskTypePrefixCapability maps an executor-dispatch task-type prefix to
// its required capability.
var taskTypePrefixCapability = []struct{ prefix, capability string }{
	{"dev-", "dev"},
	{"code-", "code"},
	{"git-", "dev"},
	{"llm-", "general"},
	{"ollama-", "general"},
	{"ops-", "ops"},
	{"power-", "ops"},
	{"monitor-", "ops"},
	{"network-", "ops"},
	{"plan-", "reasoning"},
}

// requiredCapability resolves a task type to the capability a host needs.
// Unknown types fall back to "general" (spec.md §4.3).
func requiredCapability(taskType string) string {
	if c, ok := taskTypeCapability[taskType]; ok {
		return c
	}
	for _, pc := range taskTypePrefixCapability {
		if strings.HasPrefix(taskType, pc.prefix) {
			return pc.capability
		}
	}
	return "general"
}

func hasCapability(h config.HostConfig, taskType string) bool {
	want := requiredCapability(taskType)
	for _, c := range h.Capabilities {
		if c == want || c == "*" {
			return true
		}
	}
	return false
}

// forcedHost reports whether t carries a label that exactly matches a
// configured host's name (spec.md §4.3): such a label forces dispatch to
// that host regardless of health or capability. Caller must hold r.mu.
func (r *Router) forcedHost(t *ledger.Task) (string, bool) {
	for label := range t.Labels {
		if _, known := r.hosts[label]; known {
			return label, true
		}
	}
	return "", false
}

// Healthy reports the current health of every configured host, keyed by
// name, for the /status endpoint and observability snapshotting.
func (r *Router) Healthy() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.hosts))
	for name, st := range r.hosts {
		out[name] = st.healthy
	}
	return out
}
