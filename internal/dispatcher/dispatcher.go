// Package dispatcher runs the main poll/drain loop: periodically pull the
// ready queue from the ledger, resolve a host for each task through the
// router, gate admission through the host pool and circuit breaker, invoke
// the matched handler with retry, and persist the outcome. Loop shape is
// grounded on the teacher's Scheduler.worker()/processNextTask(); the
// ticker-driven structure is kept, generalized from an in-memory priority
// queue to the ledger's ReadyTasks() snapshot, and every ready task not
// already in flight is dispatched on each tick.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/homelab/yggdrasil/internal/breaker"
	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/handlers"
	"github.com/homelab/yggdrasil/internal/hostpool"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/homelab/yggdrasil/internal/observability"
	"github.com/homelab/yggdrasil/internal/router"
)

// errAllHostsUnavailable is the terminal failure the spec names when every
// in-fleet candidate is exhausted and cloud fallback is unavailable or
// fails (spec.md §4.4 step 1, §8 R-series error escalation).
var errAllHostsUnavailable = errors.New("all_hosts_unavailable")

// Dispatcher wires every component together and drives task execution.
type Dispatcher struct {
	cfg      *config.Config
	store    *ledger.Store
	router   *router.Router
	pool     *hostpool.Pool
	breakers *breaker.Registry
	registry *handlers.Registry
	sink     *observability.Sink
	errors   *observability.ErrorTracker

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// New assembles a Dispatcher from its already-constructed dependencies.
func New(
	cfg *config.Config,
	store *ledger.Store,
	rt *router.Router,
	pool *hostpool.Pool,
	breakers *breaker.Registry,
	registry *handlers.Registry,
	sink *observability.Sink,
	errors *observability.ErrorTracker,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		router:   rt,
		pool:     pool,
		breakers: breakers,
		registry: registry,
		sink:     sink,
		errors:   errors,
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the poll loop until ctx is cancelled, then waits up to
// cfg.ShutdownTimeoutSeconds for in-flight tasks to finish, marking any
// survivors "blocked" (spec.md §4.6, graceful shutdown). Blocked tasks are
// not in the ready queue, so they are not picked up again until an
// operator moves them back to open.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(d.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	log.Println("dispatcher: starting poll loop")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.sink.Emit(observability.EventShutdownBegin, "", "", "", nil)
	log.Println("dispatcher: shutdown signal received, draining in-flight tasks")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := time.Duration(d.cfg.ShutdownTimeoutSeconds) * time.Second
	select {
	case <-done:
		log.Println("dispatcher: all in-flight tasks drained")
	case <-time.After(grace):
		d.markStrandedTasksBlocked()
	}

	d.sink.Emit(observability.EventShutdownEnd, "", "", "", nil)
}

func (d *Dispatcher) markStrandedTasksBlocked() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inFlight))
	for id := range d.inFlight {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	log.Printf("dispatcher: shutdown grace period elapsed with %d tasks still running, marking blocked", len(ids))
	msg := "shutdown grace period elapsed before task completed"
	for _, id := range ids {
		if err := d.store.Update(id, ledger.StatusBlocked, ledger.StatusUpdate{Message: msg}); err != nil {
			log.Printf("dispatcher: failed to mark stranded task %s blocked: %v", id, err)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	ready, err := d.store.ReadyTasks()
	if err != nil {
		log.Printf("dispatcher: failed to read ready queue: %v", err)
		return
	}
	observability.ReadyQueueDepth.Set(float64(len(ready)))

	for _, task := range ready {
		if d.isInFlight(task.ID) {
			continue
		}

		candidates, err := d.router.Candidates(task)
		if err != nil {
			continue // no healthy/capable host yet; retried next tick
		}

		d.markInFlight(task.ID)
		d.wg.Add(1)
		go func(t *ledger.Task, cands []config.HostConfig) {
			defer d.wg.Done()
			defer d.clearInFlight(t.ID)
			d.process(ctx, t, cands)
		}(task, candidates)
	}
}

func (d *Dispatcher) isInFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[id]
	return ok
}

func (d *Dispatcher) markInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[id] = struct{}{}
}

func (d *Dispatcher) clearInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// errRetriesExhaustedOnAllHosts is the cause handed to fallbackOrFail when
// every candidate host was tried and each one's retries ran out (distinct
// from errAllHostsUnavailable, where no candidate ever accepted traffic).
var errRetriesExhaustedOnAllHosts = errors.New("retries_exhausted_on_all_candidate_hosts")

// process runs one task-processing unit per spec.md §4.6.1: walk the
// candidate list in order, skipping any host whose breaker currently
// denies traffic; the first host that accepts runs its full retry
// sequence. If that host's retries are exhausted, processing falls
// through to the next candidate host rather than straight to cloud
// fallback (spec.md §4.4 step 5). Only once every candidate has been
// tried (or none ever allowed traffic) does cloud fallback or terminal
// failure apply (steps 1 and 7).
func (d *Dispatcher) process(ctx context.Context, task *ledger.Task, candidates []config.HostConfig) {
	attempt := task.AttemptCount + 1
	if err := d.store.Update(task.ID, ledger.StatusInProgress, ledger.StatusUpdate{Attempt: &attempt}); err != nil {
		log.Printf("dispatcher: failed to mark task %s in_progress: %v", task.ID, err)
		return
	}

	handler, err := d.registry.Resolve(task.Type)
	if err != nil {
		d.fail(task, "", attempt, "", err)
		return
	}

	anyTried := false
	var lastErr error
	var lastOutput string
	var lastHost string
	for _, host := range candidates {
		cb := d.breakers.For(host.Name)
		if !cb.Allow() {
			continue
		}
		anyTried = true

		outcome, triesMade, duration, doErr := d.runOnHost(ctx, task, host, cb, handler)
		attempt += triesMade - 1
		observability.ObserveTaskDuration(host.Name, float64(duration.Milliseconds()))

		if doErr == nil {
			d.close(task, host.Name, attempt, outcome, duration)
			return
		}

		if triesMade >= d.cfg.Retry.MaxAttempts {
			d.sink.Emit(observability.EventTaskFailedMaxRetries, task.ID, host.Name, doErr.Error(), nil)
		}
		lastErr = doErr
		lastOutput = outcome.Body
		lastHost = host.Name
		attempt++
	}

	if !anyTried {
		d.fallbackOrFail(ctx, task, attempt, "", "", errAllHostsUnavailable)
		return
	}
	if lastErr == nil {
		lastErr = errRetriesExhaustedOnAllHosts
	}
	d.fallbackOrFail(ctx, task, attempt, lastHost, lastOutput, lastErr)
}

// runOnHost acquires a pool slot for host and runs task's full retry
// sequence against it under the breaker: breaker.Do applies the
// exponential-backoff schedule (I4) between tries, and every try's
// outcome is fed back into the breaker so a streak of retryable failures
// can still trip it mid-sequence (I5).
func (d *Dispatcher) runOnHost(ctx context.Context, task *ledger.Task, host config.HostConfig, cb *breaker.Breaker, handler handlers.Handler) (handlers.Outcome, int, time.Duration, error) {
	d.sink.Emit(observability.EventTaskStarted, task.ID, host.Name, "", nil)
	observability.InFlightTasks.WithLabelValues(host.Name).Inc()
	defer observability.InFlightTasks.WithLabelValues(host.Name).Dec()

	if err := d.pool.Acquire(ctx, host.Name); err != nil {
		return handlers.Outcome{}, 0, 0, err
	}
	d.pool.RegisterTask(host.Name, task.ID)
	defer func() {
		d.pool.UnregisterTask(host.Name, task.ID)
		d.pool.Release(host.Name)
	}()

	timeout := time.Duration(host.TimeoutSeconds) * time.Second
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var lastOutcome handlers.Outcome
	var triesMade int
	_, _, doErr := breaker.Do(hctx, d.cfg.Retry, func(ctx context.Context) (int, string, error) {
		triesMade++
		out, herr := handler(ctx, host, task)
		lastOutcome = out
		success := herr == nil
		cb.RecordResult(success, !success && breaker.Classify(out.StatusCode, out.Body, herr))
		return out.StatusCode, out.Body, herr
	}, func(a breaker.Attempt) {
		observability.TaskRetries.WithLabelValues(task.Type).Inc()
		d.sink.Emit(observability.EventTaskRetryScheduled, task.ID, host.Name, a.Err.Error(), map[string]interface{}{"attempt": a.N, "delay_ms": a.Delay.Milliseconds()})
	})

	return lastOutcome, triesMade, time.Since(start), doErr
}

// fallbackOrFail tries the configured cloud endpoint for cloud-eligible
// task types once every in-fleet option is exhausted (spec.md §4.4 step 7:
// "no retry against the cloud"), falling through to a terminal failure
// when cloud fallback isn't configured, isn't eligible, or itself fails.
func (d *Dispatcher) fallbackOrFail(ctx context.Context, task *ledger.Task, attempt int, lastHost, lastOutput string, cause error) {
	if !d.cfg.Cloud.Enabled || !d.cfg.IsCloudEligible(task.Type) {
		d.fail(task, lastHost, attempt, lastOutput, cause)
		return
	}

	apiKey := os.Getenv(d.cfg.Cloud.CredentialEnv)
	cloudHost := config.HostConfig{Name: "cloud", URL: d.cfg.Cloud.Endpoint, TimeoutSeconds: 60}
	handler := d.registry.CloudHandler(apiKey)

	hctx, cancel := context.WithTimeout(ctx, time.Duration(cloudHost.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	out, err := handler(hctx, cloudHost, task)
	duration := time.Since(start)
	observability.ObserveTaskDuration(cloudHost.Name, float64(duration.Milliseconds()))

	if err != nil {
		d.fail(task, cloudHost.Name, attempt+1, out.Body, err)
		return
	}
	d.close(task, cloudHost.Name, attempt+1, out, duration)
}

func (d *Dispatcher) close(task *ledger.Task, hostName string, attempt int, outcome handlers.Outcome, duration time.Duration) {
	if outcome.Tokens > 0 {
		observability.TokensTotal.WithLabelValues(hostName, task.Type).Add(float64(outcome.Tokens))
	}
	result := outcome.Result
	if uerr := d.store.Update(task.ID, ledger.StatusClosed, ledger.StatusUpdate{Result: &result, Attempt: &attempt}); uerr != nil {
		log.Printf("dispatcher: failed to close task %s: %v", task.ID, uerr)
		return
	}
	observability.TasksTotal.WithLabelValues(hostName, string(ledger.StatusClosed)).Inc()
	d.sink.Emit(observability.EventTaskCompleted, task.ID, hostName, "", map[string]interface{}{"duration_ms": duration.Milliseconds()})
}

func (d *Dispatcher) fail(task *ledger.Task, hostName string, attempt int, output string, cause error) {
	msg := d.errors.Capture(task.ID, task.Type, hostName, attempt, output, cause)
	if uerr := d.store.Update(task.ID, ledger.StatusBlocked, ledger.StatusUpdate{Error: &msg, Attempt: &attempt}); uerr != nil {
		log.Printf("dispatcher: failed to mark task %s blocked: %v", task.ID, uerr)
	}
	observability.TasksTotal.WithLabelValues(hostName, string(ledger.StatusBlocked)).Inc()
	d.sink.Emit(observability.EventTaskFailed, task.ID, hostName, cause.Error(), map[string]interface{}{"attempt": attempt})
}

// Snapshot composes a cross-component status view for the /status
// endpoint: router health, breaker states, host pool usage.
type Snapshot struct {
	Hosts    map[string]bool                `json:"hosts"`
	Breakers map[string]string              `json:"breakers"`
	Pool     map[string]hostpool.HostStatus `json:"pool"`
}

// Status snapshots the dispatcher's live component state.
func (d *Dispatcher) Status() Snapshot {
	breakerStates := d.breakers.States()
	out := make(map[string]string, len(breakerStates))
	for host, st := range breakerStates {
		out[host] = st.String()
	}
	return Snapshot{
		Hosts:    d.router.Healthy(),
		Breakers: out,
		Pool:     d.pool.Status(),
	}
}
