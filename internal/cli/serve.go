package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/homelab/yggdrasil/internal/breaker"
	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/dispatcher"
	"github.com/homelab/yggdrasil/internal/handlers"
	"github.com/homelab/yggdrasil/internal/hostpool"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/homelab/yggdrasil/internal/observability"
	"github.com/homelab/yggdrasil/internal/router"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher in the foreground",
	Long: `Loads configuration, opens the ledger, and runs the poll/dispatch
loop until SIGTERM or SIGINT, per spec.md §4.6.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	cfg := mustLoadConfig()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		exitWithError(3, "failed to create data_dir", err)
	}

	store, err := ledger.OpenDefault(cfg.DataDir)
	if err != nil {
		exitWithError(3, "failed to open ledger", err)
	}
	defer store.Close()

	sink, errTracker, streamHub := buildObservability(cfg)

	rt := router.New(cfg.Hosts, 15*time.Second)
	rt.OnHealthChange(func(host string, healthy bool) {
		state := observability.EventHostHealthy
		if !healthy {
			state = observability.EventHostUnhealthy
		}
		sink.Emit(state, "", host, "", nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Probe(ctx)
	go rt.Start(ctx)

	rates := make(map[string]int, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		rates[h.Name] = h.RateLimitPerMinute
	}
	pool := hostpool.NewWithRateLimits(cfg.Concurrency, rates)
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, time.Duration(cfg.Breaker.CooldownMinutes)*time.Minute)
	breakers.OnStateChange(func(host string, state breaker.State) {
		ev := observability.EventBreakerClosed
		if state == breaker.Open {
			ev = observability.EventBreakerOpened
		}
		sink.Emit(ev, "", host, "", nil)
	})
	registry := handlers.New(&http.Client{})

	d := dispatcher.New(cfg, store, rt, pool, breakers, registry, sink, errTracker)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := observability.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.Status())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if streamHub != nil {
		mux.Handle("/ws", streamHub)
		go streamHub.Run(ctx)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() {
		log.Printf("dispatcher: observability server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("dispatcher: observability server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChan
		log.Println("dispatcher: shutdown signal received")
		cancel()
	}()

	d.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher: observability server shutdown error: %v", err)
	}
}

// buildObservability wires the JSONL event sink plus any optional fanout
// configured: a Redis pub/sub channel for read-only observers, and/or a
// websocket hub for a live dashboard (spec.md §1, §9).
func buildObservability(cfg *config.Config) (*observability.Sink, *observability.ErrorTracker, *observability.StreamHub) {
	logDir := cfg.Observability.LogDir
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		exitWithError(3, "failed to create observability.log_dir", err)
	}

	f, err := os.OpenFile(logDir+"/events.jsonl", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		exitWithError(3, "failed to open event log", err)
	}

	sink := observability.NewSink(f)

	errTracker, err := observability.NewErrorTracker(logDir)
	if err != nil {
		exitWithError(3, "failed to create error tracker", err)
	}

	var streamHub *observability.StreamHub
	if cfg.Observability.Enabled {
		streamHub = observability.NewStreamHub()
		sink.OnPublish(streamHub.Publish)
	}

	if cfg.Redis.Enabled {
		fanout := observability.NewRedisFanout(cfg.Redis.Addr, cfg.Redis.Channel)
		if streamHub != nil {
			hub := streamHub
			sink.OnPublish(func(ev observability.Event) {
				hub.Publish(ev)
				fanout.Publish(ev)
			})
		} else {
			sink.OnPublish(fanout.Publish)
		}
	}

	return sink, errTracker, streamHub
}
