// Command executor is a reference implementation of the host-side
// POST /execute contract (spec.md §6), used to exercise the dispatcher in
// integration tests without a real Ollama/executor host. Grounded on the
// teacher's agent.Executor/agent.Server pair, adapted from their
// accept-then-async-callback shape to a single synchronous request/response
// matching what internal/handlers.executorHandler expects.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Executor runs one task's command and reports the outcome.
type Executor struct {
	nodeID string
}

func NewExecutor(nodeID string) *Executor {
	return &Executor{nodeID: nodeID}
}

type taskParams struct {
	Command string `json:"command"`
}

// Execute runs the task's command under ctx's deadline and returns combined
// stdout/exit status. Phase scope targets Unix-like systems; Windows support
// would need different shell handling.
func (e *Executor) Execute(ctx context.Context, taskID string, params json.RawMessage) (string, error) {
	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
		return "", fmt.Errorf("executor: task %s missing required \"command\" param", taskID)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	exitCode := 1
	if exitErr, ok := err.(*exec.ExitError); ok {
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			exitCode = waitStatus.ExitStatus()
		}
	}
	return "", fmt.Errorf("executor: task %s exited %d: %s", taskID, exitCode, stderr.String())
}

// Server exposes the reference executor contract over HTTP.
type Server struct {
	nodeID   string
	executor *Executor

	mu   sync.Mutex
	busy bool
}

func NewServer(nodeID string, executor *Executor) *Server {
	return &Server{nodeID: nodeID, executor: executor}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/execute", s.handleExecute)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"node_id": s.nodeID,
		"busy":    busy,
	})
}

type executeRequest struct {
	TaskID string          `json:"task_id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// executeResponse carries the §6 executor contract fields,
// {task_id, type, status, output, duration_seconds}, plus an error field
// that is set only on failure.
type executeResponse struct {
	TaskID          string  `json:"task_id"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	Output          string  `json:"output"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// handleExecute runs the task synchronously and reports the terminal
// outcome in one response, matching internal/handlers.executorHandler's
// expectation of a single round trip (unlike the teacher's accept-then-
// POST-the-result-back flow, which assumes a control plane with a separate
// result-ingestion endpoint).
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "agent busy", http.StatusConflict)
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	start := time.Now()
	result, err := s.executor.Execute(r.Context(), req.TaskID, req.Params)
	elapsed := time.Since(start).Seconds()

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		log.Printf("executor: task %s failed: %v", req.TaskID, err)
		json.NewEncoder(w).Encode(executeResponse{
			TaskID: req.TaskID, Type: req.Type, Status: "failed",
			Error: err.Error(), DurationSeconds: elapsed,
		})
		return
	}
	json.NewEncoder(w).Encode(executeResponse{
		TaskID: req.TaskID, Type: req.Type, Status: "completed",
		Output: result, DurationSeconds: elapsed,
	})
}

func main() {
	port := flag.Int("port", 8090, "HTTP listen port")
	nodeID := flag.String("node-id", "executor-ref", "node identifier reported by /status")
	flag.Parse()

	srv := NewServer(*nodeID, NewExecutor(*nodeID))
	addr := fmt.Sprintf(":%d", *port)

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // commands may run long
	}

	log.Printf("executor: reference host %q listening on %s", *nodeID, addr)
	log.Fatal(httpSrv.ListenAndServe())
}
