// Package handlers maps a ledger task's type to the function that knows
// how to execute it: the built-in LLM families (code-generation,
// text-processing, reasoning, summarize, general) call the chat-completion
// endpoint directly, while types with a known executor prefix are forwarded
// to a host's POST /execute contract (any other type has no handler),
// inverting the teacher's agent-side executor.Execute
// into the dispatcher-side caller of that same contract.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/homelab/yggdrasil/internal/llmclient"
)

// Outcome is what a handler reports back to the dispatcher for it to
// persist to the ledger.
type Outcome struct {
	Result     string
	Tokens     int
	StatusCode int
	Body       string
}

// Handler executes one task against one resolved host.
type Handler func(ctx context.Context, host config.HostConfig, task *ledger.Task) (Outcome, error)

// llmTaskTypes are dispatched to the chat-completion endpoint rather than
// the generic executor contract.
var llmTaskTypes = map[string]bool{
	"code-generation": true,
	"text-processing": true,
	"reasoning":       true,
	"summarize":       true,
	"general":         true,
}

// executorPrefixes are forwarded verbatim to a host's /execute endpoint
// (dev-, code-, git-, llm-, ollama-, ops-, power-, monitor-, network-,
// plan-).
var executorPrefixes = []string{
	"dev-", "code-", "git-", "llm-", "ollama-",
	"ops-", "power-", "monitor-", "network-", "plan-",
}

// Registry looks up the handler for a task type.
type Registry struct {
	httpClient *http.Client
}

// New builds a registry sharing httpClient across every executor call so
// callers can set per-call deadlines via context without reconstructing a
// client each time.
func New(httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Registry{httpClient: httpClient}
}

// Resolve returns the handler for task.Type, or an error if the type
// matches neither the LLM family nor a known executor prefix.
func (r *Registry) Resolve(taskType string) (Handler, error) {
	if llmTaskTypes[taskType] {
		return r.llmHandler, nil
	}
	for _, p := range executorPrefixes {
		if strings.HasPrefix(taskType, p) {
			return r.executorHandler, nil
		}
	}
	return nil, fmt.Errorf("handlers: no handler registered for task type %q", taskType)
}

func (r *Registry) llmHandler(ctx context.Context, host config.HostConfig, task *ledger.Task) (Outcome, error) {
	return r.chatHandler(ctx, host, task, "")
}

// CloudHandler returns a Handler that calls the chat-completion endpoint
// with apiKey set as a bearer token, for the cloud-fallback path
// (spec.md §4.4 step 7): same wire contract as an in-fleet LLM host, only
// the credential differs.
func (r *Registry) CloudHandler(apiKey string) Handler {
	return func(ctx context.Context, host config.HostConfig, task *ledger.Task) (Outcome, error) {
		return r.chatHandler(ctx, host, task, apiKey)
	}
}

func (r *Registry) chatHandler(ctx context.Context, host config.HostConfig, task *ledger.Task, apiKey string) (Outcome, error) {
	client := llmclient.New(host.URL, apiKey, r.httpClient)

	prompt, err := extractPrompt(task.Params)
	if err != nil {
		return Outcome{}, err
	}

	result, status, body, err := client.ChatCompletion(ctx, host.Model, prompt)
	if err != nil {
		return Outcome{StatusCode: status, Body: body}, err
	}
	if result == nil {
		return Outcome{StatusCode: status, Body: body}, fmt.Errorf("handlers: non-2xx from %s: %d", host.Name, status)
	}
	return Outcome{Result: result.Content, Tokens: result.Tokens, StatusCode: status, Body: body}, nil
}

// executeRequest mirrors the reference executor's POST /execute contract.
type executeRequest struct {
	TaskID string          `json:"task_id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// executeResponse mirrors the §6 executor contract,
// {task_id, type, status, output, duration_seconds}, plus the optional
// error text the reference executor sends on failure.
type executeResponse struct {
	TaskID          string  `json:"task_id"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	Output          string  `json:"output"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error"`
}

func (r *Registry) executorHandler(ctx context.Context, host config.HostConfig, task *ledger.Task) (Outcome, error) {
	payload := executeRequest{TaskID: task.ID, Type: task.Type, Params: task.Params}
	data, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("handlers: marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host.URL+"/execute", strings.NewReader(string(data)))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	var parsed executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Outcome{StatusCode: resp.StatusCode}, fmt.Errorf("handlers: decode execute response: %w", err)
	}

	out := Outcome{StatusCode: resp.StatusCode, Body: parsed.Output}
	if resp.StatusCode >= 300 || parsed.Status == "failed" || parsed.Status == "error" {
		return out, fmt.Errorf("handlers: task %s failed on %s: %s", task.ID, host.Name, parsed.Error)
	}
	out.Result = parsed.Output
	return out, nil
}

func extractPrompt(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("handlers: task params empty, expected a prompt field")
	}
	var p struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("handlers: invalid params: %w", err)
	}
	if p.Prompt == "" {
		return "", fmt.Errorf("handlers: params missing required \"prompt\" field")
	}
	return p.Prompt, nil
}
