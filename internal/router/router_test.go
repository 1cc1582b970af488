package router

import (
	"net/http"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func unhealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveByCapabilityAndPriority(t *testing.T) {
	fast := healthyServer(t)
	slow := healthyServer(t)

	r := New([]config.HostConfig{
		{Name: "fast", URL: fast.URL, Capabilities: []string{"text"}, Priority: 1},
		{Name: "slow", URL: slow.URL, Capabilities: []string{"text"}, Priority: 2},
	}, time.Hour)
	r.Probe(context.Background())

	host, err := r.Resolve(&ledger.Task{Type: "text-processing"})
	require.NoError(t, err)
	assert.Equal(t, "fast", host.Name)
}

func TestResolveSkipsUnhealthyHost(t *testing.T) {
	down := unhealthyServer(t)
	up := healthyServer(t)

	r := New([]config.HostConfig{
		{Name: "down", URL: down.URL, Capabilities: []string{"general"}, Priority: 0},
		{Name: "up", URL: up.URL, Capabilities: []string{"general"}, Priority: 1},
	}, time.Hour)
	r.Probe(context.Background())

	host, err := r.Resolve(&ledger.Task{Type: "general"})
	require.NoError(t, err)
	assert.Equal(t, "up", host.Name)
}

func TestResolveNoHealthyHost(t *testing.T) {
	down := unhealthyServer(t)
	r := New([]config.HostConfig{
		{Name: "down", URL: down.URL, Capabilities: []string{"general"}},
	}, time.Hour)
	r.Probe(context.Background())

	_, err := r.Resolve(&ledger.Task{Type: "general"})
	assert.ErrorIs(t, err, ErrNoHealthyHost)
}

func TestResolveLabelForcesHost(t *testing.T) {
	down := unhealthyServer(t)
	up := healthyServer(t)

	r := New([]config.HostConfig{
		{Name: "down", URL: down.URL, Capabilities: []string{"general"}},
		{Name: "up", URL: up.URL, Capabilities: []string{"general"}},
	}, time.Hour)
	r.Probe(context.Background())

	task := &ledger.Task{Type: "general", Labels: map[string]bool{"down": true}}
	host, err := r.Resolve(task)
	require.NoError(t, err)
	assert.Equal(t, "down", host.Name)
}

// TestResolveUnmatchedLabelDoesNotForce covers the negative case: a label
// that happens not to equal any configured host name is just an ordinary
// label and falls through to normal capability-based routing.
func TestResolveUnmatchedLabelDoesNotForce(t *testing.T) {
	up := healthyServer(t)

	r := New([]config.HostConfig{
		{Name: "up", URL: up.URL, Capabilities: []string{"general"}},
	}, time.Hour)
	r.Probe(context.Background())

	task := &ledger.Task{Type: "general", Labels: map[string]bool{"nightly-batch": true}}
	host, err := r.Resolve(task)
	require.NoError(t, err)
	assert.Equal(t, "up", host.Name)
}

func TestResolveMapsPrefixedTaskTypeToCapability(t *testing.T) {
	devHost := healthyServer(t)
	opsHost := healthyServer(t)

	r := New([]config.HostConfig{
		{Name: "dev-host", URL: devHost.URL, Capabilities: []string{"dev"}},
		{Name: "ops-host", URL: opsHost.URL, Capabilities: []string{"ops"}},
	}, time.Hour)
	r.Probe(context.Background())

	host, err := r.Resolve(&ledger.Task{Type: "git-rebase"})
	require.NoError(t, err)
	assert.Equal(t, "dev-host", host.Name)

	host, err = r.Resolve(&ledger.Task{Type: "power-cycle"})
	require.NoError(t, err)
	assert.Equal(t, "ops-host", host.Name)
}

func TestResolveUnknownTaskTypeFallsBackToGeneral(t *testing.T) {
	generalHost := healthyServer(t)
	r := New([]config.HostConfig{
		{Name: "general-host", URL: generalHost.URL, Capabilities: []string{"general"}},
	}, time.Hour)
	r.Probe(context.Background())

	host, err := r.Resolve(&ledger.Task{Type: "some-unmapped-type"})
	require.NoError(t, err)
	assert.Equal(t, "general-host", host.Name)
}

func TestOnHealthChangeFiresOnTransition(t *testing.T) {
	up := healthyServer(t)
	r := New([]config.HostConfig{{Name: "h", URL: up.URL, Capabilities: []string{"general"}}}, time.Hour)

	var events []bool
	r.OnHealthChange(func(host string, healthy bool) {
		events = append(events, healthy)
	})
	r.Probe(context.Background())
	require.Len(t, events, 1)
	assert.True(t, events[0])

	// Re-probing with no change fires nothing further.
	r.Probe(context.Background())
	assert.Len(t, events, 1)
}
