package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent serves the handful of Consul agent endpoints the registry uses.
type fakeAgent struct {
	mu         sync.Mutex
	services   map[string]api.AgentServiceRegistration
	ttl        map[string]string
	failRegTag string
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	t.Helper()
	a := &fakeAgent{services: map[string]api.AgentServiceRegistration{}, ttl: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.failRegTag != "" && len(reg.Tags) > 0 && reg.Tags[0] == a.failRegTag {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		a.services[reg.ID] = reg
	})
	mux.HandleFunc("PUT /v1/agent/service/deregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.services, r.PathValue("id"))
	})
	mux.HandleFunc("PUT /v1/agent/check/update/{id...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Status string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		defer a.mu.Unlock()
		a.ttl[r.PathValue("id")] = body.Status
	})
	mux.HandleFunc("GET /v1/health/service/{name}", func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		a.mu.Lock()
		var entries []*api.ServiceEntry
		for _, s := range a.services {
			if s.Name != r.PathValue("name") || (tag != "" && (len(s.Tags) == 0 || s.Tags[0] != tag)) {
				continue
			}
			entries = append(entries, &api.ServiceEntry{
				Node:    &api.Node{Address: "10.0.0.9"},
				Service: &api.AgentService{ID: s.ID, Service: s.Name, Address: s.Address, Port: s.Port, Tags: s.Tags},
			})
		}
		a.mu.Unlock()
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("X-Consul-LastContact", "0")
		_ = json.NewEncoder(w).Encode(entries)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAgent) serviceIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id := range a.services {
		ids = append(ids, id)
	}
	return ids
}

func newTestRegistry(t *testing.T, srv *httptest.Server) *ConsulRegistry {
	t.Helper()
	r, err := NewConsulRegistry(&ConsulCfg{Address: strings.TrimPrefix(srv.URL, "http://"), Tags: []string{"game"}})
	require.NoError(t, err)
	return r
}

func testInstance() Instance {
	return Instance{
		ID:   "echo-1",
		Name: "echo",
		Endpoints: []Endpoint{
			{Protocol: "kcp", Addr: "127.0.0.1:7000"},
			{Protocol: "tcp", Addr: "127.0.0.1:7001"},
		},
		Meta: map[string]string{"zone": "1"},
	}
}

func TestConsulRegisterAndDiscover(t *testing.T) {
	agent, srv := newFakeAgent(t)
	r := newTestRegistry(t, srv)
	ctx := context.Background()

	assert.ErrorIs(t, r.PassTTL(ctx), ErrNotRegistered)
	require.NoError(t, r.Register(ctx, testInstance()))
	assert.ElementsMatch(t, []string{"echo-1-kcp", "echo-1-tcp"}, agent.serviceIDs())

	agent.mu.Lock()
	reg := agent.services["echo-1-kcp"]
	agent.mu.Unlock()
	assert.Equal(t, []string{"kcp", "game"}, reg.Tags)
	assert.Equal(t, 7000, reg.Port)
	assert.Equal(t, "15s", reg.Check.TTL)
	assert.Equal(t, "60s", reg.Check.DeregisterCriticalServiceAfter)
	assert.Equal(t, "1", reg.Meta["zone"])

	eps, err := r.Discover(ctx, "echo", "tcp")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Protocol: "tcp", Addr: "127.0.0.1:7001"}}, eps)
	ep, err := r.Resolve(ctx, "echo", "kcp", PickHash, "player-1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", ep.Addr)

	require.NoError(t, r.PassTTL(ctx))
	agent.mu.Lock()
	assert.Equal(t, map[string]string{"service:echo-1-kcp": api.HealthPassing, "service:echo-1-tcp": api.HealthPassing}, agent.ttl)
	agent.mu.Unlock()

	require.NoError(t, r.Deregister(ctx))
	assert.Empty(t, agent.serviceIDs())
	assert.ErrorIs(t, r.PassTTL(ctx), ErrNotRegistered)
}

func TestConsulRegisterRollsBack(t *testing.T) {
	agent, srv := newFakeAgent(t)
	agent.failRegTag = "tcp"
	r := newTestRegistry(t, srv)

	err := r.Register(context.Background(), testInstance())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echo-1-tcp")
	assert.Empty(t, agent.serviceIDs())
}

func TestConsulRegisterRejectsBadInstance(t *testing.T) {
	_, srv := newFakeAgent(t)
	r := newTestRegistry(t, srv)
	ctx := context.Background()

	assert.Error(t, r.Register(ctx, Instance{Name: "echo"}))
	assert.Error(t, r.Register(ctx, Instance{ID: "x", Name: "echo"}))
	assert.Error(t, r.Register(ctx, Instance{ID: "x", Name: "echo", Endpoints: []Endpoint{{Protocol: "tcp", Addr: "nohostport"}}}))
}

func TestConsulCfg(t *testing.T) {
	var disabled *ConsulCfg
	assert.False(t, disabled.Enabled())
	assert.NoError(t, (&ConsulCfg{}).Validate())

	_, err := NewConsulRegistry(&ConsulCfg{})
	assert.Error(t, err)
	_, err = NewConsulRegistry(&ConsulCfg{Address: "127.0.0.1:8500", CheckTTLSec: 30, DeregisterAfterSec: 10})
	assert.Error(t, err)

	r, err := NewConsulRegistry(&ConsulCfg{Address: "127.0.0.1:8500", CheckTTLSec: 30})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.HeartbeatInterval())
}
