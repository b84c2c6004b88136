package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/benitogf/relay"
)

func syncEndpoint(t *testing.T, respond func(req relay.SyncRequest) relay.SyncResponse) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req relay.SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(respond(req))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTransport_RankingOrder(t *testing.T) {
	transport := NewHTTPTransport(TransportConfig{
		Servers: []string{"http://a", "http://b", "http://c", "http://d"},
	})
	transport.servers["http://a"].Health = relay.Degraded
	transport.servers["http://b"].Health = relay.Healthy
	transport.servers["http://b"].MaxVersionSeen = 5
	transport.servers["http://c"].Health = relay.Healthy
	transport.servers["http://c"].MaxVersionSeen = 9
	transport.servers["http://d"].Health = relay.Unhealthy

	// healthy first ordered by version freshness, then degraded, then
	// unhealthy
	require.Equal(t, []string{"http://c", "http://b", "http://a", "http://d"}, transport.SelectServers())

	// equal versions fall back to latency
	transport.servers["http://b"].MaxVersionSeen = 9
	transport.servers["http://b"].Latency = 20 * time.Millisecond
	transport.servers["http://c"].Latency = 5 * time.Millisecond
	require.Equal(t, []string{"http://c", "http://b", "http://a", "http://d"}, transport.SelectServers())
}

func TestTransport_FailoverToNextServer(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := syncEndpoint(t, func(req relay.SyncRequest) relay.SyncResponse {
		return relay.SyncResponse{Changed: map[string]relay.ChangedNode{"posts": {Version: 2, Hash: "h"}}}
	})

	transport := NewHTTPTransport(TransportConfig{Servers: []string{bad.URL, good.URL}})
	// force the failing server to rank first
	transport.servers[bad.URL].Health = relay.Healthy

	resp, err := transport.Sync(context.Background(), relay.SyncRequest{Known: map[string]int64{"posts": 0}})
	require.NoError(t, err)
	require.Equal(t, int64(2), resp.Changed["posts"].Version)

	status, ok := transport.Status(bad.URL)
	require.True(t, ok)
	require.Equal(t, relay.Degraded, status.Health)
	require.Equal(t, 1, status.ConsecutiveFailures)

	status, ok = transport.Status(good.URL)
	require.True(t, ok)
	require.Equal(t, relay.Healthy, status.Health)
	require.Zero(t, status.ConsecutiveFailures)
}

func TestTransport_BlacklistAndRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(relay.SyncResponse{})
	}))
	t.Cleanup(server.Close)

	clock := clockwork.NewFakeClock()
	transport := NewHTTPTransport(TransportConfig{
		Servers: []string{server.URL},
		Clock:   clock,
	})

	for i := 0; i < unhealthyThreshold; i++ {
		_, err := transport.Sync(context.Background(), relay.SyncRequest{})
		require.Error(t, err)
	}
	status, _ := transport.Status(server.URL)
	require.Equal(t, relay.Unhealthy, status.Health)
	require.Equal(t, unhealthyThreshold, status.ConsecutiveFailures)
	require.True(t, status.BlacklistedUntil.After(clock.Now()))

	// blacklisted: no candidates at all
	_, err := transport.Sync(context.Background(), relay.SyncRequest{})
	require.ErrorIs(t, err, ErrNoServers)

	// the window expires and the recovered server is retried
	failing.Store(false)
	clock.Advance(DefaultBlacklist + time.Second)
	_, err = transport.Sync(context.Background(), relay.SyncRequest{})
	require.NoError(t, err)
	status, _ = transport.Status(server.URL)
	require.Equal(t, relay.Healthy, status.Health)
	require.Zero(t, status.ConsecutiveFailures)
	require.True(t, status.BlacklistedUntil.IsZero())
}

func TestTransport_CrossPollinatesPeerHealth(t *testing.T) {
	other := "http://other:8800"
	server := syncEndpoint(t, func(req relay.SyncRequest) relay.SyncResponse {
		return relay.SyncResponse{
			Mesh: relay.MeshInfo{
				Peers:         map[string]relay.Health{other: relay.Degraded},
				ServerVersion: 7,
			},
		}
	})

	transport := NewHTTPTransport(TransportConfig{Servers: []string{server.URL, other}})
	transport.servers[server.URL].Health = relay.Healthy

	_, err := transport.Sync(context.Background(), relay.SyncRequest{})
	require.NoError(t, err)

	// the responding server's mesh view updates our belief about the
	// other tracked server without ever contacting it
	status, ok := transport.Status(other)
	require.True(t, ok)
	require.Equal(t, relay.Degraded, status.Health)

	status, _ = transport.Status(server.URL)
	require.Equal(t, int64(7), status.MaxVersionSeen)
}

func TestEmbeddedTransport_PrefersRegisteredServer(t *testing.T) {
	registry := NewRegistry()
	server := relay.NewServer(relay.Config{ID: "local"})
	defer server.Close(context.Background())
	registry.Register("local", server)

	_, err := server.Update(context.Background(), relay.UpdateRequest{Key: "posts", Hash: "h1"})
	require.NoError(t, err)

	transport := NewEmbeddedTransport(registry, "local", nil)
	resp, err := transport.Sync(context.Background(), relay.SyncRequest{Known: map[string]int64{"posts": 0}})
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.Changed["posts"].Version)

	// no registered server and no fallback
	registry.Unregister("local")
	_, err = transport.Sync(context.Background(), relay.SyncRequest{})
	require.ErrorIs(t, err, ErrNoServers)
}

func TestEmbeddedTransport_FallsBack(t *testing.T) {
	fallback := &stubTransport{
		respond: func(req relay.SyncRequest) (*relay.SyncResponse, error) {
			return &relay.SyncResponse{ServerTime: 42}, nil
		},
	}
	transport := NewEmbeddedTransport(NewRegistry(), "missing", fallback)

	resp, err := transport.Sync(context.Background(), relay.SyncRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(42), resp.ServerTime)
	require.Len(t, fallback.Requests(), 1)
}

// stubTransport records requests and answers from a programmable
// responder. Shared by the engine tests.
type stubTransport struct {
	mu       sync.Mutex
	requests []relay.SyncRequest
	respond  func(req relay.SyncRequest) (*relay.SyncResponse, error)
}

func (s *stubTransport) Sync(ctx context.Context, req relay.SyncRequest) (*relay.SyncResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return &relay.SyncResponse{}, nil
	}
	return respond(req)
}

func (s *stubTransport) Requests() []relay.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.SyncRequest(nil), s.requests...)
}
