package relay_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benitogf/relay"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// brokenStorage fails its health check while still serving reads.
type brokenStorage struct {
	*relay.MemoryStorage
}

func (s *brokenStorage) IsHealthy() bool {
	return false
}

func newTestServer(t *testing.T, config relay.Config) (*relay.Server, *httptest.Server) {
	server := relay.NewServer(config)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSync_RoundTrip(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{ID: "server-a"})

	resp := postJSON(t, httpServer.URL+"/update", relay.UpdateRequest{Key: "posts", Hash: "abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta relay.NodeMeta
	decodeBody(t, resp, &meta)
	require.Equal(t, int64(1), meta.Version)
	require.Equal(t, "abc", meta.Hash)

	resp = postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known:    map[string]int64{"posts": 0},
		ClientID: "11111111-1111-1111-1111-111111111111",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "server-a", resp.Header.Get(relay.ServerHeader))
	require.NotEmpty(t, resp.Header.Get(relay.GossipHeader))
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)
	require.Len(t, sync.Changed, 1)
	require.Equal(t, int64(1), sync.Changed["posts"].Version)
	require.Equal(t, "abc", sync.Changed["posts"].Hash)
	require.Equal(t, "server-a", sync.Changed["posts"].Source)
	require.Equal(t, int64(1), sync.Mesh.ServerVersion)

	// the client caught up, so the same sync yields no delta
	resp = postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known:    map[string]int64{"posts": sync.Changed["posts"].Version},
		ClientID: "11111111-1111-1111-1111-111111111111",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second relay.SyncResponse
	decodeBody(t, resp, &second)
	require.Empty(t, second.Changed)
}

func TestSync_UnknownKeyIsAuthoritativeZeroEntry(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{})

	resp := postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known: map[string]int64{"ghost": 5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)
	require.Len(t, sync.Changed, 1)
	require.Equal(t, int64(0), sync.Changed["ghost"].Version)
	require.Equal(t, "", sync.Changed["ghost"].Hash)
}

func TestSync_InlinePayloadUnderLimit(t *testing.T) {
	small := json.RawMessage(`{"title":"hello"}`)
	large := json.RawMessage(`{"blob":"` + string(bytes.Repeat([]byte("x"), 2048)) + `"}`)
	server, httpServer := newTestServer(t, relay.Config{
		Payload: func(ctx context.Context, key string) (json.RawMessage, error) {
			if key == "small" {
				return small, nil
			}
			return large, nil
		},
	})

	_, err := server.Update(context.Background(), relay.UpdateRequest{Key: "small", Hash: "h1"})
	require.NoError(t, err)
	_, err = server.Update(context.Background(), relay.UpdateRequest{Key: "large", Hash: "h2"})
	require.NoError(t, err)

	resp := postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known: map[string]int64{"small": 0, "large": 0},
	})
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)
	require.JSONEq(t, string(small), string(sync.Changed["small"].Payload))
	require.Nil(t, sync.Changed["large"].Payload)
}

func TestSync_MalformedBody(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{})
	resp, err := http.Post(httpServer.URL+"/sync", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync_LongPollWakesOnInvalidate(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{})
	_, err := server.Update(context.Background(), relay.UpdateRequest{Key: "posts", Hash: "abc"})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		postJSON(t, httpServer.URL+"/invalidate", relay.InvalidateRequest{Keys: []string{"posts"}})
	}()

	start := time.Now()
	resp := postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known: map[string]int64{"posts": 1},
		Wait:  5000,
	})
	elapsed := time.Since(start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)

	// woken by the invalidation, long before the requested wait
	require.Less(t, elapsed, 2*time.Second)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Equal(t, int64(2), sync.Changed["posts"].Version)
	require.Equal(t, "", sync.Changed["posts"].Hash)
}

func TestSync_LongPollTimeoutIsNoChange(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{})
	_, err := server.Update(context.Background(), relay.UpdateRequest{Key: "posts", Hash: "abc"})
	require.NoError(t, err)

	start := time.Now()
	resp := postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known: map[string]int64{"posts": 1},
		Wait:  200,
	})
	elapsed := time.Since(start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)
	require.Empty(t, sync.Changed)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestInvalidate_BumpsVersionsAndReturnsThem(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{})

	resp := postJSON(t, httpServer.URL+"/invalidate", relay.InvalidateRequest{Keys: []string{"a", "b"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inv relay.InvalidateResponse
	decodeBody(t, resp, &inv)
	require.ElementsMatch(t, []string{"a", "b"}, inv.Invalidated)
	require.Len(t, inv.Versions, 2)
	require.NotEqual(t, inv.Versions["a"], inv.Versions["b"])
}

func TestInvalidate_GlobExpandsAgainstStoredKeys(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{})
	ctx := context.Background()
	server.Update(ctx, relay.UpdateRequest{Key: "posts/1", Hash: "a"})
	server.Update(ctx, relay.UpdateRequest{Key: "posts/2", Hash: "b"})
	server.Update(ctx, relay.UpdateRequest{Key: "users/1", Hash: "c"})

	resp := postJSON(t, httpServer.URL+"/invalidate", relay.InvalidateRequest{Keys: []string{"posts/*"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inv relay.InvalidateResponse
	decodeBody(t, resp, &inv)
	require.ElementsMatch(t, []string{"posts/1", "posts/2"}, inv.Invalidated)

	// a pattern matching nothing invalidates nothing, and the pattern
	// itself never becomes a stored key
	resp = postJSON(t, httpServer.URL+"/invalidate", relay.InvalidateRequest{Keys: []string{"orders/*"}})
	decodeBody(t, resp, &inv)
	require.Empty(t, inv.Invalidated)
}

func TestInvalidate_EmptyKeysRejected(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{})
	resp := postJSON(t, httpServer.URL+"/invalidate", relay.InvalidateRequest{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersions_ListsChangesSince(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{ID: "server-a"})
	ctx := context.Background()
	server.Update(ctx, relay.UpdateRequest{Key: "a", Hash: "1"})
	server.Update(ctx, relay.UpdateRequest{Key: "b", Hash: "2"})
	server.Update(ctx, relay.UpdateRequest{Key: "c", Hash: "3"})

	resp, err := http.Get(httpServer.URL + "/versions?since=1")
	require.NoError(t, err)
	var versions relay.VersionsResponse
	decodeBody(t, resp, &versions)
	require.Equal(t, "server-a", versions.Gossip.ServerID)
	require.Equal(t, int64(3), versions.Gossip.MaxVersion)
	require.Len(t, versions.Changed, 2)
	require.Equal(t, "b", versions.Changed[0].Key)
	require.Equal(t, "c", versions.Changed[1].Key)

	resp, err = http.Get(httpServer.URL + "/versions?since=oops")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth_Reporting(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{Peers: []string{"http://peer-1:8800"}})

	resp, err := http.Get(httpServer.URL + "/health")
	require.NoError(t, err)
	var health relay.HealthResponse
	decodeBody(t, resp, &health)
	require.Equal(t, relay.Healthy, health.Status)
	require.Equal(t, 1, health.Mesh.PeerCount)

	// every configured peer unhealthy -> degraded
	server.Mesh().MarkPeerUnhealthy("http://peer-1:8800")
	resp, err = http.Get(httpServer.URL + "/health")
	require.NoError(t, err)
	decodeBody(t, resp, &health)
	require.Equal(t, relay.Degraded, health.Status)
	require.Equal(t, 0, health.Mesh.HealthyPeers)
}

func TestHealth_StorageFailureIs503(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{
		Storage: &brokenStorage{relay.NewMemoryStorage()},
	})

	resp, err := http.Get(httpServer.URL + "/health")
	require.NoError(t, err)
	var health relay.HealthResponse
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	decodeBody(t, resp, &health)
	require.Equal(t, relay.Unhealthy, health.Status)
	require.False(t, health.Storage.Healthy)
}

func TestCORS_PreflightHonorsAllowList(t *testing.T) {
	_, httpServer := newTestServer(t, relay.Config{
		AllowedOrigins: []string{"http://app.test"},
	})

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest("OPTIONS", httpServer.URL+"/sync", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	allowed := preflight("http://app.test")
	require.Equal(t, "http://app.test", allowed.Header.Get("Access-Control-Allow-Origin"))

	denied := preflight("http://evil.test")
	require.Empty(t, denied.Header.Get("Access-Control-Allow-Origin"))
}

func TestInvalidate_PropagatesToPeers(t *testing.T) {
	serverB, httpB := newTestServer(t, relay.Config{ID: "server-b"})
	serverA, httpA := newTestServer(t, relay.Config{ID: "server-a", Peers: []string{httpB.URL}})

	// make A aware of B through gossip riding on traffic
	gossip, err := json.Marshal(relay.GossipPayload{ServerID: "server-b", MaxVersion: 0, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	serverA.Mesh().ProcessGossip(gossip, httpB.URL, 0)

	resp := postJSON(t, httpA.URL+"/invalidate", relay.InvalidateRequest{Keys: []string{"posts"}})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// B's coordination view converges without any request to B
	require.Eventually(t, func() bool {
		versions, err := serverB.VersionsSince(0)
		return err == nil && len(versions.Changed) == 1 && versions.Changed[0].Key == "posts"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActivity_ReportsLastChange(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{})
	ctx := context.Background()
	server.Update(ctx, relay.UpdateRequest{Key: "posts/1", Hash: "a"})
	server.Update(ctx, relay.UpdateRequest{Key: "posts/2", Hash: "b"})

	resp, err := http.Get(httpServer.URL + "/activity/posts/1")
	require.NoError(t, err)
	var activity relay.ActivityEntry
	decodeBody(t, resp, &activity)
	require.Greater(t, activity.LastEntry, int64(0))

	// a glob key reports the latest change across its matches
	glob, err := server.LastActivity("posts/*")
	require.NoError(t, err)
	single, err := server.LastActivity("posts/2")
	require.NoError(t, err)
	require.Equal(t, single.LastEntry, glob.LastEntry)

	// unknown keys report zero instead of erroring
	unknown, err := server.LastActivity("ghost")
	require.NoError(t, err)
	require.Zero(t, unknown.LastEntry)
}

func TestCatchUp_AdoptsPeerState(t *testing.T) {
	serverB, httpB := newTestServer(t, relay.Config{ID: "server-b"})
	ctx := context.Background()
	serverB.Update(ctx, relay.UpdateRequest{Key: "posts", Hash: "h1"})
	serverB.Update(ctx, relay.UpdateRequest{Key: "users", Hash: "h2"})

	serverA, _ := newTestServer(t, relay.Config{ID: "server-a", Peers: []string{httpB.URL}})
	gossip, err := json.Marshal(relay.GossipPayload{
		ServerID:   "server-b",
		MaxVersion: 2,
		Timestamp:  time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	serverA.Mesh().ProcessGossip(gossip, httpB.URL, 0)

	adopted, err := serverA.CatchUp(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, adopted)

	versions, err := serverA.VersionsSince(0)
	require.NoError(t, err)
	require.Len(t, versions.Changed, 2)
	require.Equal(t, int64(2), versions.Gossip.MaxVersion)

	// a second pass has nothing newer to adopt
	adopted, err = serverA.CatchUp(ctx)
	require.NoError(t, err)
	require.Zero(t, adopted)
}

func TestUpdate_WakesLongPoll(t *testing.T) {
	server, httpServer := newTestServer(t, relay.Config{})
	_, err := server.Update(context.Background(), relay.UpdateRequest{Key: "posts", Hash: "old"})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		postJSON(t, httpServer.URL+"/update", relay.UpdateRequest{Key: "posts", Hash: "new"})
	}()

	resp := postJSON(t, httpServer.URL+"/sync", relay.SyncRequest{
		Known: map[string]int64{"posts": 1},
		Wait:  5000,
	})
	var sync relay.SyncResponse
	decodeBody(t, resp, &sync)
	require.Equal(t, "new", sync.Changed["posts"].Hash)
}
