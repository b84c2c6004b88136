package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/benitogf/relay"
)

// ErrNoServers is returned when every configured server is
// blacklisted or has failed for the current attempt.
var ErrNoServers = errors.New("no servers available")

const (
	// DefaultBlacklist is how long a server stays excluded after
	// reaching the consecutive-failure threshold.
	DefaultBlacklist = 30 * time.Second

	unhealthyThreshold = 3
)

// Transport performs one sync round against some server.
type Transport interface {
	Sync(ctx context.Context, req relay.SyncRequest) (*relay.SyncResponse, error)
}

// ServerStatus is the client's view of one configured server. Entries
// are never evicted; a blacklisted server is retried once its window
// expires.
type ServerStatus struct {
	URL                 string
	Health              relay.Health
	ConsecutiveFailures int
	BlacklistedUntil    time.Time
	Latency             time.Duration
	MaxVersionSeen      int64
}

// TransportConfig configures an HTTPTransport.
type TransportConfig struct {
	Servers      []string
	Client       *http.Client
	Clock        clockwork.Clock
	Logger       *zap.Logger
	BlacklistFor time.Duration
}

// HTTPTransport ranks the configured servers by health, version
// freshness and latency, and fails over between them.
type HTTPTransport struct {
	mu           sync.Mutex
	servers      map[string]*ServerStatus
	client       *http.Client
	clock        clockwork.Clock
	logger       *zap.Logger
	blacklistFor time.Duration
}

// NewHTTPTransport creates a transport over the given server URLs.
func NewHTTPTransport(config TransportConfig) *HTTPTransport {
	if config.Client == nil {
		config.Client = &http.Client{Timeout: relay.DefaultWaitCap + 5*time.Second}
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.BlacklistFor == 0 {
		config.BlacklistFor = DefaultBlacklist
	}
	t := &HTTPTransport{
		servers:      make(map[string]*ServerStatus),
		client:       config.Client,
		clock:        config.Clock,
		logger:       config.Logger,
		blacklistFor: config.BlacklistFor,
	}
	for _, url := range config.Servers {
		t.servers[url] = &ServerStatus{URL: url, Health: relay.Unknown}
	}
	return t
}

// SelectServers returns the non-blacklisted servers ranked by health,
// then descending maxVersionSeen, then ascending latency, then URL as
// a stable tiebreak.
func (t *HTTPTransport) SelectServers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	candidates := make([]*ServerStatus, 0, len(t.servers))
	for _, status := range t.servers {
		if status.BlacklistedUntil.After(now) {
			continue
		}
		candidates = append(candidates, status)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Health.Rank() != b.Health.Rank() {
			return a.Health.Rank() < b.Health.Rank()
		}
		if a.MaxVersionSeen != b.MaxVersionSeen {
			return a.MaxVersionSeen > b.MaxVersionSeen
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		return a.URL < b.URL
	})
	urls := make([]string, len(candidates))
	for i, status := range candidates {
		urls[i] = status.URL
	}
	return urls
}

// Sync tries the ranked servers in order; the first success wins.
// Exhausting every server raises the last error.
func (t *HTTPTransport) Sync(ctx context.Context, req relay.SyncRequest) (*relay.SyncResponse, error) {
	ranked := t.SelectServers()
	if len(ranked) == 0 {
		return nil, ErrNoServers
	}
	var lastErr error
	for _, url := range ranked {
		resp, latency, err := t.doSync(ctx, url, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Debug("sync attempt failed", zap.String("server", url), zap.Error(err))
			t.recordFailure(url)
			lastErr = err
			continue
		}
		t.recordSuccess(url, latency, resp)
		return resp, nil
	}
	return nil, lastErr
}

func (t *HTTPTransport) doSync(ctx context.Context, url string, req relay.SyncRequest) (*relay.SyncResponse, time.Duration, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url+relay.RoutePrefix+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := t.clock.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, errors.New("sync failed with status " + resp.Status)
	}
	var decoded relay.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, 0, err
	}
	return &decoded, t.clock.Since(start), nil
}

// recordSuccess resets the failure state and cross-pollinates health
// beliefs for the other tracked servers from the responding server's
// mesh view.
func (t *HTTPTransport) recordSuccess(url string, latency time.Duration, resp *relay.SyncResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.servers[url]
	if !ok {
		return
	}
	status.Health = relay.Healthy
	status.ConsecutiveFailures = 0
	status.BlacklistedUntil = time.Time{}
	status.Latency = latency
	if resp.Mesh.ServerVersion > status.MaxVersionSeen {
		status.MaxVersionSeen = resp.Mesh.ServerVersion
	}
	for peerURL, health := range resp.Mesh.Peers {
		if peerURL == url {
			continue
		}
		if other, tracked := t.servers[peerURL]; tracked {
			other.Health = health
		}
	}
}

func (t *HTTPTransport) recordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.servers[url]
	if !ok {
		return
	}
	status.ConsecutiveFailures++
	if status.ConsecutiveFailures >= unhealthyThreshold {
		status.Health = relay.Unhealthy
		status.BlacklistedUntil = t.clock.Now().Add(t.blacklistFor)
	} else {
		status.Health = relay.Degraded
	}
}

// Status returns a copy of a server's tracked state.
func (t *HTTPTransport) Status(url string) (ServerStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.servers[url]
	if !ok {
		return ServerStatus{}, false
	}
	return *status, true
}

// EmbeddedTransport prefers a locally registered in-process server
// and delegates to a fallback transport when none is registered.
type EmbeddedTransport struct {
	registry *Registry
	serverID string
	fallback Transport
}

// NewEmbeddedTransport creates an embedded transport targeting the
// server registered under serverID.
func NewEmbeddedTransport(registry *Registry, serverID string, fallback Transport) *EmbeddedTransport {
	return &EmbeddedTransport{registry: registry, serverID: serverID, fallback: fallback}
}

func (t *EmbeddedTransport) Sync(ctx context.Context, req relay.SyncRequest) (*relay.SyncResponse, error) {
	if server, ok := t.registry.Lookup(t.serverID); ok {
		return server.Sync(ctx, req)
	}
	if t.fallback != nil {
		return t.fallback.Sync(ctx, req)
	}
	return nil, ErrNoServers
}
