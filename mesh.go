package relay

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

const (
	// DefaultPeerStaleness is how long a peer may go unseen before it
	// is excluded from healthy selection.
	DefaultPeerStaleness = 60 * time.Second
	// DefaultPropagateTimeout bounds each fire-and-forget peer call.
	DefaultPropagateTimeout = 5 * time.Second

	propagationDedupSize = 1024
)

// gossipSchema rejects malformed payloads before they touch peer
// state. Validation failures are dropped silently.
const gossipSchema = `{
	"type": "object",
	"required": ["serverId", "maxVersion", "timestamp"],
	"properties": {
		"serverId": {"type": "string", "minLength": 1},
		"maxVersion": {"type": "integer", "minimum": 0},
		"timestamp": {"type": "integer", "minimum": 0},
		"peers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["url", "health"],
				"properties": {
					"url": {"type": "string", "minLength": 1},
					"health": {"enum": ["healthy", "degraded", "unhealthy", "unknown"]},
					"maxVersion": {"type": "integer", "minimum": 0},
					"lastSeen": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var gossipValidator = jsonschema.MustCompileString("gossip.json", gossipSchema)

// PeerInfo is this server's view of one mesh peer. Entries are never
// evicted: an unhealthy peer stays tracked and is retried once traffic
// reaches it again.
type PeerInfo struct {
	URL         string        `json:"url"`
	ID          string        `json:"id,omitempty"`
	Health      Health        `json:"health"`
	MaxVersion  int64         `json:"maxVersion"`
	LastSeen    int64         `json:"lastSeen"`
	LastLatency time.Duration `json:"lastLatency"`
}

// MeshConfig configures a Mesh coordinator.
type MeshConfig struct {
	ServerID         string
	Peers            []string
	Client           *http.Client
	Clock            clockwork.Clock
	Logger           *zap.Logger
	Metrics          *Metrics
	Staleness        time.Duration
	PropagateTimeout time.Duration
}

// Mesh maintains this server's view of its peers. There is no leader
// election and no background poll loop: every update happens inside
// request/response processing, so gossip rides on real traffic.
type Mesh struct {
	mu         sync.Mutex
	serverID   string
	maxVersion int64
	peers      map[string]*PeerInfo

	client           *http.Client
	clock            clockwork.Clock
	logger           *zap.Logger
	metrics          *Metrics
	staleness        time.Duration
	propagateTimeout time.Duration

	// propagated invalidations keyed by origin+timestamp, so a
	// payload bouncing between peers dies instead of looping
	propagated *lru.Cache[string, struct{}]
}

// NewMesh creates a coordinator seeded with statically configured
// peers. More peers are adopted dynamically through gossip.
func NewMesh(config MeshConfig) *Mesh {
	if config.Client == nil {
		config.Client = &http.Client{Timeout: DefaultPropagateTimeout}
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Staleness == 0 {
		config.Staleness = DefaultPeerStaleness
	}
	if config.PropagateTimeout == 0 {
		config.PropagateTimeout = DefaultPropagateTimeout
	}
	propagated, _ := lru.New[string, struct{}](propagationDedupSize)
	m := &Mesh{
		serverID:         config.ServerID,
		peers:            make(map[string]*PeerInfo),
		client:           config.Client,
		clock:            config.Clock,
		logger:           config.Logger,
		metrics:          config.Metrics,
		staleness:        config.Staleness,
		propagateTimeout: config.PropagateTimeout,
		propagated:       propagated,
	}
	for _, url := range config.Peers {
		m.peers[url] = &PeerInfo{URL: url, Health: Unknown}
	}
	return m
}

// ServerID returns this coordinator's id.
func (m *Mesh) ServerID() string {
	return m.serverID
}

// UpdateMaxVersion raises this server's own max version. Lower values
// are ignored so the view only moves forward.
func (m *Mesh) UpdateMaxVersion(version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version > m.maxVersion {
		m.maxVersion = version
	}
}

// MaxVersionSeen returns this server's own max version.
func (m *Mesh) MaxVersionSeen() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxVersion
}

// Payload builds the gossip snapshot piggybacked on responses.
func (m *Mesh) Payload() GossipPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := GossipPayload{
		ServerID:   m.serverID,
		MaxVersion: m.maxVersion,
		Timestamp:  m.clock.Now().UnixMilli(),
	}
	for _, peer := range m.peers {
		payload.Peers = append(payload.Peers, PeerSummary{
			URL:        peer.URL,
			Health:     peer.Health,
			MaxVersion: peer.MaxVersion,
			LastSeen:   peer.LastSeen,
		})
	}
	sort.Slice(payload.Peers, func(i, j int) bool {
		return payload.Peers[i].URL < payload.Peers[j].URL
	})
	return payload
}

// PeersView returns the health of every tracked peer, keyed by URL.
func (m *Mesh) PeersView() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	view := make(map[string]Health, len(m.peers))
	for url, peer := range m.peers {
		view[url] = peer.Health
	}
	return view
}

// Status returns a copy of every peer entry.
func (m *Mesh) Status() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]PeerInfo, 0, len(m.peers))
	for _, peer := range m.peers {
		result = append(result, *peer)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].URL < result[j].URL
	})
	return result
}

// ProcessGossip merges a gossip payload received from sourceURL.
// Malformed payloads are dropped silently. The direct peer is marked
// healthy; embedded peer summaries are adopted when unknown and
// otherwise merged last-write-wins by lastSeen recency, never by
// arrival order.
func (m *Mesh) ProcessGossip(raw []byte, sourceURL string, latency time.Duration) {
	if len(raw) == 0 {
		return
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		m.logger.Debug("gossip rejected", zap.String("source", sourceURL), zap.Error(err))
		return
	}
	if err := gossipValidator.Validate(doc); err != nil {
		m.logger.Debug("gossip rejected", zap.String("source", sourceURL), zap.Error(err))
		return
	}
	var payload GossipPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UnixMilli()

	if sourceURL != "" {
		peer, ok := m.peers[sourceURL]
		if !ok {
			peer = &PeerInfo{URL: sourceURL}
			m.peers[sourceURL] = peer
		}
		peer.ID = payload.ServerID
		peer.Health = Healthy
		peer.LastSeen = now
		peer.LastLatency = latency
		if payload.MaxVersion > peer.MaxVersion {
			peer.MaxVersion = payload.MaxVersion
		}
	}

	for _, summary := range payload.Peers {
		if summary.URL == sourceURL {
			continue
		}
		peer, ok := m.peers[summary.URL]
		if !ok {
			m.peers[summary.URL] = &PeerInfo{
				URL:        summary.URL,
				Health:     summary.Health,
				MaxVersion: summary.MaxVersion,
				LastSeen:   summary.LastSeen,
			}
			continue
		}
		if summary.LastSeen > peer.LastSeen {
			peer.Health = summary.Health
			peer.MaxVersion = summary.MaxVersion
			peer.LastSeen = summary.LastSeen
		}
	}
}

// MarkPeerUnhealthy records a failed exchange with a peer. There is
// no intermediate degraded state on the server side.
func (m *Mesh) MarkPeerUnhealthy(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[url]
	if !ok {
		peer = &PeerInfo{URL: url}
		m.peers[url] = peer
	}
	peer.Health = Unhealthy
}

// HealthyPeers returns peers eligible for propagation and catch-up:
// not unhealthy, seen within the staleness window, sorted by
// descending maxVersion then ascending latency.
func (m *Mesh) HealthyPeers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().UnixMilli() - m.staleness.Milliseconds()
	var result []PeerInfo
	for _, peer := range m.peers {
		if peer.Health == Unhealthy {
			continue
		}
		if peer.LastSeen != 0 && peer.LastSeen < cutoff {
			continue
		}
		result = append(result, *peer)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MaxVersion != result[j].MaxVersion {
			return result[i].MaxVersion > result[j].MaxVersion
		}
		if result[i].LastLatency != result[j].LastLatency {
			return result[i].LastLatency < result[j].LastLatency
		}
		return result[i].URL < result[j].URL
	})
	return result
}

// ShouldPropagate decides whether an invalidation may be forwarded.
// Client-originated requests (empty source) always propagate; a
// peer-originated request propagates once per origin+timestamp pair.
func (m *Mesh) ShouldPropagate(source string, timestamp int64) bool {
	if source == m.serverID {
		return false
	}
	if source == "" {
		return true
	}
	key := source + "/" + strconv.FormatInt(timestamp, 10)
	seen, _ := m.propagated.ContainsOrAdd(key, struct{}{})
	return !seen
}

// PropagateInvalidation forwards an invalidation to the top half of
// the healthy peers, fire-and-forget. The origin source and timestamp
// are preserved so downstream servers can suppress echoes. Failures
// only mark the peer unhealthy; they never reach the caller.
func (m *Mesh) PropagateInvalidation(keys []string, source string, timestamp int64) {
	if source == "" {
		source = m.serverID
	}
	if timestamp == 0 {
		timestamp = m.clock.Now().UnixMilli()
	}
	healthy := m.HealthyPeers()
	if len(healthy) == 0 {
		return
	}
	count := int(math.Ceil(float64(len(healthy)) / 2))
	for _, peer := range healthy[:count] {
		if peer.ID != "" && peer.ID == source {
			continue
		}
		go m.sendInvalidation(peer.URL, keys, source, timestamp)
	}
}

func (m *Mesh) sendInvalidation(url string, keys []string, source string, timestamp int64) {
	body, err := json.Marshal(InvalidateRequest{
		Keys:      keys,
		Source:    source,
		Timestamp: timestamp,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.propagateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", url+RoutePrefix+"/invalidate", bytes.NewReader(body))
	if err != nil {
		m.MarkPeerUnhealthy(url)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServerHeader, m.serverID)
	if gossip, err := json.Marshal(m.Payload()); err == nil {
		req.Header.Set(GossipHeader, string(gossip))
	}

	start := m.clock.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("propagation failed", zap.String("peer", url), zap.Error(err))
		m.metrics.propagationFailed()
		m.MarkPeerUnhealthy(url)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Debug("propagation failed", zap.String("peer", url), zap.Int("status", resp.StatusCode))
		m.metrics.propagationFailed()
		m.MarkPeerUnhealthy(url)
		return
	}
	m.ProcessGossip([]byte(resp.Header.Get(GossipHeader)), url, m.clock.Since(start))
}

// QueryPeerVersions fetches the changed-set since a version from the
// first healthy peer known to be ahead. Used for catch-up outside the
// normal sync path.
func (m *Mesh) QueryPeerVersions(ctx context.Context, since int64) ([]NodeMeta, error) {
	for _, peer := range m.HealthyPeers() {
		if peer.MaxVersion <= since {
			continue
		}
		changed, err := m.fetchVersions(ctx, peer.URL, since)
		if err != nil {
			m.logger.Debug("peer versions query failed", zap.String("peer", peer.URL), zap.Error(err))
			m.MarkPeerUnhealthy(peer.URL)
			continue
		}
		return changed, nil
	}
	return nil, nil
}

func (m *Mesh) fetchVersions(ctx context.Context, url string, since int64) ([]NodeMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, m.propagateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", url+RoutePrefix+"/versions?since="+strconv.FormatInt(since, 10), nil)
	if err != nil {
		return nil, err
	}
	start := m.clock.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errStatus(resp.StatusCode)
	}
	var versions VersionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, err
	}
	latency := m.clock.Since(start)
	if gossip, err := json.Marshal(versions.Gossip); err == nil {
		m.ProcessGossip(gossip, url, latency)
	}
	return versions.Changed, nil
}
