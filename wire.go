package relay

import (
	"github.com/goccy/go-json"
)

// Header names used by the wire protocol. Gossip rides on ordinary
// traffic as a header so that any endpoint exchange doubles as a
// mesh heartbeat.
const (
	GossipHeader = "X-Relay-Gossip"
	ServerHeader = "X-Relay-Server"
)

// RoutePrefix is prepended to every protocol route.
const RoutePrefix = ""

// Health is the availability classification of a server or peer.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Rank orders health states for server selection: healthy servers are
// tried first, then servers we know nothing about, then degraded, and
// unhealthy last.
func (h Health) Rank() int {
	switch h {
	case Healthy:
		return 0
	case Unknown:
		return 1
	case Degraded:
		return 2
	case Unhealthy:
		return 3
	}
	return 4
}

// NodeMeta is the coordination record for a single key: a global
// version number and an opaque content fingerprint. The application
// payload itself is never stored here.
type NodeMeta struct {
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	Hash      string `json:"hash"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SyncRequest carries the client's known-version map. Keys absent
// from Known are not queried. Wait is the requested long-poll
// suspension in milliseconds, zero for an immediate response.
type SyncRequest struct {
	Known     map[string]int64 `json:"known"`
	ClientID  string           `json:"clientId"`
	Mode      string           `json:"mode,omitempty"`
	Hint      string           `json:"hint,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Wait      int64            `json:"wait,omitempty"`
}

// ChangedNode is one delta entry. Version zero with an empty hash
// means the key is unknown to the server and the client must treat
// that as authoritative, not as "no change". Payload is attached
// inline only when it serializes under InlinePayloadLimit.
type ChangedNode struct {
	Version int64           `json:"version"`
	Hash    string          `json:"hash"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MeshInfo is the mesh view piggybacked on a sync response.
type MeshInfo struct {
	Peers         map[string]Health `json:"peers"`
	ServerVersion int64             `json:"serverVersion,omitempty"`
}

// SyncResponse is the delta for a SyncRequest plus the responding
// server's mesh view and clock.
type SyncResponse struct {
	Changed    map[string]ChangedNode `json:"changed"`
	Mesh       MeshInfo               `json:"mesh"`
	ServerTime int64                  `json:"serverTime"`
}

// PeerSummary is one peer entry inside a gossip payload.
type PeerSummary struct {
	URL        string `json:"url"`
	Health     Health `json:"health"`
	MaxVersion int64  `json:"maxVersion"`
	LastSeen   int64  `json:"lastSeen"`
}

// GossipPayload is the mesh metadata piggybacked on every protocol
// exchange. There is no independent heartbeat channel.
type GossipPayload struct {
	ServerID   string        `json:"serverId"`
	MaxVersion int64         `json:"maxVersion"`
	Peers      []PeerSummary `json:"peers,omitempty"`
	Timestamp  int64         `json:"timestamp"`
}

// InvalidateRequest bumps the version of each key. Source is set when
// the request comes from a mesh peer rather than a client, so the
// receiving server can avoid echoing the invalidation back.
type InvalidateRequest struct {
	Keys      []string `json:"keys"`
	Source    string   `json:"source,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// InvalidateResponse lists the keys that were invalidated and their
// newly assigned versions.
type InvalidateResponse struct {
	Invalidated []string         `json:"invalidated"`
	Versions    map[string]int64 `json:"versions"`
}

// UpdateRequest records a content change: the version is incremented
// and the hash replaced.
type UpdateRequest struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// VersionsResponse lists everything changed since a given version.
type VersionsResponse struct {
	Gossip  GossipPayload `json:"gossip"`
	Changed []NodeMeta    `json:"changed"`
}

// HealthResponse is the server status report.
type HealthResponse struct {
	Status   Health        `json:"status"`
	ServerID string        `json:"serverId"`
	Version  int64         `json:"version"`
	Uptime   int64         `json:"uptime"`
	Mesh     MeshHealth    `json:"mesh"`
	Storage  StorageHealth `json:"storage"`
}

type MeshHealth struct {
	PeerCount    int `json:"peerCount"`
	HealthyPeers int `json:"healthyPeers"`
}

type StorageHealth struct {
	Healthy    bool  `json:"healthy"`
	MaxVersion int64 `json:"maxVersion"`
}
