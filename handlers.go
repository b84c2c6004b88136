package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

// attachGossip sets the server-id and gossip headers on a response so
// every exchange doubles as a mesh heartbeat.
func attachGossip(w http.ResponseWriter, s *Server) {
	w.Header().Set(ServerHeader, s.id)
	if gossip, err := json.Marshal(s.mesh.Payload()); err == nil {
		w.Header().Set(GossipHeader, string(gossip))
	}
}

// absorbGossip merges gossip piggybacked on an inbound request. The
// sender's URL is unknown on this path, so only the embedded peer
// summaries are merged; the direct entry refreshes on response paths
// where the URL is known.
func absorbGossip(r *http.Request, s *Server) {
	if raw := r.Header.Get(GossipHeader); raw != "" {
		s.mesh.ProcessGossip([]byte(raw), "", 0)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		w.WriteHeader(http.StatusBadRequest)
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprint(w, err.Error())
}

// SyncHandler serves POST /sync: delta computation with optional
// long-poll suspension.
func SyncHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "malformed sync request")
			return
		}
		absorbGossip(r, s)

		resp, err := s.Sync(r.Context(), req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeError(w, err)
			return
		}
		attachGossip(w, s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

// InvalidateHandler serves POST /invalidate: version bumps plus
// long-poll wakeups plus opportunistic peer propagation.
func InvalidateHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InvalidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "malformed invalidate request")
			return
		}
		absorbGossip(r, s)

		resp, err := s.Invalidate(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		attachGossip(w, s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

// UpdateHandler serves POST /update: a content change with its hash.
func UpdateHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "malformed update request")
			return
		}
		meta, err := s.Update(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		attachGossip(w, s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(meta)
	}
}

// VersionsHandler serves GET /versions?since=N for peer catch-up.
func VersionsHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		since := int64(0)
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, "invalid since parameter")
				return
			}
			since = parsed
		}
		absorbGossip(r, s)

		resp, err := s.VersionsSince(since)
		if err != nil {
			writeError(w, err)
			return
		}
		attachGossip(w, s)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

// HealthHandler serves GET /health. A failing store yields 503.
func HealthHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.HealthStatus()
		attachGossip(w, s)
		w.Header().Set("Content-Type", "application/json")
		if status.Status == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(status)
	}
}

// MeshStatusHandler serves the peer table as JSON.
func MeshStatusHandler(m *Mesh) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if m == nil {
			fmt.Fprint(w, "[]")
			return
		}
		json.NewEncoder(w).Encode(m.Status())
	}
}
