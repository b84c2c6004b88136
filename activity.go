package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// ActivityEntry reports when a key last changed.
type ActivityEntry struct {
	LastEntry int64 `json:"lastEntry"`
}

// LastActivity returns the last change time for a key. A glob key
// reports the latest change across every matching stored key; a key
// with no recorded change reports zero.
func (s *Server) LastActivity(key string) (ActivityEntry, error) {
	if IsGlobKey(key) {
		stored, err := s.storage.ListChangedSince(0)
		if err != nil {
			return ActivityEntry{}, err
		}
		var last int64
		for _, meta := range stored {
			if MatchKey(key, meta.Key) && meta.UpdatedAt > last {
				last = meta.UpdatedAt
			}
		}
		return ActivityEntry{LastEntry: last}, nil
	}

	meta, err := s.storage.GetNode(key)
	if errors.Is(err, ErrNotFound) {
		return ActivityEntry{}, nil
	}
	if err != nil {
		return ActivityEntry{}, err
	}
	return ActivityEntry{LastEntry: meta.UpdatedAt}, nil
}

// ActivityHandler serves GET /activity/{key}: cheap freshness probes
// without a full sync round.
func ActivityHandler(s *Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		if !validKey(key) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "invalid key")
			return
		}
		activity, err := s.LastActivity(key)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(activity)
	}
}
