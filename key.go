package relay

import (
	"strings"
)

// Keys are slash-segmented paths ("posts", "posts/17"). An invalidation
// key may use "*" as a segment to address every stored key matching the
// pattern; concrete keys never contain "*".

// IsGlobKey reports whether a key contains a wildcard segment.
func IsGlobKey(key string) bool {
	for _, segment := range strings.Split(key, "/") {
		if segment == "*" {
			return true
		}
	}
	return false
}

// MatchKey reports whether a pattern matches a concrete key. A "*"
// segment matches exactly one key segment, so "posts/*" covers
// "posts/17" but not "posts/17/comments".
func MatchKey(pattern, key string) bool {
	if pattern == key {
		return true
	}
	patternSegments := strings.Split(pattern, "/")
	keySegments := strings.Split(key, "/")
	if len(patternSegments) != len(keySegments) {
		return false
	}
	for i, segment := range patternSegments {
		if segment == "*" {
			continue
		}
		if segment != keySegments[i] {
			return false
		}
	}
	return true
}

// validKey rejects keys that cannot be addressed: empty, leading or
// trailing separators, or empty segments.
func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" {
			return false
		}
	}
	return true
}

// expandKeys resolves glob patterns against the stored key set.
// Concrete keys pass through whether stored or not; a pattern only
// yields the keys it matches, never itself.
func expandKeys(storage Storage, keys []string) ([]string, error) {
	expanded := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	var stored []NodeMeta
	for _, key := range keys {
		if !IsGlobKey(key) {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				expanded = append(expanded, key)
			}
			continue
		}
		if stored == nil {
			var err error
			stored, err = storage.ListChangedSince(0)
			if err != nil {
				return nil, err
			}
		}
		for _, meta := range stored {
			if !MatchKey(key, meta.Key) {
				continue
			}
			if _, dup := seen[meta.Key]; !dup {
				seen[meta.Key] = struct{}{}
				expanded = append(expanded, meta.Key)
			}
		}
	}
	return expanded, nil
}
