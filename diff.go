package relay

// diffNewerMetas returns the entries in remote that are unknown
// locally or carry a later content change, matched by key. O(n) via
// map lookup.
func diffNewerMetas(local, remote []NodeMeta) []NodeMeta {
	known := make(map[string]NodeMeta, len(local))
	for _, meta := range local {
		known[meta.Key] = meta
	}

	var result []NodeMeta
	for _, meta := range remote {
		current, found := known[meta.Key]
		if !found {
			result = append(result, meta)
			continue
		}
		if meta.UpdatedAt > current.UpdatedAt {
			result = append(result, meta)
		}
	}
	return result
}
