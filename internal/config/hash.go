package config

import (
	"encoding/json"
	"hash/fnv"
)

// fnv64 returns 0 for empty input so "unset" and "empty" compare equal.
func fnv64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// HashPluginConfig fingerprints a plugin config blob. Formatting and key
// order do not change the result; a blob that is not JSON is hashed as is.
func HashPluginConfig(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		if norm, err := json.Marshal(v); err == nil {
			return fnv64(norm)
		}
	}
	return fnv64(raw)
}
