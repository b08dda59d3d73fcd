package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint is an FNV-64a hash of v's JSON form (map keys sorted). It is 0
// when v does not marshal, which callers treat as "changed".
func fingerprint(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
