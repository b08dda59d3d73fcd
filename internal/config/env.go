package config

import (
	"encoding/json"
	"os"
	"regexp"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} with values from the environment.
// A bare $VAR is left untouched so secrets containing '$' survive.
// With quote set, substituted values are escaped for use inside a JSON string.
func expandEnv(b []byte, quote bool, lookup func(string) (string, bool)) []byte {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		v, ok := lookup(string(sub[1]))
		if !ok || v == "" {
			v = string(sub[3])
		}
		if !quote {
			return []byte(v)
		}
		return jsonEscape(v)
	})
}

func jsonEscape(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil || len(b) < 2 {
		return []byte(s)
	}
	return b[1 : len(b)-1]
}
