package env

import (
	"os"
	"strconv"
	"strings"
)

// Prefix namespaces the few variables read before config.Load runs.
const Prefix = "CREDITLEDGER_"

// Get returns CREDITLEDGER_<key>, then the bare key, then fallback.
func Get(key, fallback string) string {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}

// Bool parses Get(key) as a boolean. Unparsable values yield fallback.
func Bool(key string, fallback bool) bool {
	raw := Get(key, "")
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}
