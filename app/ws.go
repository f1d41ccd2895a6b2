package murmur

import (
	"net/http"
	"slices"
	"strings"
)

// originChecker allows websocket upgrades from the configured origins.
// A "*" entry allows every origin. Requests without an Origin header are not
// from a browser and are always allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}
