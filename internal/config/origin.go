package config

import (
	"os"
	"strings"
)

// OriginAllowed reports whether a browser origin may talk to this server.
// Requests without an Origin header and local development origins are always
// allowed; additional origins come from the ALLOWED_ORIGINS environment
// variable, comma separated. Both the websocket upgrader and the CORS
// middleware use this single policy.
func OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		return true
	}
	for _, allowed := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if allowed = strings.TrimSpace(allowed); allowed != "" && origin == allowed {
			return true
		}
	}
	return false
}
