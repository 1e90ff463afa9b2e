// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const wildcardOrigin = "*"

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return nil
	}

	normalized := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))

	for _, origin := range origins {
		o := normalizeOrigin(origin)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		normalized = append(normalized, o)
	}

	return normalized
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// originAllowed reports whether origin equals or textually contains one of
// the allowed entries. An empty origin is never allowed.
func originAllowed(origin string, allowed []string) bool {
	o := normalizeOrigin(origin)
	if o == "" {
		return false
	}

	for _, a := range allowed {
		if a == wildcardOrigin || a == o || strings.Contains(o, a) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if originAllowed(origin, s.cfg.AllowedOrigins) {
		return true
	}

	s.log.Warn("blocked websocket handshake from disallowed origin",
		zap.String("origin", origin),
		zap.String("remote", r.RemoteAddr))
	return false
}
