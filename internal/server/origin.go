package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originChecker validates the Origin header of websocket upgrade requests
// against a normalized allow-list.
type originChecker struct {
	log      *zap.SugaredLogger
	allowed  map[string]struct{}
	allowAll bool
}

func newOriginChecker(log *zap.SugaredLogger, origins []string) *originChecker {
	c := &originChecker{
		log:     log,
		allowed: make(map[string]struct{}, len(origins)),
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			c.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warnw("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		c.allowed[normalized] = struct{}{}
	}
	return c
}

// normalizeOrigin reduces an origin to lowercase scheme://host so that
// comparisons ignore case and trailing paths.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (c *originChecker) check(r *http.Request) bool {
	if c.isAllowed(r) {
		return true
	}
	c.log.Infow("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

func (c *originChecker) isAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if c.allowAll {
		return true
	}
	_, exists := c.allowed[normalized]
	return exists
}
