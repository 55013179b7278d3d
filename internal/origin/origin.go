// Package origin checks the Origin header of connection requests against
// configured glob patterns.
package origin

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gobwas/glob"
)

// PatternChecker matches request origins against a set of glob patterns
// compiled once at construction time.
type PatternChecker struct {
	allowedOrigins []glob.Glob
}

// NewPatternChecker compiles allowed origin patterns.
func NewPatternChecker(allowedOrigins []string) (*PatternChecker, error) {
	var globs []glob.Glob
	for _, pattern := range allowedOrigins {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("malformed origin pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return &PatternChecker{
		allowedOrigins: globs,
	}, nil
}

// Check returns nil when the request Origin is authorized. Requests
// without an Origin header pass: those are same-origin or non-browser
// clients.
func (c *PatternChecker) Check(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	for _, pattern := range c.allowedOrigins {
		if pattern.Match(strings.ToLower(origin)) {
			return nil
		}
	}
	return fmt.Errorf("request Origin %s is not authorized", origin)
}
