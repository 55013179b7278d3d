package app

import (
	"net/http"
	"sync"

	"github.com/switchboard-rt/switchboard/internal/config"
	"github.com/switchboard-rt/switchboard/internal/origin"

	"github.com/rs/zerolog/log"
)

var wildcardOriginWarnOnce sync.Once

// getCheckOrigin builds the cross-origin authorization shared by the
// websocket upgrade and the polling CORS layer.
func getCheckOrigin(cfg config.Config) func(r *http.Request) bool {
	patterns := cfg.HTTP.AllowedOrigins
	if len(patterns) == 0 {
		// Same-origin only: browsers always send Origin on cross-origin
		// requests, so its absence means a non-browser or same-origin
		// caller.
		return func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			if o == "" {
				return true
			}
			log.Info().Str("origin", o).Msg("cross-origin request rejected, allowed_origins is empty")
			return false
		}
	}
	if len(patterns) == 1 && patterns[0] == "*" {
		wildcardOriginWarnOnce.Do(func() {
			log.Warn().Msg("allowed_origins is *, every Origin is accepted, set an exact list of origins in production")
		})
		return func(r *http.Request) bool {
			return true
		}
	}
	checker, err := origin.NewPatternChecker(patterns)
	if err != nil {
		log.Fatal().Err(err).Strs("allowed_origins", patterns).Msg("malformed allowed_origins pattern")
	}
	return func(r *http.Request) bool {
		if err := checker.Check(r); err != nil {
			log.Info().Err(err).Str("origin", r.Header.Get("Origin")).Strs("allowed_origins", patterns).Msg("request Origin is not authorized")
			return false
		}
		return true
	}
}
