package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/switchboard-rt/switchboard/internal/config"

	"github.com/stretchr/testify/require"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/connection/websocket", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestGetCheckOrigin(t *testing.T) {
	var cfg config.Config

	// Empty allowed_origins accepts same-origin requests only.
	check := getCheckOrigin(cfg)
	require.True(t, check(originRequest("")))
	require.False(t, check(originRequest("https://app.example.com")))

	cfg.HTTP.AllowedOrigins = []string{"*"}
	check = getCheckOrigin(cfg)
	require.True(t, check(originRequest("https://anything.example.com")))

	cfg.HTTP.AllowedOrigins = []string{"https://*.example.com"}
	check = getCheckOrigin(cfg)
	require.True(t, check(originRequest("")))
	require.True(t, check(originRequest("https://app.example.com")))
	require.False(t, check(originRequest("https://app.other.com")))
}
