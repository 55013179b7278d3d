package origin

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatternChecker(t *testing.T) {
	testCases := []struct {
		name     string
		patterns []string
		origin   string
		wantErr  bool
	}{
		{"exact match", []string{"https://example.com"}, "https://example.com", false},
		{"exact mismatch", []string{"https://example.com"}, "https://evil.com", true},
		{"subdomain wildcard", []string{"https://*.example.com"}, "https://app.example.com", false},
		{"wildcard crosses labels", []string{"https://*.example.com"}, "https://a.b.example.com", false},
		{"wildcard needs the dot", []string{"https://*.example.com"}, "https://example.com", true},
		{"case insensitive", []string{"https://example.com"}, "https://EXAMPLE.com", false},
		{"scheme wildcard", []string{"*://localhost:3000"}, "http://localhost:3000", false},
		{"no origin header passes", []string{"https://example.com"}, "", false},
		{"empty patterns reject any origin", nil, "https://example.com", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			checker, err := NewPatternChecker(tc.patterns)
			require.NoError(t, err)
			r, err := http.NewRequest(http.MethodGet, "http://localhost", nil)
			require.NoError(t, err)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err = checker.Check(r)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPatternCheckerMalformedPattern(t *testing.T) {
	_, err := NewPatternChecker([]string{"https://[example.com"})
	require.Error(t, err)
}
