package middleware

import (
	"net/http"
	"strconv"

	"github.com/switchboard-rt/switchboard/internal/metrics"
)

type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// HTTPServerInstrumentation counts requests per handler and status. We
// can not collect durations here because connection handlers hold
// long-lived requests which require special care, so for now we just
// count requests.
func HTTPServerInstrumentation(m *metrics.Registry, handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusResponseWriter{w, http.StatusOK}
			next.ServeHTTP(rw, r)
			m.HTTPRequestsTotal.WithLabelValues(handler, strconv.Itoa(rw.status)).Inc()
		})
	}
}
