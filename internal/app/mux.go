package app

import (
	"net/http"
	"strings"

	"github.com/switchboard-rt/switchboard/internal/config"
	"github.com/switchboard-rt/switchboard/internal/health"
	"github.com/switchboard-rt/switchboard/internal/metrics"
	"github.com/switchboard-rt/switchboard/internal/middleware"
	"github.com/switchboard-rt/switchboard/internal/node"
	"github.com/switchboard-rt/switchboard/internal/server"

	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HandlerFlag is a bit mask of handlers that must be enabled in mux.
type HandlerFlag int

const (
	// HandlerPolling enables the long-polling connection endpoint.
	HandlerPolling HandlerFlag = 1 << iota
	// HandlerWebsocket enables the websocket connection endpoint.
	HandlerWebsocket
	// HandlerPrometheus enables Prometheus handler.
	HandlerPrometheus
	// HandlerHealth enables health check endpoint.
	HandlerHealth
)

var handlerText = map[HandlerFlag]string{
	HandlerPolling:    "polling",
	HandlerWebsocket:  "websocket",
	HandlerPrometheus: "prometheus",
	HandlerHealth:     "health",
}

func (flags HandlerFlag) String() string {
	flagsOrdered := []HandlerFlag{HandlerPolling, HandlerWebsocket, HandlerPrometheus, HandlerHealth}
	var endpoints []string
	for _, flag := range flagsOrdered {
		if flags&flag != 0 {
			endpoints = append(endpoints, handlerText[flag])
		}
	}
	return strings.Join(endpoints, ", ")
}

const (
	pollingHandlerPrefix    = "/connection/poll"
	websocketHandlerPrefix  = "/connection/websocket"
	prometheusHandlerPrefix = "/metrics"
	healthHandlerPrefix     = "/health"
)

// Mux returns a mux including the set of handlers enabled by flags.
func Mux(n *node.Node, cfg config.Config, srv *server.Server, m *metrics.Registry, flags HandlerFlag) *http.ServeMux {
	mux := http.NewServeMux()

	var commonMiddlewares []alice.Constructor
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		commonMiddlewares = append(commonMiddlewares, middleware.LogRequest)
	}
	instrument := func(handler string) []alice.Constructor {
		mws := append([]alice.Constructor{}, commonMiddlewares...)
		if cfg.Prometheus.Enabled {
			mws = append(mws, middleware.HTTPServerInstrumentation(m, handler))
		}
		return mws
	}

	connCORS := middleware.NewCORS(getCheckOrigin(cfg)).Middleware

	if flags&HandlerPolling != 0 {
		chain := alice.New(append(instrument("polling"), connCORS)...)
		mux.Handle(pollingHandlerPrefix, chain.Then(server.NewPollingHandler(srv)))
	}
	if flags&HandlerWebsocket != 0 {
		chain := alice.New(instrument("websocket")...)
		mux.Handle(websocketHandlerPrefix, chain.Then(server.NewWebsocketHandler(srv)))
	}
	if flags&HandlerPrometheus != 0 {
		chain := alice.New(commonMiddlewares...)
		mux.Handle(prometheusHandlerPrefix, chain.Then(promhttp.Handler()))
	}
	if flags&HandlerHealth != 0 {
		chain := alice.New(instrument("health")...)
		mux.Handle(healthHandlerPrefix, chain.Then(health.NewHandler(n, health.Config{})))
	}
	return mux
}
