package app

import (
	"context"
	"crypto/tls"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/switchboard-rt/switchboard/internal/broker"
	"github.com/switchboard-rt/switchboard/internal/build"
	"github.com/switchboard-rt/switchboard/internal/config"
	"github.com/switchboard-rt/switchboard/internal/logging"
	"github.com/switchboard-rt/switchboard/internal/metrics"
	"github.com/switchboard-rt/switchboard/internal/node"
	"github.com/switchboard-rt/switchboard/internal/server"
	"github.com/switchboard-rt/switchboard/internal/service"
	"github.com/switchboard-rt/switchboard/internal/tools"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

func Run(cmd *cobra.Command, configFile string) {
	dotEnvUsed := false
	if tools.FileExists(".env") {
		err := godotenv.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("error loading .env file")
		}
		dotEnvUsed = true
	}
	cfg, cfgMeta, err := config.GetConfig(cmd, configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error getting config")
	}

	ctx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	logCloseFn := logging.Setup(cfg)
	if logCloseFn != nil {
		defer logCloseFn()
	}
	if cfgMeta.FileNotFound {
		log.Warn().Msg("config file not found, continue using environment and flag options")
	} else {
		absConfPath, _ := filepath.Abs(configFile)
		log.Info().Str("path", absConfPath).Msg("using config file")
		if dotEnvUsed {
			log.Info().Msg("environment variables have been loaded from .env file")
		}
	}
	err = tools.WritePidFile(cfg.PidFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error writing PID")
	}
	_, _ = maxprocs.Set(maxprocs.Logger(func(s string, i ...interface{}) {
		log.Info().Msgf(strings.ToLower(s), i...)
	}))

	log.Info().
		Str("version", build.Version).
		Str("runtime", runtime.Version()).
		Int("pid", os.Getpid()).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("broker", cfg.Broker.Type).
		Msg("starting Switchboard")

	if build.Version == "0.0.0" {
		log.Warn().Msg("running a development build of Switchboard (version 0.0.0), ensure to use release build in production")
	}

	err = cfg.Validate()
	if err != nil {
		log.Fatal().Err(err).Msg("error validating config")
	}

	m, err := metrics.New(metrics.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("error creating metrics registry")
	}

	n, err := node.New(node.Config{
		PingInterval:    cfg.Client.PingInterval,
		PingTimeout:     cfg.Client.PingTimeout,
		PingFromServer:  cfg.Client.PingFrom == "server",
		QueueMaxSize:    cfg.Client.QueueMaxSize,
		DisconnectGrace: cfg.Client.DisconnectGrace,
		Metrics:         m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("error creating node")
	}

	b, err := buildBroker(cfg, n)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating broker")
	}
	n.SetBroker(b)

	// Services run after the node is ready but before the HTTP server
	// starts, and are stopped after node shutdown and HTTP server
	// shutdown.
	serviceManager := service.NewManager()
	serviceManager.Register(&criticalService{name: b.Name(), svc: b})
	serviceManager.Register(node.NewHeartbeatMonitor(n, time.Second))
	serviceManager.Register(&brokerStateExporter{broker: b, metrics: m})
	serviceManager.Run(ctx)

	srv := server.New(n, server.Config{
		PollTimeout:  cfg.Client.PollTimeout,
		CookieSecret: cfg.Client.CookieSecret,
		CheckOrigin:  getCheckOrigin(cfg),
	})

	httpServer, err := runHTTPServer(n, cfg, srv, m)
	if err != nil {
		log.Fatal().Err(err).Msg("error running HTTP server")
	}

	handleSignals(cmd, configFile, cfg, n, httpServer, serviceManager, serviceCancel)
}

func buildBroker(cfg config.Config, n *node.Node) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "memory":
		return broker.NewMemory(broker.MemoryConfig{
			NodeID:      n.ID(),
			DeliverSelf: cfg.Broker.DeliverSelf,
		}), nil
	case "redis":
		return broker.NewRedis(broker.RedisConfig{
			NodeID:            n.ID(),
			Prefix:            cfg.Broker.Prefix,
			Address:           cfg.Broker.Redis.Address,
			User:              cfg.Broker.Redis.User,
			Password:          cfg.Broker.Redis.Password,
			DB:                cfg.Broker.Redis.DB,
			ConnectTimeout:    cfg.Broker.Redis.ConnectTimeout,
			IOTimeout:         cfg.Broker.Redis.IOTimeout,
			DeliverSelf:       cfg.Broker.DeliverSelf,
			ControlBufferSize: cfg.Broker.ControlBufferSize,
		})
	case "nats":
		return broker.NewNats(broker.NatsConfig{
			NodeID:            n.ID(),
			URL:               cfg.Broker.Nats.URL,
			Prefix:            cfg.Broker.Prefix,
			DeliverSelf:       cfg.Broker.DeliverSelf,
			ControlBufferSize: cfg.Broker.ControlBufferSize,
		})
	default:
		return nil, errors.New("unknown broker type: " + cfg.Broker.Type)
	}
}

// criticalService turns a failure of its inner service into process
// exit. Transient conditions are retried inside the services
// themselves, so a Run error means broken configuration.
type criticalService struct {
	name string
	svc  service.Service
}

func (c *criticalService) Run(ctx context.Context) error {
	err := c.svc.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Str("service", c.name).Msg("critical service failed")
	}
	return err
}

// brokerStateExporter mirrors the bus connection state into the metrics
// gauge so degraded mode is visible to monitoring.
type brokerStateExporter struct {
	broker  broker.Broker
	metrics *metrics.Registry
}

func (e *brokerStateExporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.broker.State() == broker.StateConnected {
				e.metrics.BrokerState.Set(1)
			} else {
				e.metrics.BrokerState.Set(0)
			}
		}
	}
}

func runHTTPServer(n *node.Node, cfg config.Config, srv *server.Server, m *metrics.Registry) (*http.Server, error) {
	flags := HandlerPolling | HandlerWebsocket
	if cfg.Prometheus.Enabled {
		flags |= HandlerPrometheus
	}
	if cfg.Health.Enabled {
		flags |= HandlerHealth
	}

	mux := Mux(n, cfg, srv, m, flags)

	addr := net.JoinHostPort(cfg.HTTP.Address, strconv.Itoa(cfg.HTTP.Port))
	log.Info().Msgf("serving %s endpoints on %s", flags, addr)

	var tlsConfig *tls.Config
	if cfg.HTTP.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	server := &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsConfig,
		ErrorLog:  stdlog.New(&httpErrorLogWriter{Logger: log.Logger}, "", 0),
	}

	go func() {
		if tlsConfig != nil {
			if err := server.ListenAndServeTLS("", ""); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("error ListenAndServeTLS")
				}
			}
		} else {
			if err := server.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("error ListenAndServe")
				}
			}
		}
	}()

	return server, nil
}

type httpErrorLogWriter struct {
	zerolog.Logger
}

func (w *httpErrorLogWriter) Write(data []byte) (int, error) {
	w.Logger.Warn().Msg(strings.TrimSpace(string(data)))
	return len(data), nil
}

func handleSignals(
	cmd *cobra.Command, configFile string, cfg config.Config, n *node.Node,
	httpServer *http.Server, serviceManager *service.Manager, serviceCancel context.CancelFunc,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, os.Interrupt, syscall.SIGTERM)
	for {
		sig := <-sigCh
		log.Info().Msgf("signal received: %v", sig)
		switch sig {
		case syscall.SIGHUP:
			// Validate config on SIGHUP. Most options require a restart to
			// change, so reload is a best-effort check for now.
			log.Info().Msg("reloading configuration")
			newCfg, _, err := config.GetConfig(cmd, configFile)
			if err != nil {
				log.Err(err).Msg("error reading config")
				continue
			}
			if err = newCfg.Validate(); err != nil {
				log.Error().Msgf("error validating config: %v", err)
				continue
			}
			log.Info().Msg("configuration successfully reloaded")
		case syscall.SIGINT, os.Interrupt, syscall.SIGTERM:
			log.Info().Msg("shutting down ...")
			pidFile := cfg.PidFile
			go time.AfterFunc(cfg.Shutdown.Timeout, func() {
				tools.RemovePidFile(pidFile)
				log.Fatal().Msg("shutdown timeout reached")
			})

			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = httpServer.Shutdown(context.Background()) // We have a separate timeout goroutine.
			}()

			_ = n.Shutdown(context.Background())
			<-done

			serviceCancel()
			_ = serviceManager.Wait()

			tools.RemovePidFile(pidFile)
			os.Exit(0)
		}
	}
}
