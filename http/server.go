package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/config"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	websocketbridge "github.com/marvin-hansen/iggy-streaming-system-sub001/services/websocketBridge"
	slogctx "github.com/veqryn/slog-context"
)

const (
	// WebSocket keepalive
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	controlWait    = 5 * time.Second
	maxMessageSize = 64 * 1024
)

const version = "1.0.0"

type server struct {
	processor       services.EventProcessor
	wsBridgeFactory websocketbridge.Factory
	logger          *slog.Logger
	metricsRegistry services.MetricsRegistry
	httpServer      *http.Server
	healthServer    *http.Server
	config          *config.Config
	healthChecker   *HealthChecker
	shutdownWg      sync.WaitGroup
}

func New(
	processor services.EventProcessor,
	wsBridgeFactory websocketbridge.Factory,
	metricsRegistry services.MetricsRegistry,
	logger *slog.Logger,
	cfg *config.Config) *server {

	server := &server{
		processor:       processor,
		wsBridgeFactory: wsBridgeFactory,
		logger:          logger.With("component", "http"),
		metricsRegistry: metricsRegistry,
		config:          cfg,
		healthChecker:   NewHealthChecker(logger, version),
	}
	server.healthChecker.SetReadinessCheck(processor.Accepting)
	return server
}

// separateHealthPort reports whether probes and metrics get their own listener.
func (server *server) separateHealthPort() bool {
	h := server.config.Health
	return h.Enabled && h.Port != 0 && h.Port != server.config.Server.Port
}

func (server *server) registerHealth(mux *http.ServeMux) {
	mux.Handle("/metrics", server.metricsRegistry.GetHandler())
	if !server.config.Health.Enabled {
		return
	}
	mux.HandleFunc(server.config.Health.ReadinessPath, server.healthChecker.ReadinessHandler())
	mux.HandleFunc(server.config.Health.LivenessPath, server.healthChecker.LivenessHandler())
}

// Handler is the client facing mux. It also serves health checks and metrics
// unless those have a port of their own.
func (server *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeHTTP)
	if !server.separateHealthPort() {
		server.registerHealth(mux)
	}
	return mux
}

// HealthHandler serves probes and metrics.
func (server *server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	server.registerHealth(mux)
	return mux
}

func (server *server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", server.config.Server.Host, server.config.Server.Port)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if server.config.Server.TLS.Enabled {
		tlsConfig, err := server.loadTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		server.httpServer.TLSConfig = tlsConfig
		server.logger.Info("TLS enabled for HTTP server")
	}

	if server.separateHealthPort() {
		server.healthServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", server.config.Server.Host, server.config.Health.Port),
			Handler:           server.HealthHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		server.shutdownWg.Add(1)
		go func() {
			defer server.shutdownWg.Done()
			server.logger.Info("Starting health server", "address", server.healthServer.Addr)
			if err := server.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				server.logger.Error("health server error", "error", err)
				server.healthChecker.SetLive(false)
			}
		}()
	}

	server.healthChecker.SetReady(true)

	server.shutdownWg.Add(1)
	go func() {
		defer server.shutdownWg.Done()
		<-ctx.Done()
		server.logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout())
		defer cancel()
		server.closeListeners(shutdownCtx)
	}()

	server.logger.Info("Starting HTTP server", "address", addr, "tls", server.config.Server.TLS.Enabled)

	var err error
	if server.config.Server.TLS.Enabled {
		err = server.httpServer.ListenAndServeTLS(
			server.config.Server.TLS.CertFile,
			server.config.Server.TLS.KeyFile,
		)
	} else {
		err = server.httpServer.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func (server *server) closeListeners(ctx context.Context) {
	server.healthChecker.SetReady(false)
	if server.httpServer != nil {
		if err := server.httpServer.Shutdown(ctx); err != nil {
			server.logger.Error("HTTP server shutdown error", "error", err)
		}
	}
	if server.healthServer != nil {
		if err := server.healthServer.Shutdown(ctx); err != nil {
			server.logger.Error("health server shutdown error", "error", err)
		}
	}
}

// loadTLSConfig loads TLS configuration for the HTTP server
func (server *server) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(server.config.Server.TLS.CertFile, server.config.Server.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// Shutdown stops accepting connections and waits for the listeners to close.
// Client sessions are wound down by the event processor, not here.
func (server *server) Shutdown(ctx context.Context) error {
	server.logger.Info("Initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(ctx, server.config.ShutdownTimeout())
	defer cancel()
	server.closeListeners(shutdownCtx)

	done := make(chan struct{})
	go func() {
		server.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		server.logger.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		server.logger.Warn("Shutdown timeout exceeded, forcing shutdown")
		return shutdownCtx.Err()
	}
}

func (server *server) GetHealthChecker() *HealthChecker {
	return server.healthChecker
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (server *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !server.processor.Accepting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	server.metricsRegistry.IncWsConnectionCount()
	wsConnID := uuid.New().String()

	ctx, cancel := context.WithCancel(r.Context())
	ctx = slogctx.NewCtx(ctx, server.logger)
	defer func() {
		cancel()
		_ = conn.Close()
		server.metricsRegistry.DecWsConnectionCount()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(ctx, conn)

	server.wsBridgeFactory(wsConnID, conn).ProcessMessagesFromClient(ctx)
}

// keepAlive pings until ctx ends. WriteControl may run concurrently with the
// bridge's data writes.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		}
	}
}
