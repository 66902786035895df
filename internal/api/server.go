package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RuleEngine is the part of the automation engine served over HTTP.
// *automation.Engine satisfies it.
type RuleEngine interface {
	RuleSets() []string
	ListRules() []automation.RuleInfo
	Rule(uid string) (automation.RuleInfo, error)
	RunRule(ctx context.Context, uid string) (string, error)
	SetEnabled(uid string, enabled bool) error
	Firings(ctx context.Context, uid string, limit int) ([]automation.Firing, error)
	Timers() []timer.Info
	CancelTimer(id string) bool
}

// ItemService reads items and routes commands and updates through the
// automation platform, so rules see them. *platform.Platform satisfies it.
type ItemService interface {
	ListItems() []item.Item
	GetItem(name string) (*item.Item, error)
	SendCommand(ctx context.Context, name string, value item.State) error
	PostUpdate(ctx context.Context, name string, value item.State) error
}

// BusStatus reports message bus connectivity. *mqtt.Client satisfies it.
type BusStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Metrics     config.MetricsConfig
	Logger      *logging.Logger
	Engine      RuleEngine
	Items       ItemService
	Bus         BusStatus           // optional, reported by /metrics JSON
	Gatherer    prometheus.Gatherer // optional, defaults to prometheus.DefaultGatherer
	ExternalHub *Hub                // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for the rule engine.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	metricsCfg config.MetricsConfig
	logger     *logging.Logger
	engine     RuleEngine
	items      ItemService
	bus        BusStatus
	gatherer   prometheus.Gatherer
	version    string
	startTime  time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool // true if hub was injected externally
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("rule engine is required")
	}
	if deps.Items == nil {
		return nil, fmt.Errorf("item service is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		metricsCfg: deps.Metrics,
		logger:     deps.Logger,
		engine:     deps.Engine,
		items:      deps.Items,
		bus:        deps.Bus,
		gatherer:   deps.Gatherer,
		version:    deps.Version,
		startTime:  time.Now(),
		tickets:    newTicketStore(),
	}

	// The engine and platform broadcast through the same hub, so main
	// creates it before either of them.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Hub returns the WebSocket hub, or nil before Start when none was injected.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and the ticket cleanup
// loop, and launches the HTTP listener in a background goroutine. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
