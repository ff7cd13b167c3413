package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/notify"
	"github.com/nerrad567/gray-logic-sync/internal/scheduler"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	DB           *database.DB
	Integrations *integration.Registry
	Devices      *device.Registry
	Queue        *syncqueue.Dispatcher
	Conflicts    *conflict.Resolver
	Scheduler    *scheduler.Scheduler
	Adapters     *adapter.Set
	Receiver     *adapter.Receiver
	Activity     *activity.Repository
	Audit        audit.Repository // optional
	Notifier     *notify.Notifier // optional

	Hub     *Hub // If set, the server uses this hub instead of creating its own
	Version string
}

// Server is the HTTP API server for Gray Logic Sync.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg    config.APIConfig
	wsCfg  config.WebSocketConfig
	secCfg config.SecurityConfig
	logger *logging.Logger

	db           *database.DB
	integrations *integration.Registry
	devices      *device.Registry
	queue        *syncqueue.Dispatcher
	conflicts    *conflict.Resolver
	scheduler    *scheduler.Scheduler
	adapters     *adapter.Set
	receiver     *adapter.Receiver
	activity     *activity.Repository
	auditRepo    audit.Repository
	auditCh      chan *audit.AuditLog
	notifier     *notify.Notifier

	validate *validator.Validate
	tickets  *ticketStore
	version  string
	server   *http.Server
	hub      *Hub
	cancel   context.CancelFunc // cancels background goroutines on Close()

	startTime time.Time

	// Now is the clock used for tokens and tickets. Tests may replace it.
	Now func() time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Integrations == nil || deps.Devices == nil {
		return nil, fmt.Errorf("integration and device registries are required")
	}
	if deps.Queue == nil || deps.Scheduler == nil || deps.Conflicts == nil {
		return nil, fmt.Errorf("queue, scheduler and conflict resolver are required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		db:           deps.DB,
		integrations: deps.Integrations,
		devices:      deps.Devices,
		queue:        deps.Queue,
		conflicts:    deps.Conflicts,
		scheduler:    deps.Scheduler,
		adapters:     deps.Adapters,
		receiver:     deps.Receiver,
		activity:     deps.Activity,
		auditRepo:    deps.Audit,
		notifier:     deps.Notifier,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		tickets:      newTicketStore(),
		version:      deps.Version,
		hub:          deps.Hub,
		Now:          time.Now,
	}
	s.startTime = s.Now()
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
	}
	return s, nil
}

// Hub returns the WebSocket hub. It satisfies notify.Broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, the audit writer and the ticket cleanup,
// then launches the HTTP listener in a background goroutine. The server
// can be stopped with Close().
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)
	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}

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

// HealthCheck verifies the API server is running and its database answers.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	if s.db != nil {
		return s.db.HealthCheck(ctx)
	}
	return nil
}
