package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/proxy"
	"github.com/shizukutanaka/supervisor/internal/supervisor"
)

// Supervisor is the routing state the gateway reads and updates.
type Supervisor interface {
	NextWorker() (int, bool)
	Resolve(sessionID string) (int, bool)
	Bind(sessionID string, port int) bool
	Status() supervisor.Status
	WorkerAddr(port int) string
}

// Forwarder relays one request to a worker.
type Forwarder interface {
	Forward(ctx context.Context, method, target string, header http.Header, body []byte) *proxy.Response
}

// Server is the gateway's HTTP surface
type Server struct {
	logger  *zap.Logger
	config  Config
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	addr    net.Addr

	sup Supervisor
	fwd Forwarder
}

// Config defines gateway server configuration
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	AllowOrigins []string `yaml:"allow_origins"`
	// AllowCredentials echoes the origin with Allow-Credentials instead of
	// answering "*"
	AllowCredentials bool `yaml:"allow_credentials"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP; only enable it behind a proxy that overwrites them
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	// RateLimit is requests per second per client IP; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ListenAddr returns host:port for the listener.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewServer creates a new gateway server
func NewServer(config Config, logger *zap.Logger, sup Supervisor, fwd Forwarder) (*Server, error) {
	if sup == nil || fwd == nil {
		return nil, errors.New("gateway requires a supervisor and a forwarder")
	}

	server := &Server{
		logger: logger.Named("api"),
		config: config,
		sup:    sup,
		fwd:    fwd,
	}

	server.setupRoutes()
	return server, nil
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr(), err)
	}
	s.addr = ln.Addr()

	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.logger.Info("Starting gateway", zap.String("listen_addr", s.addr.String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown gracefully stops the gateway
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down gateway")
	return s.server.Shutdown(ctx)
}

// setupRoutes configures gateway routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter().SkipClean(true).UseEncodedPath()

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/sessions/start", s.handleSessionStart).Methods(http.MethodPost)

	// Everything else goes to a worker
	s.router.PathPrefix("/").HandlerFunc(s.handleForward).Methods(
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodPatch,
	)

	var h http.Handler = s.router
	if s.config.RateLimit > 0 {
		h = NewIPRateLimiter(s.config.RateLimit, s.config.RateBurst).Middleware(h, s.clientIP)
	}
	h = s.loggingMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.recoveryMiddleware(h)
	s.handler = h
}
