package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"
)

// RouteRegistrar defines the interface for components that register routes
// with the server's router.
type RouteRegistrar interface {
	// RegisterRoutes registers routes with the provided router
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// EnablePprof enables the pprof debugging API when true.
	EnablePprof bool

	// AllowedOrigins lists the origins allowed to read the API from a
	// browser. Empty disables CORS headers.
	AllowedOrigins []string

	// Ready reports whether the component behind the API accepts work. The
	// readiness check fails while it returns false, in addition to drains.
	Ready func() bool

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response.
	WriteTimeout time.Duration
}

// DefaultHTTPServerConfig returns a configuration listening on addr.
func DefaultHTTPServerConfig(addr string) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               addr,
		Log:                      slog.Default(),
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
	}
}

// BaseServer serves the status API of a macnet component: health checks,
// drain control and the routes of its registrars.
type BaseServer struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	handler http.Handler
	srv     *http.Server
	addr    atomic.String
}

// New creates a BaseServer whose router carries the routes of every
// registrar.
func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	srv := &BaseServer{
		cfg: cfg,
		log: cfg.Log,
	}

	srv.handler = srv.createRouter(routeRegistrars)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Server is ready by default
	srv.isReady.Store(true)

	return srv, nil
}

// createRouter creates and configures the HTTP router with middleware and standard endpoints.
func (srv *BaseServer) createRouter(routeRegistrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if len(srv.cfg.AllowedOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: srv.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, registrar := range routeRegistrars {
			registrar.RegisterRoutes(r)
		}
	})

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	return mux
}

// httpLogger is a middleware that logs HTTP requests using structured logging.
func (srv *BaseServer) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler returns the router, for embedding or tests.
func (srv *BaseServer) Handler() http.Handler { return srv.handler }

// Addr returns the bound address once the server runs, or the configured one.
func (srv *BaseServer) Addr() string {
	if addr := srv.addr.Load(); addr != "" {
		return addr
	}
	return srv.cfg.ListenAddr
}

// IsReady reports the readiness the /readyz endpoint serves.
func (srv *BaseServer) IsReady() bool {
	if !srv.isReady.Load() {
		return false
	}
	return srv.cfg.Ready == nil || srv.cfg.Ready()
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func (srv *BaseServer) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *BaseServer) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.IsReady() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

// handleDrain marks the server as not ready so load balancers stop routing
// to it before shutdown.
func (srv *BaseServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground binds the listen address and serves in a goroutine. Binding
// errors are returned; serving errors are logged.
func (srv *BaseServer) RunInBackground() error {
	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.addr.Store(ln.Addr().String())

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", ln.Addr().String())
		if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Shutdown marks the server not ready, waits the drain duration and then
// gracefully stops the HTTP server.
func (srv *BaseServer) Shutdown(ctx context.Context) error {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		select {
		case <-time.After(srv.cfg.DrainDuration):
		case <-ctx.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(shutdownCtx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
		return err
	}
	srv.log.Info("HTTP server gracefully stopped")
	return nil
}
