// Package server assembles the HTTP surface: chi router, huma API, the image
// handlers and the event WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"imagesearch/internal/handlers"
	"imagesearch/internal/middleware"
	"imagesearch/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Handlers *handlers.Handlers
	Hub      *ws.Hub
	Logger   *slog.Logger
}

type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	logger *slog.Logger
}

// New builds the router. Handlers is required; Hub is optional and mounts
// GET /ws when set.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Handlers == nil {
		return nil, fmt.Errorf("handlers are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Cors(cfg.CORSOrigins))

	humaConfig := huma.DefaultConfig("Image Search", "1.0.0")
	humaConfig.Info.Description = "Local image library with text-to-image search"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: HealthBody{Status: "ok"}}, nil
	})

	cfg.Handlers.Register(r, api)
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.ServeHTTP)
	}

	return &Server{
		router: r,
		api:    api,
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) API() huma.API {
	return s.api
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

type HealthResponse struct {
	Body HealthBody
}
