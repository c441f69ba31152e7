// Package server exposes the coordinator, recorder and player over HTTP and
// a WebSocket control channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iujab/vm-terminal-sub000/internal/events"
	"github.com/iujab/vm-terminal-sub000/internal/export"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

// Deps are the engines the server fronts.
type Deps struct {
	Coordinator *usecase.Coordinator
	Recorder    *usecase.Recorder
	Player      *usecase.Player
	Formats     *export.Registry
	Bus         *events.Bus
	Gatherer    prometheus.Gatherer // nil disables /metrics
	StartURL    func() string       // current page, used when startRecording omits one
}

// Server is the HTTP front end.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the router.
func New(deps Deps, logger *zap.Logger) *Server {
	if deps.Formats == nil {
		deps.Formats = export.NewRegistry()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/history", s.handleHistory)
		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Get("/{id}", s.handleGetRecording)
			r.Delete("/{id}", s.handleDeleteRecording)
			r.Get("/{id}/export", s.handleExportRecording)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
