package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/analytics"
	"github.com/zuri-labs/zuri/internal/content"
	"github.com/zuri-labs/zuri/internal/fleet"
	"github.com/zuri-labs/zuri/internal/session"
)

// Deps are the components the server exposes.
type Deps struct {
	Fleet     *fleet.Service
	Sessions  *session.Mux
	Content   *content.Catalog
	Analytics *analytics.Recorder
}

// Server is the fleet HTTP server.
type Server struct {
	cfg       *Config
	log       zerolog.Logger
	fleet     *fleet.Service
	sessions  *session.Mux
	content   *content.Catalog
	analytics *analytics.Recorder
	router    *chi.Mux
	upgrader  websocket.Upgrader
	http      *http.Server
}

// New creates a server and its routes.
func New(cfg *Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		fleet:     deps.Fleet,
		sessions:  deps.Sessions,
		content:   deps.Content,
		analytics: deps.Analytics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v2", http.StatusFound)
	})
	r.Get("/health", s.handleHealth)

	r.Route("/api/v2", s.mountAPI)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deprecated)
		s.mountAPI(r)
	})

	if s.cfg.InternalKey != "" {
		r.Route("/internal", func(r chi.Router) {
			r.Use(s.requireInternalKey)
			r.Post("/devices/{deviceID}/factory-reset", s.handleFactoryReset)
		})
	}

	s.router = r
}

func (s *Server) mountAPI(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/devices", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/", s.handleListDevices)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/pair", s.handlePair)
			r.Patch("/wifi", s.handleWiFi)
			r.Post("/command", s.handleCommand)
			r.Get("/commands", s.handleListCommands)
			r.Post("/settings", s.handleSettings)
		})
	})
	r.Post("/commands/{commandID}/result", s.handleCommandResult)

	r.Post("/playback/play", s.handlePlay)
	r.Post("/playback/stop", s.handleStop)

	r.Get("/content/library", s.handleListContent)
	r.Post("/content/library", s.handleAddContent)
	r.Delete("/content/library/{contentID}", s.handleDeleteContent)

	r.Post("/analytics/usage", s.handleLogUsage)
	r.Get("/analytics/usage/{deviceID}", s.handleGetUsage)

	r.Get("/ws/device/{deviceID}", s.handleDeviceSocket)
	r.Get("/ws/mobile", s.handleObserverSocket)
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		ev := s.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// deprecated marks responses of the v1 alias.
func deprecated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Deprecation-Warning", "API v1 is deprecated, use /api/v2")
		next.ServeHTTP(w, r)
	})
}

// requireInternalKey guards operator-only routes.
func (s *Server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Key") != s.cfg.InternalKey {
			writeDetail(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts requests without an Origin header (devices) and,
// when allowed origins are configured, only those browsers.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("rejected WebSocket origin")
	return false
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting API server")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down API server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
