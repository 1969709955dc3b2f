// Package api exposes the signaling and administration HTTP surface.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirepbx/wirepbx/internal/api/middleware"
	"github.com/wirepbx/wirepbx/internal/config"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/registry"
	"github.com/wirepbx/wirepbx/internal/signal"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	bridge   *signal.Bridge
	sessions *registry.Registry

	extensions database.ExtensionRepository
	queues     database.QueueRepository
	mailboxes  database.VoicemailBoxRepository
	menus      database.MenuRepository
	cdrs       database.CDRRepository
	admins     database.AdminUserRepository

	jwtSecret []byte
	registry  *prometheus.Registry
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	cfg *config.Config,
	bridge *signal.Bridge,
	sessions *registry.Registry,
	db *database.DB,
	jwtSecret []byte,
	promRegistry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		bridge:     bridge,
		sessions:   sessions,
		extensions: database.NewExtensionRepository(db),
		queues:     database.NewQueueRepository(db),
		mailboxes:  database.NewVoicemailBoxRepository(db),
		menus:      database.NewMenuRepository(db),
		cdrs:       database.NewCDRRepository(db),
		admins:     database.NewAdminUserRepository(db),
		jwtSecret:  jwtSecret,
		registry:   promRegistry,
		logger:     logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.CORS(s.cfg.CORSOriginList()))

	// Bursts are double the sustained rate so a page load's request fan-out
	// is not rejected.
	apiLimiter := middleware.NewIPRateLimiter(s.cfg.APIRateLimit, 2*s.cfg.APIRateLimit, s.logger)
	authLimiter := middleware.NewIPRateLimiter(s.cfg.AuthRateLimit, 2*s.cfg.AuthRateLimit, s.logger)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))

		// Signaling surface used by browser endpoints. Unauthenticated:
		// sessions are capability-addressed by their opaque ids.
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/offer", s.handleSubmitOffer)
				r.Post("/call", s.handlePlaceCall)
				r.Post("/candidates", s.handleICECandidate)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/hangup", s.handleHangup)
			})
		})

		// Administration authentication.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(authLimiter))
			r.Post("/setup", s.handleSetup)
			r.Post("/auth/login", s.handleLogin)
		})

		// Administration surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminAuth(s.jwtSecret))

			r.Route("/menus", func(r chi.Router) {
				r.Get("/", s.handleListMenus)
				r.Post("/", s.handleCreateMenu)
				r.Route("/{menuID}", func(r chi.Router) {
					r.Get("/", s.handleGetMenu)
					r.Put("/", s.handleRenameMenu)
					r.Delete("/", s.handleDeleteMenu)
					r.Get("/items", s.handleListItems)
					r.Post("/items", s.handleAddItem)
					r.Route("/items/{digit}", func(r chi.Router) {
						r.Put("/", s.handleUpdateItem)
						r.Delete("/", s.handleRemoveItem)
					})
				})
			})

			r.Get("/extensions", s.handleListExtensions)
			r.Post("/extensions", s.handleCreateExtension)
			r.Get("/queues", s.handleListQueues)
			r.Get("/voicemail-boxes", s.handleListMailboxes)
			r.Get("/cdrs", s.handleListCDRs)
			r.Get("/calls", s.handleActiveCalls)
		})
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
