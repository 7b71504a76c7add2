// Package api is the HTTP surface of the SOAR core.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentinelsoc/soar/internal/auth"
	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/incident"
	"github.com/sentinelsoc/soar/internal/notify"
	"github.com/sentinelsoc/soar/internal/plans"
	"github.com/sentinelsoc/soar/internal/policy"
	"github.com/sentinelsoc/soar/internal/registry"
	"github.com/sentinelsoc/soar/internal/reputation"
	"github.com/sentinelsoc/soar/internal/response"
	"github.com/sentinelsoc/soar/internal/risk"
	"github.com/sentinelsoc/soar/internal/scheduler"
	"github.com/sentinelsoc/soar/internal/signals"
	"github.com/sentinelsoc/soar/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	registry   *registry.Registry
	collector  *signals.Collector
	scorer     *risk.Scorer
	policy     *policy.Engine
	responses  *response.Service
	incidents  *incident.Service
	reputation *reputation.Service
	plans      *plans.Service
	notifier   *notify.Service
	scheduler  *scheduler.Scheduler
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry, err = registry.New(registry.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing target registry: %w", err)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.reputation = reputation.NewService(st, s.logger)

	enricher, err := signals.NewGeoEnricher(cfg.GeoIP.CountryDBPath, cfg.GeoIP.AnonymousDBPath)
	if err != nil {
		s.logger.Warn("geoip databases unavailable, geo signal disabled", "error", err)
	}

	var oracle signals.Oracle
	if cfg.ML.OracleURL != "" {
		oracle = signals.NewHTTPOracle(cfg.ML.OracleURL, cfg.ML.Timeout)
	}
	s.collector = signals.NewCollector(st, s.reputation, oracle, enricher, s.logger)

	s.scorer = risk.NewScorer(cfg.Soar.Weights, cfg.Soar.RiskLevels)
	s.policy = policy.NewEngine(cfg.Soar)
	s.responses = response.NewService(st, s.registry, cfg.Soar.RateLimitPerMinute, s.logger)

	s.notifier = notify.NewService(cfg.Notifications, s.logger)
	s.plans = plans.NewService(st, s.logger)
	dispatcher := notify.NewPlanDispatcher(cfg.Notifications.PlanService, s.plans, s.notifier, s.logger)
	s.incidents = incident.NewService(st, cfg.Incidents, dispatcher, s.logger)

	s.scheduler = scheduler.New(s.logger)
	s.scheduler.Register("mitigation-sweep", cfg.Soar.SweepInterval, s.responses.SweepExpired)
	s.scheduler.Register("incident-auto-resolve", cfg.Incidents.AutoResolveAfter/4, s.incidents.AutoResolve)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		// WAF collaborators post requests with their own credentials.
		r.Post("/ingest", s.ingestRequest)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/assess", func(r chi.Router) {
				r.Post("/", s.assessRequest)
				r.Get("/{assessmentID}", s.getAssessment)
			})
			r.Get("/assessments", s.listAssessments)

			r.Route("/actions", func(r chi.Router) {
				r.Get("/", s.listActions)
				r.Get("/{actionID}", s.getAction)
				r.Post("/{actionID}/execute", s.executeAction)
				r.Post("/{actionID}/rollback", s.rollbackAction)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst))
					r.Post("/{actionID}/validate", s.validateAction)
					r.Post("/manual", s.manualAction)
				})
			})
			r.Get("/blocked", s.listBlocked)

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", s.listIncidents)
				r.Get("/{incidentID}", s.getIncident)
				r.Get("/{incidentID}/plan", s.getIncidentPlan)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst))
					r.Patch("/{incidentID}/status", s.updateIncidentStatus)
				})
			})

			r.Route("/plans", func(r chi.Router) {
				r.Get("/", s.listPlans)
				r.Post("/preview", s.previewPlan)
			})

			r.Route("/reputation", func(r chi.Router) {
				r.Get("/worst", s.listWorstReputation)
				r.Get("/{ip}", s.getReputation)
			})

			r.Get("/stats/realtime", s.realtimeStats)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) Close() {
	s.store.Close()
	s.registry.Close()
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
