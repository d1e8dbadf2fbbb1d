package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/events"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB        *database.DB
	Ledger    *ledger.Ledger
	Jobs      *jobs.Service
	Blobs     storage.BlobStore
	Pool      *transcribe.WorkerPool
	Sweeper   SweepRunner
	Subs      Subscriptions
	Events    *events.Publisher
	Version   string
	StartTime time.Time
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated surface
	health := NewHealthHandler(deps.DB, deps.Events, deps.Pool, deps.Version, deps.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	uploads := NewUploadHandler(deps.Jobs, deps.Ledger, deps.Blobs, deps.Subs, deps.Pool, cfg.MaxUploadBytes, log)
	transcriptions := NewTranscriptionsHandler(deps.Jobs, deps.Blobs, log)
	credits := NewCreditsHandler(deps.Ledger, log)
	sweep := NewSweepHandler(deps.Sweeper, log)

	// User routes: identity from the auth proxy, service token on top.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Use(RequireUser)

		r.Route("/api/v1/transcriptions", func(r chi.Router) {
			r.Post("/", uploads.Upload)
			transcriptions.Routes(r)
		})
		r.Route("/api/v1/credits", credits.Routes)
	})

	// Internal routes: shared secret, no user identity.
	r.Group(func(r chi.Router) {
		r.Use(SecretAuth(cfg.SweepSecret))

		r.Post("/api/v1/internal/retention-sweep", sweep.Run)
		r.Post("/api/v1/internal/credits/grant", credits.Grant)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
