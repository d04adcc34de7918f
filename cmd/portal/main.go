package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/meditrack/portal/internal/adapters/his"
	"github.com/meditrack/portal/internal/audit"
	bedapi "github.com/meditrack/portal/internal/bed/api"
	bedinfra "github.com/meditrack/portal/internal/bed/infrastructure"
	"github.com/meditrack/portal/internal/directory"
	"github.com/meditrack/portal/internal/lab"
	"github.com/meditrack/portal/internal/pharmacy"
	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/config"
	"github.com/meditrack/portal/internal/shared/database"
	"github.com/meditrack/portal/internal/shared/events"
	"github.com/meditrack/portal/internal/shared/logging"
	"github.com/meditrack/portal/internal/shared/metrics"
	secmiddleware "github.com/meditrack/portal/internal/shared/middleware"
	"github.com/rs/zerolog"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *database.DB
	Bus    *events.Bus
	HIS    *his.Adapter
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Server.Env)
	app := &App{Config: cfg, Log: log}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool, log); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Event bus is optional: the portal runs without streaming if KurrentDB
	// is unreachable.
	bus, err := events.NewBus(ctx, cfg.KurrentDB)
	if err != nil {
		log.Warn().Err(err).Msg("event bus unavailable, running without event streaming")
	} else {
		app.Bus = bus
		defer bus.Close()
		log.Info().Msg("event bus connected")
	}

	// The patient directory lives either in our own schema or in a legacy
	// HIS reached over SQL Server.
	var dir directory.Directory = directory.NewPostgresDirectory(db.Pool)
	if cfg.HIS.Enabled {
		adapter, err := his.New(ctx, cfg.HIS)
		if err != nil {
			log.Fatal().Err(err).Msg("legacy HIS connection failed")
		}
		app.HIS = adapter
		defer adapter.Close()
		dir = adapter
		log.Info().Msg("using legacy HIS patient directory")
	}

	auditRepo := audit.NewRepository(db.Pool)
	if err := auditRepo.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("audit trail initialization failed")
	}
	recorder := audit.NewRecorder(auditRepo, log)

	var publisher events.Publisher
	if app.Bus != nil {
		publisher = app.Bus
	}

	bedRepo := bedinfra.NewPostgresRepository(db.Pool)
	bedHandler := bedapi.NewHandler(bedRepo, dir, recorder, publisher)

	labRepo := lab.NewRepository(db.Pool)
	labHandler := lab.NewHandler(labRepo, dir, recorder, publisher)

	pharmacyRepo := pharmacy.NewRepository(db.Pool)
	pharmacyHandler := pharmacy.NewHandler(pharmacyRepo, recorder, publisher)

	auditHandler := audit.NewHandler(auditRepo)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.RateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))

		r.Mount("/beds", bedHandler.Routes())
		r.Mount("/admissions", bedHandler.AdmissionRoutes())
		r.Mount("/test-requests", labHandler.Routes(lab.KindTest))
		r.Mount("/imaging-requests", labHandler.Routes(lab.KindImaging))
		r.Mount("/prescription-lines", pharmacyHandler.LineRoutes())
		r.Mount("/inventory", pharmacyHandler.InventoryRoutes())
		r.Mount("/audit", auditHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	log.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Bool("events", app.Bus != nil).
		Bool("legacy_his", cfg.HIS.Enabled).
		Msg("clinical portal listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}

	<-done
	log.Info().Msg("server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "MediTrack Clinical Portal",
		"version": "0.3.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"server": "ready"}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["events"] = "not ready: " + err.Error()
			} else {
				checks["events"] = "ready"
			}
		} else {
			checks["events"] = "not configured"
		}

		if app.HIS != nil {
			if err := app.HIS.Health(r.Context()); err != nil {
				checks["his"] = "not ready: " + err.Error()
			} else {
				checks["his"] = "ready"
			}
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
