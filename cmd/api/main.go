package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/app"
	"reminderd/internal/config"
	"reminderd/internal/handlers"
	"reminderd/internal/storage"
)

func main() {
	zlog.InitConsole()

	cfg, err := config.Load(os.Getenv("REMINDERD_ENV_FILE"))
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := zlog.SetLevel(cfg.Env); err != nil {
		zlog.Logger.Warn().Err(err).Msg("unknown log level, keeping default")
	}

	application, err := app.New(cfg)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to bootstrap")
	}
	defer application.Close()

	handler := handlers.NewReminderHandler(application.Engine)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/reminders", handler.Routes)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/metrics", metricsHandler(application.Store))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		zlog.Logger.Info().Str("addr", cfg.HTTPAddr).Msg("API server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-stop
	zlog.Logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func metricsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "failed to get metrics", http.StatusInternalServerError)
			return
		}

		stats := map[string]int{
			"total":    0,
			"pending":  0,
			"sent":     0,
			"failed":   0,
			"canceled": 0,
		}
		for status, n := range counts {
			stats[string(status)] = n
			stats["total"] += n
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}
