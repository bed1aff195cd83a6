package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/monitoring"
	"github.com/WesGarrett/Medallion-Warehouse/internal/pipeline"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve batch status, quarantine reports and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		p, err := newPipeline(wh)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		mon := cfg.Monitoring
		collector := monitoring.NewCollector(wh, mon.StaleAfter())
		if mon.Enabled {
			go monitoring.NewChecker(collector, monitoring.NewAlerter(mon), mon).Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(ctx, wh, p, collector, mon.LookbackWindowHours, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("backend", wh.Backend()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter wires the HTTP API. Batch loads run synchronously on a
// context derived from ctx, so server shutdown cancels them.
func buildRouter(ctx context.Context, wh warehouse.Warehouse, p *pipeline.Pipeline, collector *monitoring.Collector, lookbackHours int, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := wh.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": wh.Backend()})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		hours := lookbackHours
		if s := req.URL.Query().Get("hours"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "hours must be a positive integer")
				return
			}
			hours = n
		}
		snap, err := collector.Collect(req.Context(), hours)
		if err != nil {
			zap.L().Error("collect status", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to collect status")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/batches", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if s := req.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		runs, err := wh.Runs(req.Context(), req.URL.Query().Get("batch_id"), limit)
		if err != nil {
			zap.L().Error("list batch runs", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list batch runs")
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/batches/{id}/rejections", func(w http.ResponseWriter, req *http.Request) {
		rejections, err := wh.Rejections(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			zap.L().Error("list rejections", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list rejections")
			return
		}
		writeJSON(w, http.StatusOK, rejections)
	})

	r.Post("/batches/{id}/load", func(w http.ResponseWriter, req *http.Request) {
		batchID := chi.URLParam(req, "id")
		res, err := p.LoadBatch(ctx, batchID)
		if err != nil {
			zap.L().Error("batch load failed", zap.String("batch_id", batchID), zap.Error(err))
			if res == nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
