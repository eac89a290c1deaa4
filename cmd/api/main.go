package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/config"
	"github.com/you/reclaim/internal/events"
	"github.com/you/reclaim/internal/queue"
	"github.com/you/reclaim/internal/reaper"
	"github.com/you/reclaim/internal/reports"
	"github.com/you/reclaim/internal/storage"
	"github.com/you/reclaim/internal/syncer"
)

// envTokens is a placeholder TokenProvider; real deployments plug in the
// credential service.
type envTokens struct{}

func (envTokens) AccessToken(_ context.Context, tenantID string) (string, error) {
	if t := os.Getenv("REPORTS_TOKEN"); t != "" {
		return t, nil
	}
	return "", errors.Errorf("no report token configured for tenant %s", tenantID)
}

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	q := queue.New(rdb)
	bc := events.NewBroadcaster(rdb, logger)

	client := reports.NewClient(reports.ClientOptions{
		BaseURL:        cfg.ReportsBaseURL,
		Tokens:         envTokens{},
		MarketplaceIDs: cfg.MarketplaceIDs,
		Logger:         logger,
		PollCeiling:    cfg.ReportPollCeiling,
	})
	fetcher := syncer.NewReportFetcher(client, 0, logger)

	orch := syncer.New(store, q, fetcher, bc, logger, syncer.Options{
		DetectionQueue:        cfg.DetectionQueue,
		DetectionPollInterval: cfg.DetectionPollInterval,
		DetectionWaitCeiling:  cfg.DetectionWaitCeiling,
	})

	rp := reaper.New(bc, logger, reaper.Options{
		Interval:       cfg.ReaperInterval,
		StuckThreshold: cfg.StuckJobThreshold,
		AlertThreshold: cfg.QueueAlertThreshold,
		MaxAutoRetries: cfg.MaxAutoRetries,
	})
	rp.RegisterQueue(cfg.DetectionQueue, q)
	rp.Start(ctx)
	defer rp.Stop()

	rtr := chi.NewRouter()
	rtr.Post("/v1/tenants/{tenant}/syncs", func(w http.ResponseWriter, req *http.Request) {
		tenant := chi.URLParam(req, "tenant")
		jobID, err := orch.StartSync(req.Context(), tenant)
		if errors.Is(err, syncer.ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			logger.Error("start sync", zap.String("tenant_id", tenant), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "start sync failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	})

	rtr.Get("/v1/tenants/{tenant}/syncs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := orch.GetStatus(req.Context(), chi.URLParam(req, "tenant"), chi.URLParam(req, "id"))
		if errors.Is(err, syncer.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	rtr.Delete("/v1/tenants/{tenant}/syncs/{id}", func(w http.ResponseWriter, req *http.Request) {
		ok := orch.CancelSync(chi.URLParam(req, "tenant"), chi.URLParam(req, "id"))
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
	})

	rtr.Get("/v1/tenants/{tenant}/syncs", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		jobs, err := orch.GetHistory(req.Context(), chi.URLParam(req, "tenant"), limit, offset)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history lookup failed"})
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	// Server-sent events over the tenant's live progress channel.
	rtr.Get("/v1/tenants/{tenant}/events", func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		ch, unsubscribe := bc.Subscribe(chi.URLParam(req, "tenant"))
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher.Flush()

		for {
			select {
			case <-req.Context().Done():
				return
			case ev := <-ch:
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})

	srv := &http.Server{Addr: cfg.APIAddr, Handler: rtr}
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	_ = srv.Shutdown(context.Background())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
