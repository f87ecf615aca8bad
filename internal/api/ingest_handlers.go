package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/httputil"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/scheduler"
)

// ListIngestLogs returns the most recent ingest runs, newest first.
//
//	GET /api/ingest/logs?account=&limit=
func (h *Handlers) ListIngestLogs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Logs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "ingest log store is not configured")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if limit < 1 || limit > 500 {
		httputil.FromError(w, &domain.ConfigError{Field: "limit", Reason: "must be between 1 and 500"})
		return
	}
	logs, err := h.deps.Logs.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("account")), int(limit))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.IngestLog{}
	}
	httputil.OK(w, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// JobRunner exposes the scheduler to the API.
type JobRunner interface {
	Jobs() map[string]time.Time
	Trigger(ctx context.Context, job string) error
}

type jobInfo struct {
	Job     string    `json:"job"`
	NextRun time.Time `json:"next_run"`
}

// ListJobs returns the scheduled jobs and their next trigger.
//
//	GET /api/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "scheduler is not running")
		return
	}
	jobs := []jobInfo{}
	for job, next := range h.deps.Jobs.Jobs() {
		jobs = append(jobs, jobInfo{Job: job, NextRun: next})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Job < jobs[j].Job })
	httputil.OK(w, map[string]interface{}{"jobs": jobs})
}

// RunJob starts one job in the background, outside its schedule.
//
//	POST /api/jobs/{job}/run
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "scheduler is not running")
		return
	}
	job := chi.URLParam(r, "job")
	if _, known := h.deps.Jobs.Jobs()[job]; !known {
		httputil.Error(w, http.StatusNotFound, "unknown_job", "unknown or disabled job "+job)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		err := h.deps.Jobs.Trigger(ctx, job)
		switch {
		case errors.Is(err, scheduler.ErrJobRunning):
			logger.Info("manual job run skipped, already running", "job", job)
		case err != nil:
			logger.Error("manual job run failed", "job", job, "error", err)
		}
	}()
	httputil.Accepted(w, map[string]string{"job": job, "status": "started"})
}
