package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/scheduler"
)

// JobSource reports scheduler job state.
type JobSource interface {
	Status() []scheduler.JobStatus
}

// MarketCounter counts markets per status.
type MarketCounter interface {
	CountByStatus(ctx context.Context) (map[domain.MarketStatus]int64, error)
}

// StatusHandler serves the operator status page.
type StatusHandler struct {
	jobs    JobSource
	markets MarketCounter
	version string
	started time.Time
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. markets may be nil.
func NewStatusHandler(jobs JobSource, markets MarketCounter, version string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		jobs:    jobs,
		markets: markets,
		version: version,
		started: time.Now().UTC(),
		logger:  logger,
	}
}

type jobView struct {
	Name         string `json:"name"`
	Interval     string `json:"interval"`
	Critical     bool   `json:"critical"`
	Running      bool   `json:"running"`
	Runs         int64  `json:"runs"`
	Failures     int64  `json:"failures"`
	Skips        int64  `json:"skips"`
	LastStart    string `json:"last_start,omitempty"`
	LastDuration string `json:"last_duration,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// GetStatus reports per-job run state and market counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var jobs []jobView
	for _, st := range h.jobs.Status() {
		v := jobView{
			Name: st.Name, Interval: st.Interval.String(), Critical: st.Critical, Running: st.Running,
			Runs: st.Runs, Failures: st.Failures, Skips: st.Skips, LastError: st.LastError,
		}
		if !st.LastStart.IsZero() {
			v.LastStart = st.LastStart.Format(time.RFC3339)
			v.LastDuration = st.LastDuration.String()
		}
		jobs = append(jobs, v)
	}

	body := map[string]any{
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"jobs":    jobs,
	}
	if h.markets != nil {
		counts, err := h.markets.CountByStatus(r.Context())
		if err != nil {
			h.logger.Warn("count markets", slog.String("error", err.Error()))
			body["markets_error"] = err.Error()
		} else {
			body["markets"] = counts
		}
	}
	writeJSON(w, http.StatusOK, body)
}
