package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// statusResponse is the operational snapshot served at /api/v1/status.
type statusResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Strategy      string   `json:"strategy"`
	DryRun        bool     `json:"dry_run"`
	PeriodicHours int      `json:"periodic_hours"`
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	Goroutines    int      `json:"goroutines"`

	LastRun *lastRunView `json:"last_run,omitempty"`
}

type lastRunView struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	IsDryRun  bool      `json:"is_dry_run"`
	Message   string    `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.Snapshot()

	response := statusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Strategy:      cfg.Strategy,
		DryRun:        cfg.DryRun,
		PeriodicHours: cfg.PeriodicHours,
		Goroutines:    runtime.NumGoroutine(),
	}

	// Host metrics are best effort; the status endpoint stays useful on
	// platforms gopsutil cannot read.
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		response.CPUPercent = &cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		response.MemoryPercent = &memStat.UsedPercent
	}

	latest, err := s.history.Latest(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read latest run for status")
	} else if latest != nil {
		response.LastRun = &lastRunView{
			RunID:     latest.RunID,
			Timestamp: latest.Timestamp,
			Status:    latest.Status,
			IsDryRun:  latest.IsDryRun,
			Message:   latest.SummaryMessage,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}
