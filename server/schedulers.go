package server

import (
	"net/http"
	"strconv"

	"github.com/gpufleet/gpufleet/core"
)

// triggerRequest distinguishes an explicit dryRun from an absent one, so
// each trigger can choose its own default.
type triggerRequest struct {
	DryRun *bool `json:"dryRun"`
}

func (r triggerRequest) dryRun(def bool) bool {
	if r.DryRun == nil {
		return def
	}
	return *r.DryRun
}

func (s *Server) handleAutoStopStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.AutoStop.Stats())
}

// handleAutoStopTrigger enqueues one manual auto-stop scan. Without an
// explicit dryRun the scan only reports candidates; stopping instances
// requires opting in with dryRun=false.
func (s *Server) handleAutoStopTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	dryRun := req.dryRun(true)
	job, err := core.NewJob(core.JobAutoStopCheck, core.PriorityHigh, 1, core.AutoStopCheckPayload{
		DryRun:      dryRun,
		TriggeredBy: "manual",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sink.Enqueue(r.Context(), job); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Auto-stop check triggered",
		"dryRun":  dryRun,
		"jobId":   job.ID,
	})
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Migration.Stats())
}

// handleMigrationTrigger enqueues one manual migration sweep.
func (s *Server) handleMigrationTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	dryRun := req.dryRun(false)
	job, err := core.NewJob(core.JobMigrateSpot, core.PriorityHigh, 1, core.MigrateSpotPayload{
		DryRun:      dryRun,
		TriggeredBy: "manual",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sink.Enqueue(r.Context(), job); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Migration sweep triggered",
		"dryRun":  dryRun,
		"jobId":   job.ID,
	})
}

func (s *Server) handleMigrationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, core.NewValidationError("limit must be a positive integer", map[string]interface{}{
				"limit": raw,
			}))
			return
		}
		limit = n
	}
	history, err := s.deps.Migration.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}
