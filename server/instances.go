package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/listing"
)

// createInstanceRequest is the POST /api/instances body.
type createInstanceRequest struct {
	Name          string                  `json:"name" validate:"required,instancename"`
	ProductName   string                  `json:"productName" validate:"required"`
	TemplateID    string                  `json:"templateId" validate:"required"`
	GPUNum        int                     `json:"gpuNum" validate:"omitempty,min=1,max=8"`
	RootfsSize    int                     `json:"rootfsSize" validate:"omitempty,min=20,max=1000"`
	Region        string                  `json:"region"`
	ImageURL      string                  `json:"imageUrl"`
	ImageAuthID   string                  `json:"imageAuthId"`
	Ports         []core.PortMapping      `json:"ports"`
	Envs          []core.EnvVar           `json:"envs"`
	BillingMethod string                  `json:"billingMethod"`
	WebhookURL    string                  `json:"webhookUrl" validate:"omitempty,url"`
	HealthCheck   *core.HealthCheckConfig `json:"healthCheckConfig"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}

	defaults := s.deps.Defaults
	inst := &core.Instance{
		Name:       req.Name,
		Status:     core.StatusCreating,
		TemplateID: req.TemplateID,
		WebhookURL: req.WebhookURL,
		Config: core.InstanceConfig{
			ProductName:   req.ProductName,
			GPUNum:        valueOr(req.GPUNum, defaults.GPUNum),
			RootfsSizeGB:  valueOr(req.RootfsSize, defaults.RootfsSizeGB),
			Region:        stringOr(req.Region, defaults.Region),
			ImageURL:      req.ImageURL,
			ImageAuthID:   req.ImageAuthID,
			Ports:         req.Ports,
			Envs:          req.Envs,
			BillingMethod: stringOr(req.BillingMethod, defaults.BillingMethod),
		},
	}
	if req.HealthCheck != nil {
		cfg := *req.HealthCheck
		cfg.Normalize()
		inst.HealthCheck = &core.HealthCheckState{Config: cfg}
	} else if s.deps.HealthCheck != (core.HealthCheckConfig{}) {
		cfg := s.deps.HealthCheck
		cfg.Normalize()
		inst.HealthCheck = &core.HealthCheckState{Config: cfg}
	}

	ctx := r.Context()
	created, err := s.deps.Store.Create(ctx, inst)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	maxWait := lifecycle.ClampMaxWait(s.deps.Startup.MaxWaitTime)
	if _, err := s.deps.Tracker.Begin(created.ID, maxWait); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := core.NewJob(core.JobCreateInstance, core.PriorityHigh, s.deps.Jobs.MaxAttempts, core.CreateInstancePayload{
		InstanceID: created.ID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sink.Enqueue(ctx, job); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.InfoWithContext(ctx, "Instance creation accepted", map[string]interface{}{
		"instance_id": created.ID,
		"name":        created.Name,
		"product":     req.ProductName,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"instanceId":         created.ID,
		"status":             string(core.StatusCreating),
		"message":            "Instance creation initiated successfully",
		"estimatedReadyTime": time.Now().UTC().Add(maxWait).Format(time.RFC3339),
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.listInstances(w, r, listing.Options{
		Source:            listing.Source(r.URL.Query().Get("source")),
		IncludeNovitaOnly: r.URL.Query().Get("includeNovitaOnly") == "true",
		SyncLocalState:    r.URL.Query().Get("syncLocalState") == "true",
	})
}

// handleComprehensive is the full merged view: provider-only records
// included, sync-back on by default.
func (s *Server) handleComprehensive(w http.ResponseWriter, r *http.Request) {
	sync := true
	if r.URL.Query().Get("syncLocalState") == "false" {
		sync = false
	}
	s.listInstances(w, r, listing.Options{
		IncludeNovitaOnly: true,
		SyncLocalState:    sync,
	})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request, opts listing.Options) {
	result, err := s.deps.Listing.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type startStopByNameRequest struct {
	Name string `json:"name" validate:"required,instancename"`
	// HealthCheck overrides the stored probe config for this start only.
	HealthCheck *core.HealthCheckConfig `json:"healthCheckConfig"`
}

func (s *Server) handleStartByID(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startInstance(w, r, inst, nil)
}

func (s *Server) handleStartByName(w http.ResponseWriter, r *http.Request) {
	var req startStopByNameRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}
	inst, err := s.deps.Store.GetByName(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startInstance(w, r, inst, req.HealthCheck)
}

// startInstance drives a user start of a stopped (or spot-exited) instance:
// provider start, local transition to starting, monitor job, 202.
func (s *Server) startInstance(w http.ResponseWriter, r *http.Request, inst *core.Instance, hc *core.HealthCheckConfig) {
	ctx := r.Context()
	if inst.ProviderID == "" {
		s.writeError(w, r, core.NewValidationError("instance has no provider instance to start", map[string]interface{}{
			"instanceId": inst.ID,
			"status":     string(inst.Status),
		}))
		return
	}
	switch inst.Status {
	case core.StatusStopped, core.StatusExited, core.StatusFailed:
	default:
		s.writeError(w, r, core.NewValidationError("instance is not in a startable state", map[string]interface{}{
			"instanceId": inst.ID,
			"status":     string(inst.Status),
		}))
		return
	}

	maxWait := lifecycle.ClampMaxWait(s.deps.Startup.MaxWaitTime)
	op, err := s.deps.Tracker.Begin(inst.ID, maxWait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.API.StartInstance(ctx, inst.ProviderID); err != nil {
		s.deps.Tracker.Fail(inst.ID, err.Error())
		s.writeError(w, r, err)
		return
	}

	if _, err := s.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		i.Status = core.StatusStarting
		return nil
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	payload := core.MonitorInstancePayload{
		InstanceID:    inst.ID,
		StartedAt:     time.Now().UTC(),
		MaxWaitTimeMs: int(maxWait / time.Millisecond),
		OperationID:   op.ID,
	}
	if hc != nil {
		cfg := *hc
		cfg.Normalize()
		payload.HealthCheck = &cfg
	} else if inst.HealthCheck != nil {
		cfg := inst.HealthCheck.Config
		payload.HealthCheck = &cfg
	}
	_, _ = s.deps.Tracker.Advance(inst.ID, lifecycle.PhaseInstanceStarting)

	job, err := core.NewJob(core.JobMonitorInstance, core.PriorityHigh, 5, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Sink.Enqueue(ctx, job); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.InfoWithContext(ctx, "Instance start accepted", map[string]interface{}{
		"instance_id": inst.ID,
		"provider_id": inst.ProviderID,
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"instanceId":  inst.ID,
		"status":      string(core.StatusStarting),
		"operationId": op.ID,
		"message":     "Instance start initiated",
	})
}

func (s *Server) handleStopByID(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stopInstance(w, r, inst)
}

func (s *Server) handleStopByName(w http.ResponseWriter, r *http.Request) {
	var req startStopByNameRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}
	inst, err := s.deps.Store.GetByName(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stopInstance(w, r, inst)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request, inst *core.Instance) {
	ctx := r.Context()
	switch inst.Status {
	case core.StatusRunning, core.StatusReady, core.StatusHealthChecking:
	case core.StatusStopping, core.StatusStopped:
		// Stop is idempotent.
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"instanceId": inst.ID,
			"status":     string(inst.Status),
			"message":    "Instance already stopping or stopped",
		})
		return
	default:
		s.writeError(w, r, core.NewValidationError("instance is not in a stoppable state", map[string]interface{}{
			"instanceId": inst.ID,
			"status":     string(inst.Status),
		}))
		return
	}

	if err := s.deps.API.StopInstance(ctx, inst.ProviderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		now := time.Now().UTC()
		i.Status = core.StatusStopping
		i.StoppingAt = &now
		return nil
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.InfoWithContext(ctx, "Instance stop accepted", map[string]interface{}{
		"instance_id": inst.ID,
		"provider_id": inst.ProviderID,
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"instanceId": inst.ID,
		"status":     string(core.StatusStopping),
		"message":    "Instance stop initiated",
	})
}

type lastUsedRequest struct {
	Timestamp *time.Time `json:"timestamp"`
}

func (s *Server) handleLastUsed(w http.ResponseWriter, r *http.Request) {
	var req lastUsedRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	when := time.Now().UTC()
	if req.Timestamp != nil {
		when = req.Timestamp.UTC()
	}
	inst, err := s.deps.Store.TouchLastUsed(r.Context(), chi.URLParam(r, "id"), when)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId": inst.ID,
		"lastUsedAt": inst.LastUsedAt,
	})
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
