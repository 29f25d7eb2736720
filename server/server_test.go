package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/autostop"
	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/listing"
	"github.com/gpufleet/gpufleet/migration"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
)

type fakeAPI struct {
	provider.API
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
	stopErr  error
}

func (f *fakeAPI) StartInstance(ctx context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) StopInstance(ctx context.Context, id string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ListAllInstances(ctx context.Context) ([]provider.Instance, error) {
	return nil, nil
}

type captureSink struct {
	mu   sync.Mutex
	jobs []*core.Job
}

func (c *captureSink) Enqueue(ctx context.Context, job *core.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureSink) byType(t core.JobType) []*core.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*core.Job
	for _, j := range c.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

type fakeAutoStop struct{ stats autostop.Stats }

func (f *fakeAutoStop) Stats() autostop.Stats { return f.stats }

type fakeMigration struct {
	stats   migration.Stats
	history []migration.Record
}

func (f *fakeMigration) Stats() migration.Stats { return f.stats }

func (f *fakeMigration) History(ctx context.Context, limit int) ([]migration.Record, error) {
	if limit > 0 && limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

type fixture struct {
	handler http.Handler
	store   *store.Store
	sink    *captureSink
	api     *fakeAPI
	tracker *lifecycle.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st, err := store.New(context.Background(), client, core.NewKeySpace("test"), nil)
	require.NoError(t, err)

	api := &fakeAPI{}
	sink := &captureSink{}
	tracker := lifecycle.NewTracker(10, nil)
	srv := New(Deps{
		Store:     st,
		Sink:      sink,
		Tracker:   tracker,
		Listing:   listing.NewService(st, api, nil),
		API:       api,
		AutoStop:  &fakeAutoStop{stats: autostop.Stats{Enabled: true, ThresholdMs: 1200000}},
		Migration: &fakeMigration{stats: migration.Stats{Enabled: true}, history: []migration.Record{{ProviderInstanceID: "prov-1", Success: true}}},
		Defaults:  core.InstanceDefaults{Region: "CN-HK-01", GPUNum: 1, RootfsSizeGB: 60, BillingMethod: "spot"},
		Startup:   core.StartupConfig{MaxWaitTime: 10 * time.Minute, PollInterval: 5 * time.Second},
		Jobs:      core.JobsConfig{MaxAttempts: 3},
		Version:   "test",
	})
	return &fixture{
		handler: srv.Router(core.HTTPConfig{}),
		store:   st,
		sink:    sink,
		api:     api,
		tracker: tracker,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decodeMap(t, rec)
	env, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	return env
}

func seedStopped(t *testing.T, f *fixture, name, providerID string) *core.Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.store.Create(ctx, &core.Instance{
		Name:   name,
		Status: core.StatusCreating,
		Config: core.InstanceConfig{GPUNum: 1, RootfsSizeGB: 60, Region: "CN-HK-01"},
	})
	require.NoError(t, err)
	for _, status := range []core.InstanceStatus{core.StatusStarting, core.StatusRunning, core.StatusStopping, core.StatusStopped} {
		inst, err = f.store.Update(ctx, inst.ID, func(i *core.Instance) error {
			if i.ProviderID == "" {
				i.ProviderID = providerID
			}
			i.Status = status
			return nil
		})
		require.NoError(t, err)
	}
	return inst
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCreateInstanceAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/instances", map[string]interface{}{
		"name":        "train-1",
		"productName": "RTX 4090",
		"templateId":  "tpl-7",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeMap(t, rec)
	assert.Equal(t, "creating", body["status"])
	assert.Equal(t, "Instance creation initiated successfully", body["message"])
	assert.NotEmpty(t, body["estimatedReadyTime"])
	id, _ := body["instanceId"].(string)
	require.NotEmpty(t, id)

	inst, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	// Defaults fill the omitted fields.
	assert.Equal(t, 1, inst.Config.GPUNum)
	assert.Equal(t, 60, inst.Config.RootfsSizeGB)
	assert.Equal(t, "CN-HK-01", inst.Config.Region)
	assert.Equal(t, "spot", inst.Config.BillingMethod)

	jobs := f.sink.byType(core.JobCreateInstance)
	require.Len(t, jobs, 1)
	var payload core.CreateInstancePayload
	require.NoError(t, jobs[0].DecodePayload(&payload))
	assert.Equal(t, id, payload.InstanceID)

	_, active := f.tracker.Active(id)
	assert.True(t, active)
}

func TestCreateInstanceValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/instances", map[string]interface{}{
		"name":        "bad name!",
		"productName": "RTX 4090",
		"templateId":  "tpl-7",
		"gpuNum":      9,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := envelope(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", env["code"])
	verrs, ok := env["validationErrors"].([]interface{})
	require.True(t, ok)
	assert.Len(t, verrs, 2)
}

func TestCreateInstanceDuplicateName(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"name":        "dupe",
		"productName": "RTX 4090",
		"templateId":  "tpl-7",
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/instances", body).Code)

	rec := f.do(t, http.MethodPost, "/api/instances", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NAME_CONFLICT", envelope(t, rec)["code"])
}

func TestGetInstanceNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/instances/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := envelope(t, rec)
	assert.Equal(t, "NOT_FOUND", env["code"])
	assert.NotEmpty(t, env["requestId"])
}

func TestStartStoppedInstance(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "starting", body["status"])
	assert.NotEmpty(t, body["operationId"])

	assert.Equal(t, []string{"prov-1"}, f.api.started)
	got, err := f.store.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStarting, got.Status)

	jobs := f.sink.byType(core.JobMonitorInstance)
	require.Len(t, jobs, 1)
	var payload core.MonitorInstancePayload
	require.NoError(t, jobs[0].DecodePayload(&payload))
	assert.Equal(t, inst.ID, payload.InstanceID)
	assert.Equal(t, body["operationId"], payload.OperationID)
}

func TestStartDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil).Code)

	// The instance is now starting, so the state gate rejects before the
	// tracker is consulted; roll it back to stopped to hit the tracker path.
	_, err := f.store.Update(context.Background(), inst.ID, func(i *core.Instance) error {
		i.Status = core.StatusExited
		return nil
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STARTUP_IN_PROGRESS", envelope(t, rec)["code"])
}

func TestStartRunningInstanceRejected(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")
	_, err := f.store.Update(context.Background(), inst.ID, func(i *core.Instance) error {
		i.Status = core.StatusStarting
		return nil
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envelope(t, rec)["code"])
}

func TestStartByName(t *testing.T) {
	f := newFixture(t)
	seedStopped(t, f, "named", "prov-9")

	rec := f.do(t, http.MethodPost, "/api/instances/start", map[string]interface{}{"name": "named"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"prov-9"}, f.api.started)
}

func TestStartRateLimitedSurfacesRetryAfter(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")
	f.api.startErr = core.NewRateLimitError("provider.StartInstance", 7*time.Second)

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	env := envelope(t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env["code"])
	assert.Equal(t, float64(7), env["retryAfter"])
}

func TestStopRunningInstance(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")
	_, err := f.store.Update(context.Background(), inst.ID, func(i *core.Instance) error {
		i.Status = core.StatusStarting
		return nil
	})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), inst.ID, func(i *core.Instance) error {
		i.Status = core.StatusRunning
		return nil
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"prov-1"}, f.api.stopped)

	got, err := f.store.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopping, got.Status)
	assert.NotNil(t, got.StoppingAt)
}

func TestStopAlreadyStoppedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, f.api.stopped)
}

func TestLastUsedMonotonic(t *testing.T) {
	f := newFixture(t)
	inst := seedStopped(t, f, "w1", "prov-1")

	later := time.Now().UTC().Add(time.Minute)
	rec := f.do(t, http.MethodPut, "/api/instances/"+inst.ID+"/last-used", map[string]interface{}{
		"timestamp": later.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	earlier := later.Add(-time.Hour)
	rec = f.do(t, http.MethodPut, "/api/instances/"+inst.ID+"/last-used", map[string]interface{}{
		"timestamp": earlier.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", envelope(t, rec)["code"])
}

func TestListInstances(t *testing.T) {
	f := newFixture(t)
	seedStopped(t, f, "w1", "prov-1")

	rec := f.do(t, http.MethodGet, "/api/instances?source=local", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	records, ok := body["instances"].([]interface{})
	require.True(t, ok, rec.Body.String())
	assert.Len(t, records, 1)
	assert.Contains(t, body, "performance")
}

func TestAutoStopEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/instances/auto-stop/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["enabled"])

	rec = f.do(t, http.MethodPost, "/api/instances/auto-stop/trigger", map[string]interface{}{"dryRun": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobs := f.sink.byType(core.JobAutoStopCheck)
	require.Len(t, jobs, 1)
	var payload core.AutoStopCheckPayload
	require.NoError(t, jobs[0].DecodePayload(&payload))
	assert.True(t, payload.DryRun)
	assert.Equal(t, "manual", payload.TriggeredBy)
}

func TestAutoStopTriggerDefaultsToDryRun(t *testing.T) {
	f := newFixture(t)

	// No body at all: the scan must stay a preview.
	rec := f.do(t, http.MethodPost, "/api/instances/auto-stop/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeMap(t, rec)["dryRun"])

	// A body without the dryRun field behaves the same way.
	rec = f.do(t, http.MethodPost, "/api/instances/auto-stop/trigger", map[string]interface{}{})
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobs := f.sink.byType(core.JobAutoStopCheck)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		var payload core.AutoStopCheckPayload
		require.NoError(t, job.DecodePayload(&payload))
		assert.True(t, payload.DryRun, "implicit trigger must not stop instances")
	}

	// Stopping for real requires saying so.
	rec = f.do(t, http.MethodPost, "/api/instances/auto-stop/trigger", map[string]interface{}{"dryRun": false})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobs = f.sink.byType(core.JobAutoStopCheck)
	require.Len(t, jobs, 3)
	var payload core.AutoStopCheckPayload
	require.NoError(t, jobs[2].DecodePayload(&payload))
	assert.False(t, payload.DryRun)
}

func TestMigrationEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/migration/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["enabled"])

	rec = f.do(t, http.MethodPost, "/api/migration/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.sink.byType(core.JobMigrateSpot), 1)

	rec = f.do(t, http.MethodGet, "/api/migration/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = f.do(t, http.MethodGet, "/api/migration/history?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductionSanitizes5xx(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st, err := store.New(context.Background(), client, core.NewKeySpace("test"), nil)
	require.NoError(t, err)
	api := &fakeAPI{startErr: fmt.Errorf("redis pool exhausted at 10.0.0.3")}
	srv := New(Deps{
		Store:      st,
		Sink:       &captureSink{},
		Tracker:    lifecycle.NewTracker(10, nil),
		Listing:    listing.NewService(st, api, nil),
		API:        api,
		AutoStop:   &fakeAutoStop{},
		Migration:  &fakeMigration{},
		Startup:    core.StartupConfig{MaxWaitTime: 10 * time.Minute},
		Jobs:       core.JobsConfig{MaxAttempts: 3},
		Production: true,
	})
	handler := srv.Router(core.HTTPConfig{})
	f := &fixture{handler: handler, store: st, sink: &captureSink{}, api: api}
	inst := seedStopped(t, f, "w1", "prov-1")

	rec := f.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/start", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := envelope(t, rec)
	assert.Equal(t, "Internal server error", env["message"])
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}
