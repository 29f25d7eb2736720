package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/gpufleet/gpufleet/core"
)

func testStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(context.Background(), client, core.NewKeySpace("test"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, client
}

func newInstance(name string) *core.Instance {
	return &core.Instance{
		Name:       name,
		Status:     core.StatusCreating,
		TemplateID: "pytorch",
		Config: core.InstanceConfig{
			GPUNum:       1,
			RootfsSizeGB: 60,
			Region:       "CN-HK-01",
		},
	}
}

func TestCreateAssignsIDAndReservesName(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, newInstance("alpha"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("ID not assigned")
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	got, err := s.GetByName(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetByName ID = %s, want %s", got.ID, created.ID)
	}
}

func TestCreateNameConflict(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, newInstance("beta")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, newInstance("beta"))
	if core.KindOf(err) != core.KindNameConflict {
		t.Fatalf("duplicate name: kind = %s, want %s", core.KindOf(err), core.KindNameConflict)
	}
}

func TestConcurrentCreateSameNameExactlyOneWins(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, newInstance("gamma"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case core.KindOf(err) == core.KindNameConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != attempts-1 {
		t.Fatalf("ok = %d, conflicts = %d; want exactly one winner", ok, conflicts)
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	s, _ := testStore(t)
	for _, name := range []string{"", "has space", "bad/slash", string(make([]byte, 101))} {
		if _, err := s.Create(context.Background(), newInstance(name)); core.KindOf(err) != core.KindValidation {
			t.Errorf("name %q: kind = %s, want validation error", name, core.KindOf(err))
		}
	}
}

func TestUpdateSetsProviderIDOnce(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, newInstance("delta"))

	_, err := s.Update(ctx, created.ID, func(inst *core.Instance) error {
		inst.ProviderID = "prov-1"
		inst.Status = core.StatusStarting
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.GetByProviderID(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetByProviderID: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("provider index resolves to %s, want %s", got.ID, created.ID)
	}

	// Rewriting the provider ID must fail.
	_, err = s.Update(ctx, created.ID, func(inst *core.Instance) error {
		inst.ProviderID = "prov-2"
		return nil
	})
	if core.KindOf(err) != core.KindValidation {
		t.Fatalf("provider ID rewrite: kind = %s, want validation error", core.KindOf(err))
	}
}

func TestUpdateConfigImmutable(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, newInstance("epsilon"))
	updated, err := s.Update(ctx, created.ID, func(inst *core.Instance) error {
		inst.Config.GPUNum = 8
		inst.Config.Region = "EU-01"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Config.GPUNum != 1 || updated.Config.Region != "CN-HK-01" {
		t.Errorf("config mutated: %+v", updated.Config)
	}
}

func TestTerminatedReleasesName(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, newInstance("zeta"))
	mutations := []core.InstanceStatus{
		core.StatusStarting, core.StatusRunning, core.StatusStopping,
		core.StatusStopped, core.StatusTerminated,
	}
	for _, status := range mutations {
		target := status
		if _, err := s.Update(ctx, created.ID, func(inst *core.Instance) error {
			inst.Status = target
			return nil
		}); err != nil {
			t.Fatalf("Update to %s: %v", target, err)
		}
	}

	// The name is reusable after termination.
	if _, err := s.Create(ctx, newInstance("zeta")); err != nil {
		t.Fatalf("reuse of terminated name: %v", err)
	}
}

func TestTouchLastUsedMonotonic(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, newInstance("eta"))
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.TouchLastUsed(ctx, created.ID, now); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}

	_, err := s.TouchLastUsed(ctx, created.ID, now.Add(-time.Minute))
	if core.KindOf(err) != core.KindValidation {
		t.Fatalf("regression: kind = %s, want validation error", core.KindOf(err))
	}

	// The stored value is unchanged after the rejected touch.
	got, _ := s.Get(ctx, created.ID)
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Errorf("lastUsed = %v, want %v", got.LastUsedAt, now)
	}

	later := now.Add(time.Minute)
	if _, err := s.TouchLastUsed(ctx, created.ID, later); err != nil {
		t.Fatalf("forward touch: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, newInstance("running-hk"))
	_, _ = s.Update(ctx, a.ID, func(i *core.Instance) error {
		i.Status = core.StatusStarting
		return nil
	})
	_, _ = s.Update(ctx, a.ID, func(i *core.Instance) error {
		i.Status = core.StatusRunning
		return nil
	})

	b := newInstance("creating-eu")
	b.Config.Region = "EU-01"
	_, _ = s.Create(ctx, b)

	running, err := s.List(ctx, Filter{Statuses: []core.InstanceStatus{core.StatusRunning, core.StatusReady}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 || running[0].Name != "running-hk" {
		t.Fatalf("running filter = %v", names(running))
	}

	eu, _ := s.List(ctx, Filter{Region: "EU-01"})
	if len(eu) != 1 || eu[0].Name != "creating-eu" {
		t.Fatalf("region filter = %v", names(eu))
	}

	all, _ := s.List(ctx, Filter{})
	if len(all) != 2 {
		t.Fatalf("unfiltered = %d, want 2", len(all))
	}
}

func TestIndicesRebuiltOnStartup(t *testing.T) {
	s, client := testStore(t)
	ctx := context.Background()

	created, _ := s.Create(ctx, newInstance("theta"))
	_, _ = s.Update(ctx, created.ID, func(inst *core.Instance) error {
		inst.ProviderID = "prov-9"
		return nil
	})

	// A fresh store over the same Redis must resolve both indices.
	s2, err := New(ctx, client, core.NewKeySpace("test"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, err := s2.GetByName(ctx, "theta"); err != nil || got.ID != created.ID {
		t.Errorf("GetByName after rebuild = (%v, %v)", got, err)
	}
	if got, err := s2.GetByProviderID(ctx, "prov-9"); err != nil || got.ID != created.ID {
		t.Errorf("GetByProviderID after rebuild = (%v, %v)", got, err)
	}
}

func TestChangeEventsPublished(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	events := s.Subscribe()
	created, _ := s.Create(ctx, newInstance("iota"))

	select {
	case ev := <-events:
		if ev.InstanceID != created.ID || ev.Status != core.StatusCreating {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no create event")
	}

	_, _ = s.Update(ctx, created.ID, func(inst *core.Instance) error {
		inst.Status = core.StatusStarting
		return nil
	})
	select {
	case ev := <-events:
		if ev.Status != core.StatusStarting {
			t.Errorf("event status = %s", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no update event")
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	inst := newInstance("kappa")
	inst.Config.Ports = []core.PortMapping{{Port: 8888, Type: "http"}}
	inst.Config.Envs = []core.EnvVar{{Key: "MODEL", Value: "llama"}}
	inst.WebhookURL = "https://hooks.example.com/x"

	created, _ := s.Create(ctx, inst)
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Config.Ports[0] != inst.Config.Ports[0] {
		t.Errorf("ports = %v", got.Config.Ports)
	}
	if got.Config.Envs[0] != inst.Config.Envs[0] {
		t.Errorf("envs = %v", got.Config.Envs)
	}
	if got.WebhookURL != inst.WebhookURL {
		t.Errorf("webhookURL = %s", got.WebhookURL)
	}
}

func names(instances []*core.Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.Name
	}
	return out
}
