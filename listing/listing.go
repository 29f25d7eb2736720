// Package listing fuses the local instance store with the provider's view.
//
// Purpose:
//   - One merged snapshot answers "what exists" across both sides: records
//     only we know, records only the provider knows, and merged pairs
//   - Each record carries a consistency verdict so operators can spot
//     drift, and an optional sync pass writes provider-side truth back
//     into the local store under monotonicity rules
//
// Scope:
//   - Read-side fusion and the bounded sync-back only; all other mutations
//     go through the workers
package listing

import (
	"context"
	"time"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/provider"
	"github.com/gpufleet/gpufleet/store"
)

// Source says which side contributed a record.
type Source string

const (
	SourceLocal  Source = "local"
	SourceNovita Source = "novita"
	SourceMerged Source = "merged"
)

// Consistency is the drift verdict for one record.
type Consistency string

const (
	Consistent  Consistency = "consistent"
	LocalNewer  Consistency = "local-newer"
	NovitaNewer Consistency = "novita-newer"
	Conflicted  Consistency = "conflicted"
)

// Record is one fused listing entry. Local or Provider may be nil, never
// both.
type Record struct {
	Local       *core.Instance     `json:"local,omitempty"`
	Provider    *provider.Instance `json:"novita,omitempty"`
	Source      Source             `json:"source"`
	Consistency Consistency        `json:"dataConsistency"`
	Synced      bool               `json:"synced,omitempty"`
}

// Performance reports where the listing spent its time.
type Performance struct {
	LocalFetchMs    int64   `json:"localFetchMs"`
	ProviderFetchMs int64   `json:"novitaFetchMs"`
	MergeMs         int64   `json:"mergeMs"`
	TotalMs         int64   `json:"totalMs"`
	CacheHitRatio   float64 `json:"cacheHitRatio"`
}

// Result is a complete comprehensive listing.
type Result struct {
	Records     []Record    `json:"instances"`
	Performance Performance `json:"performance"`
}

// Options narrow and extend a listing call.
type Options struct {
	// Source keeps only records from one side ("" keeps everything).
	Source Source
	// IncludeNovitaOnly keeps provider records with no local counterpart.
	IncludeNovitaOnly bool
	// SyncLocalState writes provider-side truth back for novita-newer
	// records, within monotonicity rules.
	SyncLocalState bool
}

// cacheStatsProvider is implemented by the production provider client.
type cacheStatsProvider interface {
	CacheStats() (hits, misses int64)
}

// Service performs comprehensive listings.
type Service struct {
	store  *store.Store
	api    provider.API
	logger core.Logger
}

// NewService creates a listing Service.
func NewService(st *store.Store, api provider.API, logger core.Logger) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("listing")
	}
	return &Service{store: st, api: api, logger: logger}
}

// List produces the fused snapshot. Provider failures degrade to a
// local-only listing rather than failing the call.
func (s *Service) List(ctx context.Context, opts Options) (*Result, error) {
	total := time.Now()

	localStart := time.Now()
	locals, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	localMs := time.Since(localStart).Milliseconds()

	providerStart := time.Now()
	remotes, perr := s.api.ListAllInstances(ctx)
	providerMs := time.Since(providerStart).Milliseconds()
	if perr != nil {
		s.logger.WarnWithContext(ctx, "Provider listing unavailable, serving local records only", map[string]interface{}{
			"error": perr.Error(),
		})
		remotes = nil
	}

	mergeStart := time.Now()
	records := s.merge(ctx, locals, remotes, opts)
	result := &Result{
		Records: filterRecords(records, opts),
		Performance: Performance{
			LocalFetchMs:    localMs,
			ProviderFetchMs: providerMs,
			MergeMs:         time.Since(mergeStart).Milliseconds(),
			TotalMs:         time.Since(total).Milliseconds(),
			CacheHitRatio:   s.cacheHitRatio(),
		},
	}
	return result, nil
}

func (s *Service) cacheHitRatio() float64 {
	cs, ok := s.api.(cacheStatsProvider)
	if !ok {
		return 0
	}
	hits, misses := cs.CacheStats()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (s *Service) merge(ctx context.Context, locals []*core.Instance, remotes []provider.Instance, opts Options) []Record {
	byProviderID := make(map[string]*provider.Instance, len(remotes))
	for i := range remotes {
		byProviderID[remotes[i].ID] = &remotes[i]
	}

	var records []Record
	claimed := make(map[string]bool)
	for _, local := range locals {
		remote := byProviderID[local.ProviderID]
		if remote != nil {
			claimed[local.ProviderID] = true
			rec := Record{
				Local:       local,
				Provider:    remote,
				Source:      SourceMerged,
				Consistency: classify(local, remote),
			}
			if opts.SyncLocalState && rec.Consistency == NovitaNewer {
				rec.Synced = s.syncBack(ctx, local, remote)
				if rec.Synced {
					if refreshed, err := s.store.Get(ctx, local.ID); err == nil {
						rec.Local = refreshed
						rec.Consistency = classify(refreshed, remote)
					}
				}
			}
			records = append(records, rec)
			continue
		}

		consistency := Consistent
		if local.ProviderID != "" && local.Status.IsLive() && remotes != nil {
			// We think it exists; the provider no longer lists it.
			consistency = Conflicted
		}
		records = append(records, Record{Local: local, Source: SourceLocal, Consistency: consistency})
	}

	for i := range remotes {
		if claimed[remotes[i].ID] {
			continue
		}
		records = append(records, Record{
			Provider:    &remotes[i],
			Source:      SourceNovita,
			Consistency: Consistent,
		})
	}
	return records
}

func filterRecords(records []Record, opts Options) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Source == SourceNovita && !opts.IncludeNovitaOnly {
			continue
		}
		if opts.Source != "" && rec.Source != opts.Source {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// classify compares the two views of one instance.
func classify(local *core.Instance, remote *provider.Instance) Consistency {
	mapped := MapProviderStatus(remote.Status)
	if equivalent(local.Status, mapped) {
		return Consistent
	}
	// A provider-side exit (spot reclaim or external stop) always wins over
	// any non-terminal local state.
	if remote.Status == "exited" && local.Status.IsLive() {
		return NovitaNewer
	}
	// The provider confirming a requested stop is forward progress, not
	// drift: without this the local record would stay stopping forever.
	if mapped == core.StatusStopped && local.Status == core.StatusStopping {
		return NovitaNewer
	}
	localT := lastLocalChange(local)
	remoteT := lastRemoteChange(remote)
	switch {
	case remoteT == 0 && localT.IsZero():
		return Conflicted
	case remoteT > localT.Unix():
		return NovitaNewer
	case localT.Unix() > remoteT:
		return LocalNewer
	default:
		return Conflicted
	}
}

// syncBack writes the provider's status into the local record, refusing to
// regress startup progress (ready never drops back to creating).
func (s *Service) syncBack(ctx context.Context, local *core.Instance, remote *provider.Instance) bool {
	target := MapProviderStatus(remote.Status)
	if target == "" || target == local.Status {
		return false
	}
	if regresses(local.Status, target) && remote.Status != "exited" {
		return false
	}
	_, err := s.store.Update(ctx, local.ID, func(inst *core.Instance) error {
		inst.Status = target
		now := time.Now().UTC()
		switch target {
		case core.StatusStopped:
			inst.StoppedAt = &now
			inst.LastStoppedAt = &now
		case core.StatusExited:
			inst.LastError = "instance exited on the provider side"
		}
		return nil
	})
	if err != nil {
		s.logger.WarnWithContext(ctx, "Sync-back failed", map[string]interface{}{
			"instance_id": local.ID,
			"target":      string(target),
			"error":       err.Error(),
		})
		return false
	}
	return true
}

// MapProviderStatus translates a provider status string into the local
// lifecycle. Unknown statuses map to empty.
func MapProviderStatus(status string) core.InstanceStatus {
	switch status {
	case "toCreate", "creating", "pulling":
		return core.StatusCreating
	case "toStart", "starting":
		return core.StatusStarting
	case "running":
		return core.StatusRunning
	case "toStop", "stopping":
		return core.StatusStopping
	case "stopped":
		return core.StatusStopped
	case "exited":
		return core.StatusExited
	case "removed", "toRemove":
		return core.StatusTerminated
	case "migrating":
		return core.StatusMigrating
	default:
		return ""
	}
}

// equivalent reports whether the local status is a legitimate refinement of
// the provider's coarser view.
func equivalent(local, mapped core.InstanceStatus) bool {
	if mapped == "" {
		return false
	}
	if local == mapped {
		return true
	}
	switch mapped {
	case core.StatusRunning:
		// Health checking and ready are local refinements of "running".
		return local == core.StatusHealthChecking || local == core.StatusReady
	case core.StatusCreating:
		return local == core.StatusCreated || local == core.StatusStarting
	case core.StatusStopping:
		// A local stopped while the provider still reports stopping is the
		// local side ahead of a lagging listing, not drift. The reverse is
		// never equivalent: provider-stopped must sync back so the instance
		// becomes startable again.
		return local == core.StatusStopped
	default:
		return false
	}
}

// startupRank orders the forward startup progression for the regression
// guard. Statuses outside the progression rank at -1 and never regress.
var startupRank = map[core.InstanceStatus]int{
	core.StatusCreating:       0,
	core.StatusCreated:        1,
	core.StatusStarting:       2,
	core.StatusRunning:        3,
	core.StatusHealthChecking: 4,
	core.StatusReady:          5,
}

func regresses(from, to core.InstanceStatus) bool {
	fr, fok := startupRank[from]
	tr, tok := startupRank[to]
	return fok && tok && tr < fr
}

// lastLocalChange picks the newest local timestamp.
func lastLocalChange(inst *core.Instance) time.Time {
	newest := inst.CreatedAt
	for _, t := range []*time.Time{
		inst.StartedAt, inst.ReadyAt, inst.FailedAt, inst.StoppingAt,
		inst.StoppedAt, inst.LastStoppedAt, inst.TerminatedAt,
	} {
		if t != nil && t.After(newest) {
			newest = *t
		}
	}
	return newest
}

// lastRemoteChange picks the newest provider epoch timestamp.
func lastRemoteChange(remote *provider.Instance) int64 {
	newest := provider.EpochTime(remote.CreatedAt)
	for _, s := range []string{remote.StartedAt, remote.StoppedAt, remote.SpotReclaimTime} {
		if t := provider.EpochTime(s); t > newest {
			newest = t
		}
	}
	return newest
}
