// Package store implements the authoritative instance state store.
//
// Purpose:
//   - Redis-backed primary records keyed by internal ID, with name and
//     provider-ID secondary indices kept both in Redis and in memory
//   - Per-instance locks serialize every mutation; callers only ever see
//     copies of the stored record
//   - Change events notify schedulers after each successful update
//
// Persisted layout under the deployment key prefix:
//
//	instances:<id>                  serialized instance record
//	instances:by-name:<name>        internal ID
//	instances:by-provider-id:<pid>  internal ID
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/core"
)

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Statuses []core.InstanceStatus
	Region   string
}

func (f Filter) matches(inst *core.Instance) bool {
	if f.Region != "" && inst.Config.Region != f.Region {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// ChangeEvent is published after each successful mutation.
type ChangeEvent struct {
	InstanceID string
	Status     core.InstanceStatus
}

// Store is the instance state store. Safe for concurrent use.
type Store struct {
	client *redis.Client
	keys   core.KeySpace
	logger core.Logger

	mu         sync.RWMutex
	byName     map[string]string
	byProvider map[string]string

	locks sync.Map // internal ID -> *sync.Mutex

	subMu sync.RWMutex
	subs  []chan ChangeEvent
}

// New creates a Store and rebuilds the in-memory indices from Redis.
func New(ctx context.Context, client *redis.Client, keys core.KeySpace, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("store")
	}
	s := &Store{
		client:     client,
		keys:       keys,
		logger:     logger,
		byName:     make(map[string]string),
		byProvider: make(map[string]string),
	}
	if err := s.rebuildIndices(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recordKey(id string) string { return s.keys.Key("instances", id) }
func (s *Store) nameKey(name string) string { return s.keys.Key("instances", "by-name", name) }
func (s *Store) providerKey(pid string) string { return s.keys.Key("instances", "by-provider-id", pid) }
func (s *Store) recordPattern() string { return s.keys.Key("instances", "*") }
func (s *Store) isIndexKey(key string) bool {
	return strings.Contains(key, ":by-name:") || strings.Contains(key, ":by-provider-id:")
}

// rebuildIndices scans the primary records and reconstructs both secondary
// indices, repairing any index keys lost to partial writes.
func (s *Store) rebuildIndices(ctx context.Context) error {
	instances, err := s.scanAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild store indices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName = make(map[string]string, len(instances))
	s.byProvider = make(map[string]string)

	pipe := s.client.TxPipeline()
	for _, inst := range instances {
		if inst.Status.IsLive() {
			s.byName[inst.Name] = inst.ID
			pipe.Set(ctx, s.nameKey(inst.Name), inst.ID, 0)
		}
		if inst.ProviderID != "" {
			s.byProvider[inst.ProviderID] = inst.ID
			pipe.Set(ctx, s.providerKey(inst.ProviderID), inst.ID, 0)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist rebuilt indices: %w", err)
	}

	s.logger.Info("Instance indices rebuilt", map[string]interface{}{
		"instances": len(instances),
	})
	return nil
}

func (s *Store) scanAll(ctx context.Context) ([]*core.Instance, error) {
	var out []*core.Instance
	iter := s.client.Scan(ctx, 0, s.recordPattern(), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if s.isIndexKey(key) {
			continue
		}
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var inst core.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			s.logger.Warn("Skipping undecodable instance record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		out = append(out, &inst)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// instanceLock returns the mutex serializing mutations for one instance.
func (s *Store) instanceLock(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Create reserves the name and persists the new record. The internal ID is
// assigned here when the caller left it empty. Returns NameConflict when a
// live instance already holds the name.
func (s *Store) Create(ctx context.Context, inst *core.Instance) (*core.Instance, error) {
	if inst == nil {
		return nil, core.NewValidationError("instance is required", nil)
	}
	if !core.ValidInstanceName(inst.Name) {
		return nil, core.NewValidationError(
			fmt.Sprintf("invalid instance name %q: must match [A-Za-z0-9_-]{1,100}", inst.Name), nil)
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.Status == "" {
		inst.Status = core.StatusCreating
	}

	// SETNX is the atomic name reservation; losing it means a concurrent
	// creator holds the name.
	reserved, err := s.client.SetNX(ctx, s.nameKey(inst.Name), inst.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve name %q: %w", inst.Name, err)
	}
	if !reserved {
		return nil, core.NewNameConflictError("store.Create", inst.Name)
	}

	data, err := json.Marshal(inst)
	if err != nil {
		s.client.Del(ctx, s.nameKey(inst.Name))
		return nil, fmt.Errorf("failed to serialize instance %s: %w", inst.ID, err)
	}
	if err := s.client.Set(ctx, s.recordKey(inst.ID), data, 0).Err(); err != nil {
		s.client.Del(ctx, s.nameKey(inst.Name))
		return nil, fmt.Errorf("failed to persist instance %s: %w", inst.ID, err)
	}

	s.mu.Lock()
	s.byName[inst.Name] = inst.ID
	s.mu.Unlock()

	s.logger.InfoWithContext(ctx, "Instance created", map[string]interface{}{
		"instance_id": inst.ID,
		"name":        inst.Name,
		"region":      inst.Config.Region,
	})
	s.publish(ChangeEvent{InstanceID: inst.ID, Status: inst.Status})
	return inst.Clone(), nil
}

// Get loads one instance by internal ID.
func (s *Store) Get(ctx context.Context, id string) (*core.Instance, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewNotFoundError("store.Get", "instance", id, core.ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
	}
	var inst core.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s: %w", id, err)
	}
	return &inst, nil
}

// GetByName resolves a live instance by its user-supplied name.
func (s *Store) GetByName(ctx context.Context, name string) (*core.Instance, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		// Fall back to the persisted index in case another replica wrote it.
		var err error
		id, err = s.client.Get(ctx, s.nameKey(name)).Result()
		if err == redis.Nil {
			return nil, core.NewNotFoundError("store.GetByName", "instance", name, core.ErrInstanceNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve name %q: %w", name, err)
		}
	}
	return s.Get(ctx, id)
}

// GetByProviderID resolves an instance by its provider-assigned ID.
func (s *Store) GetByProviderID(ctx context.Context, pid string) (*core.Instance, error) {
	s.mu.RLock()
	id, ok := s.byProvider[pid]
	s.mu.RUnlock()
	if !ok {
		var err error
		id, err = s.client.Get(ctx, s.providerKey(pid)).Result()
		if err == redis.Nil {
			return nil, core.NewNotFoundError("store.GetByProviderID", "instance", pid, core.ErrInstanceNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve provider ID %q: %w", pid, err)
		}
	}
	return s.Get(ctx, id)
}

// Update applies mutate under the instance's exclusive lock, persists the
// result, and publishes a change event. The mutator receives a copy; invariant
// violations (provider-ID rewrite, lastUsed regression) abort the update.
func (s *Store) Update(ctx context.Context, id string, mutate func(*core.Instance) error) (*core.Instance, error) {
	lock := s.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.ID = current.ID
	updated.Name = current.Name
	updated.CreatedAt = current.CreatedAt
	updated.Config = current.Config // immutable post-create

	if current.ProviderID != "" && updated.ProviderID != current.ProviderID {
		return nil, &core.ControlError{
			Op:      "store.Update",
			Kind:    core.KindValidation,
			ID:      id,
			Message: "provider ID is immutable once set",
			Err:     core.ErrInvalidTransition,
		}
	}
	if current.LastUsedAt != nil && updated.LastUsedAt != nil && updated.LastUsedAt.Before(*current.LastUsedAt) {
		return nil, &core.ControlError{
			Op:      "store.Update",
			Kind:    core.KindValidation,
			ID:      id,
			Message: "lastUsed may not move backwards",
			Err:     core.ErrLastUsedRegression,
		}
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize instance %s: %w", id, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(id), data, 0)
	if updated.ProviderID != "" && current.ProviderID == "" {
		pipe.Set(ctx, s.providerKey(updated.ProviderID), id, 0)
	}
	// A terminated instance releases its name for reuse.
	if updated.Status.IsTerminal() && !current.Status.IsTerminal() {
		pipe.Del(ctx, s.nameKey(updated.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist instance %s: %w", id, err)
	}

	s.mu.Lock()
	if updated.ProviderID != "" && current.ProviderID == "" {
		s.byProvider[updated.ProviderID] = id
	}
	if updated.Status.IsTerminal() && !current.Status.IsTerminal() {
		delete(s.byName, updated.Name)
	}
	s.mu.Unlock()

	if updated.Status != current.Status {
		s.logger.InfoWithContext(ctx, "Instance status changed", map[string]interface{}{
			"instance_id": id,
			"name":        updated.Name,
			"from":        string(current.Status),
			"to":          string(updated.Status),
		})
	}
	s.publish(ChangeEvent{InstanceID: id, Status: updated.Status})
	return updated.Clone(), nil
}

// ReplaceProviderID rebinds the instance to a new provider-side instance,
// rewriting both the record and the provider index. This is the one
// sanctioned exception to provider-ID immutability: spot migration hands the
// workload a replacement instance.
func (s *Store) ReplaceProviderID(ctx context.Context, id, newProviderID string) (*core.Instance, error) {
	if newProviderID == "" {
		return nil, core.NewValidationError("new provider ID is required", nil)
	}
	lock := s.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ProviderID == newProviderID {
		return current.Clone(), nil
	}

	updated := current.Clone()
	updated.ProviderID = newProviderID
	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize instance %s: %w", id, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(id), data, 0)
	if current.ProviderID != "" {
		pipe.Del(ctx, s.providerKey(current.ProviderID))
	}
	pipe.Set(ctx, s.providerKey(newProviderID), id, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to rebind instance %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.byProvider, current.ProviderID)
	s.byProvider[newProviderID] = id
	s.mu.Unlock()

	s.logger.InfoWithContext(ctx, "Instance rebound to new provider instance", map[string]interface{}{
		"instance_id":  id,
		"old_provider": current.ProviderID,
		"new_provider": newProviderID,
	})
	return updated, nil
}

// List returns copies of all instances matching the filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]*core.Instance, error) {
	all, err := s.scanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make([]*core.Instance, 0, len(all))
	for _, inst := range all {
		if filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// TouchLastUsed advances the instance's lastUsed timestamp. A zero when
// means now. Regressions are rejected without mutation.
func (s *Store) TouchLastUsed(ctx context.Context, id string, when time.Time) (*core.Instance, error) {
	if when.IsZero() {
		when = time.Now().UTC()
	}
	return s.Update(ctx, id, func(inst *core.Instance) error {
		if inst.LastUsedAt != nil && when.Before(*inst.LastUsedAt) {
			return &core.ControlError{
				Op:      "store.TouchLastUsed",
				Kind:    core.KindValidation,
				ID:      id,
				Message: fmt.Sprintf("lastUsed %s is before current %s", when.Format(time.RFC3339), inst.LastUsedAt.Format(time.RFC3339)),
				Err:     core.ErrLastUsedRegression,
			}
		}
		inst.LastUsedAt = &when
		return nil
	})
}

// Subscribe returns a channel of change events. Events are dropped rather
// than blocking a slow subscriber.
func (s *Store) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) publish(ev ChangeEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
