package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/lifecycle"
	"github.com/gpufleet/gpufleet/provider"
)

// HandleCreateInstance drives a creation request: resolve the product across
// the region fallback chain, fetch the template, resolve registry
// credentials, create on the provider, and hand off to monitoring.
func (h *Handlers) HandleCreateInstance(ctx context.Context, job *core.Job) error {
	var payload core.CreateInstancePayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	inst, err := h.deps.Store.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}
	if inst.ProviderID != "" {
		// A retried job whose previous attempt already created the
		// provider instance; monitoring owns it from here.
		return nil
	}

	if err := h.createOnProvider(ctx, inst); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastAttempt(job) || !core.IsRetryable(err) {
			h.failInstance(ctx, inst.ID, err.Error())
		}
		return err
	}
	return nil
}

func (h *Handlers) createOnProvider(ctx context.Context, inst *core.Instance) error {
	product, err := h.resolveProduct(ctx, inst)
	if err != nil {
		return err
	}

	template, err := h.deps.API.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return err
	}

	imageAuth, err := h.resolveImageAuth(ctx, inst, template)
	if err != nil {
		return err
	}

	req := buildCreateRequest(inst, product, template, imageAuth)
	providerID, err := h.deps.API.CreateInstance(ctx, req)
	if err != nil {
		return err
	}

	updated, err := h.deps.Store.Update(ctx, inst.ID, func(i *core.Instance) error {
		i.ProviderID = providerID
		i.ProductID = product.ID
		i.Status = core.StatusStarting
		return nil
	})
	if err != nil {
		return fmt.Errorf("provider instance %s created but local record update failed: %w", providerID, err)
	}

	maxWait := h.deps.Startup.MaxWaitTime
	monitorPayload := core.MonitorInstancePayload{
		InstanceID:    inst.ID,
		StartedAt:     time.Now().UTC(),
		MaxWaitTimeMs: int(maxWait / time.Millisecond),
	}
	if inst.HealthCheck != nil {
		cfg := inst.HealthCheck.Config
		monitorPayload.HealthCheck = &cfg
	}
	if op, ok := h.deps.Tracker.Active(inst.ID); ok {
		monitorPayload.OperationID = op.ID
		_, _ = h.deps.Tracker.Advance(inst.ID, lifecycle.PhaseInstanceStarting)
	}

	monitorJob, err := core.NewJob(core.JobMonitorInstance, core.PriorityHigh, 5, monitorPayload)
	if err != nil {
		return err
	}
	if err := h.deps.Sink.Enqueue(ctx, monitorJob); err != nil {
		return fmt.Errorf("failed to enqueue monitoring for instance %s: %w", inst.ID, err)
	}

	h.logger.InfoWithContext(ctx, "Instance created on provider", map[string]interface{}{
		"instance_id": inst.ID,
		"provider_id": providerID,
		"product_id":  product.ID,
		"region":      product.Region,
	})
	h.notify(ctx, updated, core.WebhookEvent{
		Status: core.EventCreatingInitiated,
		Data: map[string]interface{}{
			"productId": product.ID,
			"region":    product.Region,
		},
	})
	return nil
}

// resolveProduct walks the configured region then the fallback chain in
// ascending priority and picks the cheapest product with available capacity.
func (h *Handlers) resolveProduct(ctx context.Context, inst *core.Instance) (*provider.Product, error) {
	regions := make([]string, 0, 1+len(h.deps.Defaults.RegionFallback))
	seen := make(map[string]bool)
	for _, region := range append([]string{inst.Config.Region}, h.deps.Defaults.RegionFallback...) {
		if region == "" || seen[region] {
			continue
		}
		seen[region] = true
		regions = append(regions, region)
	}

	for _, region := range regions {
		products, err := h.deps.API.ListProducts(ctx, provider.ProductFilter{
			Name:          inst.Config.ProductName,
			Region:        region,
			BillingMethod: inst.Config.BillingMethod,
		})
		if err != nil {
			return nil, err
		}
		if product := cheapestAvailable(products); product != nil {
			if region != inst.Config.Region {
				h.logger.InfoWithContext(ctx, "Falling back to alternate region", map[string]interface{}{
					"instance_id": inst.ID,
					"requested":   inst.Config.Region,
					"selected":    region,
				})
			}
			return product, nil
		}
	}

	return nil, &core.ControlError{
		Op:   "workers.resolveProduct",
		Kind: core.KindResourceConstraints,
		ID:   inst.ID,
		Message: fmt.Sprintf("no available capacity for product %q in regions %s",
			inst.Config.ProductName, strings.Join(regions, ", ")),
		Err:       core.ErrNoProductMatch,
		Retryable: true,
	}
}

func cheapestAvailable(products []provider.Product) *provider.Product {
	available := make([]provider.Product, 0, len(products))
	for _, p := range products {
		if p.Available() {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		return nil
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Price < available[j].Price
	})
	return &available[0]
}

// resolveImageAuth turns a template's credential reference into the
// "user:pass" form the create call carries. The resolved value never reaches
// a log line.
func (h *Handlers) resolveImageAuth(ctx context.Context, inst *core.Instance, template *provider.Template) (string, error) {
	ref := inst.Config.ImageAuthID
	if ref == "" {
		ref = template.ImageAuth
	}
	if ref == "" {
		return "", nil
	}
	auths, err := h.deps.API.ListRegistryAuths(ctx)
	if err != nil {
		return "", err
	}
	for _, auth := range auths {
		if auth.ID == ref || auth.Name == ref {
			return auth.Username + ":" + auth.Password, nil
		}
	}
	return "", core.NewNotFoundError("workers.resolveImageAuth", "registry credential", ref, core.ErrTemplateNotFound)
}

func buildCreateRequest(inst *core.Instance, product *provider.Product, template *provider.Template, imageAuth string) provider.CreateInstanceRequest {
	image := inst.Config.ImageURL
	if image == "" {
		image = template.Image
	}
	ports := inst.Config.Ports
	if len(ports) == 0 {
		ports = template.FlattenPorts()
	}
	return provider.CreateInstanceRequest{
		Name:          inst.Name,
		ProductID:     product.ID,
		GPUNum:        inst.Config.GPUNum,
		RootfsSize:    inst.Config.RootfsSizeGB,
		ImageURL:      image,
		ImageAuth:     imageAuth,
		Ports:         formatPorts(ports),
		Envs:          mergeEnvs(template.Envs, inst.Config.Envs),
		BillingMethod: inst.Config.BillingMethod,
	}
}

// formatPorts renders the provider's comma-separated "port/type" form.
func formatPorts(ports []core.PortMapping) string {
	parts := make([]string, len(ports))
	for i, pm := range ports {
		parts[i] = fmt.Sprintf("%d/%s", pm.Port, pm.Type)
	}
	return strings.Join(parts, ",")
}

// mergeEnvs overlays instance env vars on the template's, instance winning
// on key collisions. Template order is preserved.
func mergeEnvs(template, instance []core.EnvVar) []core.EnvVar {
	override := make(map[string]string, len(instance))
	for _, env := range instance {
		override[env.Key] = env.Value
	}
	out := make([]core.EnvVar, 0, len(template)+len(instance))
	seen := make(map[string]bool)
	for _, env := range template {
		if v, ok := override[env.Key]; ok {
			env.Value = v
		}
		out = append(out, env)
		seen[env.Key] = true
	}
	for _, env := range instance {
		if !seen[env.Key] {
			out = append(out, env)
		}
	}
	return out
}
