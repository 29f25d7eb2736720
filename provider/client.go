package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/resilience"
	"github.com/gpufleet/gpufleet/telemetry"
)

// API is the typed surface the rest of the control plane depends on.
// *Client is the production implementation; tests substitute fakes.
type API interface {
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListRegistryAuths(ctx context.Context) ([]RegistryAuth, error)
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (string, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, pageNum, pageSize int) (*InstancePage, error)
	ListAllInstances(ctx context.Context) ([]Instance, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	DeleteInstance(ctx context.Context, id string) error
	MigrateInstance(ctx context.Context, id string) (string, error)
	ListJobs(ctx context.Context) ([]Job, error)
	Ping(ctx context.Context) error
}

// Client calls the Novita GPU instance API. Every request passes through the
// pacer, then the circuit breaker, then the retry loop; the breaker is
// consulted once per logical call, not between retries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pacer      *resilience.Pacer
	breaker    core.CircuitBreaker
	retry      *resilience.RetryConfig
	timeout    time.Duration
	logger     core.Logger

	products  *ttlCache
	templates *ttlCache
	instances *ttlCache
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Primarily for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b core.CircuitBreaker) ClientOption {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// NewClient builds a Client from the provider configuration. The cache TTLs
// govern the product, template, and instance-listing read paths; a zero TTL
// disables that cache.
func NewClient(cfg core.ProviderConfig, cache core.CacheConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		pacer: resilience.NewPacer(cfg.RateLimitWindow, cfg.RateLimitMaxRequests),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:             "novita",
			FailureThreshold: cfg.BreakerThreshold,
			Window:           cfg.BreakerWindow,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		}),
		retry: &resilience.RetryConfig{
			MaxAttempts:   cfg.MaxRetries,
			InitialDelay:  cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			JitterEnabled: true,
		},
		timeout:   cfg.RequestTimeout,
		logger:    &core.NoOpLogger{},
		products:  newTTLCache(cache.ProductsTTL),
		templates: newTTLCache(cache.TemplatesTTL),
		instances: newTTLCache(cache.InstancesTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("provider")
	}
	return c
}

// BreakerState exposes the circuit state for the health endpoint.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// CacheStats returns aggregate hit/miss counts across the read-path caches.
func (c *Client) CacheStats() (hits, misses int64) {
	for _, cache := range []*ttlCache{c.products, c.templates, c.instances} {
		h, m := cache.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// ListProducts lists purchasable products, optionally filtered by product
// name, region, and billing method.
func (c *Client) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	cacheKey := fmt.Sprintf("products|%s|%s|%s", filter.Name, filter.Region, filter.BillingMethod)
	if v, ok := c.products.Get(cacheKey); ok {
		return v.([]Product), nil
	}

	query := url.Values{}
	if filter.Name != "" {
		query.Set("productName", filter.Name)
	}
	if filter.Region != "" {
		query.Set("region", filter.Region)
	}
	if filter.BillingMethod != "" {
		query.Set("billingMethod", filter.BillingMethod)
	}

	var resp productsResponse
	if err := c.call(ctx, "provider.ListProducts", http.MethodGet, "/v1/products", query, nil, &resp); err != nil {
		return nil, err
	}
	c.products.Set(cacheKey, resp.Data)
	return resp.Data, nil
}

// GetTemplate fetches one template by ID.
func (c *Client) GetTemplate(ctx context.Context, id string) (*Template, error) {
	if id == "" {
		return nil, core.NewValidationError("template ID is required", nil)
	}
	if v, ok := c.templates.Get(id); ok {
		tpl := v.(Template)
		return &tpl, nil
	}

	var resp templateResponse
	err := c.call(ctx, "provider.GetTemplate", http.MethodGet, "/v1/template/"+url.PathEscape(id), nil, nil, &resp)
	if err != nil {
		var ce *core.ControlError
		if errors.As(err, &ce) && ce.Status == http.StatusNotFound {
			return nil, core.NewNotFoundError("provider.GetTemplate", "template", id, core.ErrTemplateNotFound)
		}
		return nil, err
	}
	c.templates.Set(id, resp.Template)
	tpl := resp.Template
	return &tpl, nil
}

// ListRegistryAuths lists stored container-registry credentials.
func (c *Client) ListRegistryAuths(ctx context.Context) ([]RegistryAuth, error) {
	var resp registryAuthsResponse
	if err := c.call(ctx, "provider.ListRegistryAuths", http.MethodGet, "/v1/repository/auths", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CreateInstance creates an instance and returns the provider-assigned ID.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (string, error) {
	var resp createInstanceResponse
	if err := c.call(ctx, "provider.CreateInstance", http.MethodPost, "/v1/instances/create", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", core.NewProviderError("provider.CreateInstance", http.StatusBadGateway, "", "provider returned no instance ID")
	}
	c.instances.Invalidate()
	return resp.ID, nil
}

// GetInstance fetches one instance by provider ID.
func (c *Client) GetInstance(ctx context.Context, id string) (*Instance, error) {
	if id == "" {
		return nil, core.NewValidationError("instance ID is required", nil)
	}
	var inst Instance
	err := c.call(ctx, "provider.GetInstance", http.MethodGet, "/v1/instances/"+url.PathEscape(id), nil, nil, &inst)
	if err != nil {
		var ce *core.ControlError
		if errors.As(err, &ce) && ce.Status == http.StatusNotFound {
			return nil, core.NewNotFoundError("provider.GetInstance", "instance", id, core.ErrInstanceNotFound)
		}
		return nil, err
	}
	return &inst, nil
}

// ListInstances fetches one page of the provider instance listing. Pages are
// 1-based.
func (c *Client) ListInstances(ctx context.Context, pageNum, pageSize int) (*InstancePage, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}
	query := url.Values{}
	query.Set("pageNum", strconv.Itoa(pageNum))
	query.Set("pageSize", strconv.Itoa(pageSize))

	var page InstancePage
	if err := c.call(ctx, "provider.ListInstances", http.MethodGet, "/v1/instances", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAllInstances pages through the full provider listing. The result is
// cached for the instance-listing TTL.
func (c *Client) ListAllInstances(ctx context.Context) ([]Instance, error) {
	if v, ok := c.instances.Get("all"); ok {
		return v.([]Instance), nil
	}

	const pageSize = 100
	var all []Instance
	for pageNum := 1; ; pageNum++ {
		page, err := c.ListInstances(ctx, pageNum, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Instances...)
		if len(page.Instances) < pageSize || (page.Total > 0 && len(all) >= page.Total) {
			break
		}
	}
	c.instances.Set("all", all)
	return all, nil
}

// StartInstance asks the provider to start a stopped instance.
func (c *Client) StartInstance(ctx context.Context, id string) error {
	return c.instanceAction(ctx, "provider.StartInstance", id, "start")
}

// StopInstance asks the provider to stop a running instance.
func (c *Client) StopInstance(ctx context.Context, id string) error {
	return c.instanceAction(ctx, "provider.StopInstance", id, "stop")
}

// DeleteInstance terminates an instance on the provider side.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.instanceAction(ctx, "provider.DeleteInstance", id, "delete")
}

func (c *Client) instanceAction(ctx context.Context, op, id, action string) error {
	if id == "" {
		return core.NewValidationError("instance ID is required", nil)
	}
	err := c.call(ctx, op, http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/"+action, nil, struct{}{}, nil)
	if err == nil {
		c.instances.Invalidate()
	}
	return err
}

// MigrateInstance replaces a reclaimed spot instance in place and returns
// the new provider instance ID. An empty response ID means the provider
// retained the original ID.
func (c *Client) MigrateInstance(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", core.NewValidationError("instance ID is required", nil)
	}
	var resp migrateResponse
	err := c.call(ctx, "provider.MigrateInstance", http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/migrate", nil, struct{}{}, &resp)
	if err != nil {
		return "", err
	}
	c.instances.Invalidate()
	if resp.InstanceID == "" {
		return id, nil
	}
	return resp.InstanceID, nil
}

// Ping verifies provider reachability and credentials with a minimal
// authenticated listing request. It bypasses the read caches so the answer
// reflects the live API, not a cached one.
func (c *Client) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("pageNum", "1")
	query.Set("pageSize", "1")
	return c.call(ctx, "provider.Ping", http.MethodGet, "/v1/instances", query, nil, nil)
}

// ListJobs lists provider-side asynchronous jobs.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var resp jobsResponse
	if err := c.call(ctx, "provider.ListJobs", http.MethodGet, "/v1/jobs", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// call runs one logical API call through the three layers. The retry loop
// paces each attempt; the breaker sees one outcome per call.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return core.NewError(op, core.KindInternal, fmt.Errorf("failed to encode request body: %w", err))
		}
	}

	return c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			return c.doRequest(ctx, op, method, path, query, bodyBytes, out)
		})
	})
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body []byte, out interface{}) error {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return core.NewError(op, core.KindInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if id := core.CorrelationIDFrom(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return &core.ControlError{
				Op:        op,
				Kind:      core.KindProviderTimeout,
				Message:   fmt.Sprintf("provider request exceeded %v", c.timeout),
				Err:       core.ErrTimeout,
				Retryable: true,
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.NewNetworkError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The Authorization header is never logged; only method, path, and
	// outcome are.
	c.logger.DebugWithContext(ctx, "Provider request completed", map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	telemetry.Counter(ctx, "provider.requests",
		"method", method,
		"status", strconv.Itoa(resp.StatusCode),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return core.NewNetworkError(op, err)
	}

	if resp.StatusCode >= 400 {
		return c.responseError(op, resp, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return core.NewError(op, core.KindInternal, fmt.Errorf("failed to decode provider response: %w", err))
		}
	}
	return nil
}

func (c *Client) responseError(op string, resp *http.Response, data []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(data, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.NewRateLimitError(op, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusRequestTimeout:
		return &core.ControlError{
			Op:        op,
			Kind:      core.KindProviderTimeout,
			Message:   "provider reported request timeout",
			Err:       core.ErrTimeout,
			Status:    resp.StatusCode,
			Retryable: true,
		}
	default:
		msg := apiErr.text()
		if msg == "" {
			msg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return core.NewProviderError(op, resp.StatusCode, apiErr.Code.String(), msg)
	}
}

// parseRetryAfter handles the delay-seconds form of Retry-After. The
// HTTP-date form is rare on this API and falls back to zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Compile-time interface compliance check
var _ API = (*Client)(nil)
