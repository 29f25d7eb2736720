package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/core"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := core.ProviderConfig{
		APIKey:                 "test-key",
		BaseURL:                srv.URL,
		RequestTimeout:         5 * time.Second,
		MaxRetries:             3,
		RetryBaseDelay:         10 * time.Millisecond,
		RetryMaxDelay:          100 * time.Millisecond,
		BreakerThreshold:       5,
		BreakerWindow:          time.Minute,
		BreakerRecoveryTimeout: 100 * time.Millisecond,
		RateLimitWindow:        100 * time.Millisecond,
		RateLimitMaxRequests:   100,
	}
	return NewClient(cfg, core.CacheConfig{})
}

func TestClientSendsAuthAndCorrelationHeaders(t *testing.T) {
	var gotAuth, gotCorr string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get("X-Correlation-Id")
		_, _ = w.Write([]byte(`{"data": []}`))
	}))

	ctx := core.WithCorrelationID(context.Background(), "corr-123")
	_, err := c.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "corr-123", gotCorr)
}

func TestListProductsFilters(t *testing.T) {
	var gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data": [{"id": "p1", "name": "RTX 4090 24GB", "region": "CN-HK-01", "price": 0.35, "availableGpuNumber": 4}]}`))
	}))

	products, err := c.ListProducts(context.Background(), ProductFilter{
		Name:          "RTX 4090 24GB",
		Region:        "CN-HK-01",
		BillingMethod: "spot",
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.True(t, products[0].Available())
	assert.Contains(t, gotQuery, "productName=RTX+4090+24GB")
	assert.Contains(t, gotQuery, "region=CN-HK-01")
	assert.Contains(t, gotQuery, "billingMethod=spot")
}

func TestRateLimitRetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))

	start := time.Now()
	_, err := c.ListProducts(context.Background(), ProductFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "must wait at least Retry-After")
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code": 1002, "message": "product not purchasable"}`))
	}))

	_, err := c.ListProducts(context.Background(), ProductFilter{})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, core.KindProviderClient, core.KindOf(err))
	assert.False(t, core.IsRetryable(err))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"instances": [], "total": 0}`))
	}))

	page, err := c.ListInstances(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 0, page.Total)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Each logical call exhausts its own retry budget (3 attempts) and
	// counts one failure toward the breaker.
	for i := 0; i < 5; i++ {
		_, err := c.ListProducts(context.Background(), ProductFilter{})
		require.Error(t, err)
	}
	before := calls.Load()
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.ListProducts(context.Background(), ProductFilter{})
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))
	assert.Equal(t, before, calls.Load(), "no request may be issued while open")
}

func TestGetTemplateFlexibleID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/template/107672", r.URL.Path)
		_, _ = w.Write([]byte(`{"template": {"Id": 107672, "image": "pytorch/pytorch:latest", "ports": [{"type": "http", "ports": [8888]}]}}`))
	}))

	tpl, err := c.GetTemplate(context.Background(), "107672")
	require.NoError(t, err)
	assert.Equal(t, "107672", tpl.ID.String())
	assert.Equal(t, "pytorch/pytorch:latest", tpl.Image)
	assert.Equal(t, []core.PortMapping{{Port: 8888, Type: "http"}}, tpl.FlattenPorts())
}

func TestGetInstanceNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code": "NOT_FOUND", "message": "instance not found"}`))
	}))

	_, err := c.GetInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestListAllInstancesPagination(t *testing.T) {
	pages := map[string]string{
		"1": `{"instances": [` + manyInstances(100) + `], "total": 150}`,
		"2": `{"instances": [` + manyInstances(50) + `], "total": 150}`,
	}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("pageNum")]))
	}))

	all, err := c.ListAllInstances(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 150)
}

func TestMigrateReturnsNewID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/instances/old-1/migrate", r.URL.Path)
		_, _ = w.Write([]byte(`{"instanceId": "new-2"}`))
	}))

	newID, err := c.MigrateInstance(context.Background(), "old-1")
	require.NoError(t, err)
	assert.Equal(t, "new-2", newID)
}

func TestCreateInstanceReturnsID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"id": "prov-42"}`))
	}))

	id, err := c.CreateInstance(context.Background(), CreateInstanceRequest{
		Name:      "alpha",
		ProductID: "p1",
		GPUNum:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-42", id)
}

func TestPingBypassesCache(t *testing.T) {
	var calls atomic.Int32
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"instances": [], "total": 0}`))
	}))
	t.Cleanup(srv.Close)

	cfg := core.ProviderConfig{
		APIKey: "k", BaseURL: srv.URL,
		MaxRetries: 1, RateLimitWindow: time.Millisecond, RateLimitMaxRequests: 1,
	}
	c := NewClient(cfg, core.CacheConfig{InstancesTTL: time.Minute})

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
	assert.EqualValues(t, 2, calls.Load(), "ping must hit the live API every time")
	assert.Equal(t, "/v1/instances", gotPath)
}

func TestProductCacheServesRepeatReads(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data": [{"id": "p1"}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := core.ProviderConfig{
		APIKey: "k", BaseURL: srv.URL,
		MaxRetries: 1, RateLimitWindow: time.Millisecond, RateLimitMaxRequests: 1,
	}
	c := NewClient(cfg, core.CacheConfig{ProductsTTL: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := c.ListProducts(context.Background(), ProductFilter{Name: "A100"})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
	hits, _ := c.CacheStats()
	assert.EqualValues(t, 2, hits)
}

func manyInstances(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += `{"id": "i", "status": "running"}`
	}
	return out
}
