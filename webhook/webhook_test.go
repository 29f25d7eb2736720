package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/core"
)

func fastDispatcher(cfg core.WebhookConfig, opts ...Option) *Dispatcher {
	d := New(cfg, opts...)
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return d
}

func sampleEvent() core.WebhookEvent {
	return core.WebhookEvent{
		InstanceID:       "inst-1",
		Status:           core.EventReady,
		Timestamp:        time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
		NovitaInstanceID: "prov-1",
	}
}

func TestSendSignsExactBody(t *testing.T) {
	const secret = "topsecret"
	var gotBody []byte
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTS = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{Secret: secret})
	require.NoError(t, d.Send(context.Background(), srv.URL, "", sampleEvent()))

	// Receiver-side verification over the raw body.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.NotEmpty(t, gotTS)

	var decoded core.WebhookEvent
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "inst-1", decoded.InstanceID)
	assert.Equal(t, core.EventReady, decoded.Status)
	assert.Equal(t, "prov-1", decoded.NovitaInstanceID)
}

func TestSendPerRequestSecretOverrides(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{Secret: "process-wide"})
	require.NoError(t, d.Send(context.Background(), srv.URL, "override", sampleEvent()))
	assert.Equal(t, Sign(gotBody, "override"), gotSig)
	assert.NotEqual(t, Sign(gotBody, "process-wide"), gotSig)
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{MaxAttempts: 3})
	require.NoError(t, d.Send(context.Background(), srv.URL, "s", sampleEvent()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendNoRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{MaxAttempts: 5})
	err := d.Send(context.Background(), srv.URL, "s", sampleEvent())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "403")
}

func TestSendRetriesNetworkFailure(t *testing.T) {
	// A server that is immediately closed leaves a refusing address behind.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := fastDispatcher(core.WebhookConfig{MaxAttempts: 2})
	err := d.Send(context.Background(), url, "s", sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after retries")
}

func TestSendExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{MaxAttempts: 3})
	err := d.Send(context.Background(), srv.URL, "s", sampleEvent())
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendEmptyURLIsNoOp(t *testing.T) {
	d := fastDispatcher(core.WebhookConfig{})
	require.NoError(t, d.Send(context.Background(), "", "s", sampleEvent()))
}

func TestSendNoSecretNoSignature(t *testing.T) {
	var sigPresent bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sigPresent = r.Header["X-Webhook-Signature"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher(core.WebhookConfig{})
	require.NoError(t, d.Send(context.Background(), srv.URL, "", sampleEvent()))
	assert.False(t, sigPresent)
}

func TestSendFillsZeroTimestamp(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev := sampleEvent()
	ev.Timestamp = time.Time{}
	d := fastDispatcher(core.WebhookConfig{})
	require.NoError(t, d.Send(context.Background(), srv.URL, "", ev))

	var decoded core.WebhookEvent
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestBackoffDoubling(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoff(base, 1))
	assert.Equal(t, 2*time.Second, backoff(base, 2))
	assert.Equal(t, 4*time.Second, backoff(base, 3))
}
