package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fno-automation-engine/internal/registry"
)

func newTestAPIAdapter(t *testing.T, baseURL string, timeout time.Duration) Adapter {
	t.Helper()
	r := NewResolver(Options{APITimeout: timeout, Logger: zerolog.Nop()})
	a, err := r.Resolve(registry.Descriptor{Name: "Vumatel", APIKey: "vuma-key", BaseURL: baseURL})
	require.NoError(t, err)
	return a
}

func asIntegrationError(t *testing.T, err error) *IntegrationError {
	t.Helper()
	var ie *IntegrationError
	require.True(t, errors.As(err, &ie), "expected IntegrationError, got %v", err)
	return ie
}

func TestAPICheckAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/availability", r.URL.Path)
		assert.Equal(t, "Bearer vuma-key", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "12 Long St, Cape Town", body["address"])
		_, _ = w.Write([]byte(`{"available":true,"technologies":["GPON","XGS-PON"]}`))
	}))
	defer srv.Close()

	a := newTestAPIAdapter(t, srv.URL+"/v1", time.Second)
	res, err := a.CheckAvailability(context.Background(), "12 Long St, Cape Town")
	require.NoError(t, err)
	assert.Equal(t, true, res["available"])
	assert.Equal(t, "Vumatel", res["fno"])
	assert.Equal(t, "API", res["provider_type"])
}

func TestAPIPlaceAndCancelOrderPaths(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"SUCCESS","order_id":"API-Vumatel-123"}`))
	}))
	defer srv.Close()

	a := newTestAPIAdapter(t, srv.URL, time.Second)
	_, err := a.PlaceOrder(context.Background(), Customer{Name: "Thabo", Address: "1 Main Rd"}, "fibre-100")
	require.NoError(t, err)
	_, err = a.CancelOrder(context.Background(), "API-Vumatel-123")
	require.NoError(t, err)
	_, err = a.ReportFault(context.Background(), Fault{DeviceID: "ont-1", RxPowerDBm: -29, Severity: "CRITICAL"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/orders", "/orders/API-Vumatel-123/cancel", "/faults"}, paths)
}

func TestAPIBusinessRejectionIsTerminalAndVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"NO_COVERAGE","message":"Address is outside the Vumatel footprint"}`))
	}))
	defer srv.Close()

	_, err := newTestAPIAdapter(t, srv.URL, time.Second).CheckAvailability(context.Background(), "nowhere")
	ie := asIntegrationError(t, err)
	assert.Equal(t, KindTerminal, ie.Kind)
	assert.Equal(t, "NO_COVERAGE", ie.Reason)
	assert.Equal(t, "Address is outside the Vumatel footprint", ie.Message)
	assert.False(t, IsTransient(err))
}

func TestAPIPlainTextRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid address", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestAPIAdapter(t, srv.URL, time.Second).CheckAvailability(context.Background(), "??")
	ie := asIntegrationError(t, err)
	assert.Equal(t, ReasonRejected, ie.Reason)
	assert.Equal(t, "invalid address", ie.Message)
}

func TestAPIServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestAPIAdapter(t, srv.URL, time.Second).CheckAvailability(context.Background(), "x")
	ie := asIntegrationError(t, err)
	assert.Equal(t, KindTransient, ie.Kind)
	assert.Equal(t, ReasonUnavailable, ie.Reason)
}

func TestAPITimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := newTestAPIAdapter(t, srv.URL, 50*time.Millisecond).CheckAvailability(context.Background(), "x")
	ie := asIntegrationError(t, err)
	assert.Equal(t, KindTransient, ie.Kind)
	assert.Equal(t, ReasonTimeout, ie.Reason)
}

func TestAPIConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestAPIAdapter(t, url, time.Second).CheckAvailability(context.Background(), "x")
	ie := asIntegrationError(t, err)
	assert.Equal(t, KindTransient, ie.Kind)
	assert.Equal(t, ReasonConnection, ie.Reason)
}

func TestAPIHonoursCancelProbe(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { called.Store(true) }))
	defer srv.Close()

	ctx := WithProbe(context.Background(), Probe{Cancelled: func() bool { return true }})
	_, err := newTestAPIAdapter(t, srv.URL, time.Second).CancelOrder(ctx, "o-1")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, called.Load())
}
