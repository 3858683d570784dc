package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baerautotech/cerebral-access/internal/metrics"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordGuardDecision("allow")
	m.RecordPurchase("checkout", true)

	srv := httptest.NewServer(newMetricsHandler(reg))
	t.Cleanup(srv.Close)

	status, body := get(t, srv.URL+metricsPath)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `cerebral_access_guard_decisions_total{kind="allow"} 1`)
	assert.NotContains(t, body, "go_goroutines", "only the given gatherer is served")

	status, body = get(t, srv.URL+healthzPath)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)

	resp, err := http.Post(srv.URL+healthzPath, "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	status, _ = get(t, srv.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).RecordGuardDecision("deny_bare")

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := startMetricsServer(ctx, "127.0.0.1:0", newMetricsHandler(reg))
	require.NoError(t, err)

	base := "http://" + addr.String()
	status, body := get(t, base+metricsPath)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `kind="deny_bare"`)

	cancel()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + healthzPath)
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartMetricsServerBindError(t *testing.T) {
	_, err := startMetricsServer(context.Background(), "127.0.0.1:not-a-port", http.NotFoundHandler())
	assert.ErrorContains(t, err, "metrics listener")
}
