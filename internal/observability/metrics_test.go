package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("meridian_pools_detected_total", "Pools seen by any detection layer.")
	g := r.NewGauge("meridian_positions_open", "Currently open positions.")

	c.Inc()
	c.Add(4)
	g.Set(2)

	assert.Equal(t, float64(5), c.Value())
	assert.Equal(t, float64(2), g.Value())
}

func TestGaugeFuncSamplesAtScrape(t *testing.T) {
	r := NewRegistry()
	val := 0.0
	r.NewGaugeFunc("meridian_queue_depth", "RPC dispatch queue depth.", func() float64 { return val })

	e := NewExporter(r)
	assert.Contains(t, e.Format(), "meridian_queue_depth 0\n")

	val = 7.5
	assert.Contains(t, e.Format(), "meridian_queue_depth 7.5\n")
}

func TestExporterFormat(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("meridian_trades_total", "Completed buys.")
	c.Add(3)

	out := NewExporter(r).Format()
	assert.Contains(t, out, "# HELP meridian_trades_total Completed buys.\n")
	assert.Contains(t, out, "# TYPE meridian_trades_total counter\n")
	assert.Contains(t, out, "meridian_trades_total 3\n")
}

func TestHealthMonitorAggregates(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.Register("rpc", func(context.Context) error { return nil })
	m.Register("clickhouse", func(context.Context) error { return errors.New("connection refused") })

	health := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, StatusHealthy, health.Components["rpc"].Status)
	assert.Equal(t, StatusUnhealthy, health.Components["clickhouse"].Status)
	assert.Contains(t, health.Components["clickhouse"].Error, "connection refused")
}

func TestServerEndpoints(t *testing.T) {
	registry := NewRegistry()
	registry.NewCounter("meridian_trades_total", "Completed buys.")
	health := NewHealthMonitor(time.Second)
	health.Register("rpc", func(context.Context) error { return nil })

	srv := NewServer(Config{Addr: ":0"}, registry, health, func() any {
		return map[string]int{"open_positions": 1}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Contains(t, body, "meridian_trades_total 0")

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"healthy"`)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	assert.Contains(t, readBody(t, resp), `"open_positions":1`)
}

func TestHealthzReports503WhenUnhealthy(t *testing.T) {
	health := NewHealthMonitor(time.Second)
	health.Register("rpc", func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	health.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
