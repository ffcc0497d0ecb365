package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/pkg/batch"
)

func TestMetrics_RecordsExecutorSignals(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("walker", reg)
	ctx := context.Background()

	m.IncItemsTraversed(ctx)
	m.IncItemsTraversed(ctx)
	m.IncItemsProcessed(ctx)
	m.IncTraversalRetries(ctx)
	m.IncItemErrors(ctx, batch.MethodProcess)
	m.IncItemErrors(ctx, batch.MethodProcess)
	m.ObserveBatchSize(ctx, batch.MethodTraverse, 10)
	m.ObserveBatchDuration(ctx, batch.MethodTraverse, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsTraversed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TraversalRetries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemErrors.WithLabelValues(string(batch.MethodProcess))))
	assert.Equal(t, 2, testutil.CollectAndCount(m.BatchSize)+testutil.CollectAndCount(m.BatchDuration))
}

func TestMulti_FansOut(t *testing.T) {
	a := New("a", prometheus.NewRegistry())
	b := New("b", prometheus.NewRegistry())
	multi := Multi{a, b, batch.NopMetrics{}}

	multi.IncItemsProcessed(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ItemsProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.ItemsProcessed))
}

func TestDebugMux_ServesMetricsAndStatsviz(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("walker", reg)
	m.IncItemsProcessed(context.Background())

	mux, err := DebugMux(reg, Health{Build: "test"})
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "walker_items_processed_total 1")

	resp, err = http.Get(srv.URL + "/debug/statsviz/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartServer_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, "127.0.0.1:0", prometheus.NewRegistry(), Health{}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHealthProbes(t *testing.T) {
	var down atomic.Bool
	mux, err := DebugMux(prometheus.NewRegistry(), Health{
		Build: "v1.2.3",
		Ready: func(context.Context) error {
			if down.Load() {
				return errors.New("db unreachable")
			}
			return nil
		},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/v1/liveness")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","build":"v1.2.3"}`, body)

	code, body = get("/v1/readiness")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	down.Store(true)
	code, body = get("/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"status":"not ready","error":"db unreachable"}`, body)
}
