package metrics_test

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatstash/threatstash/internal/metrics"
)

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etl_test_counter_total",
		Help: "Counter used in tests.",
	})
	require.NoError(t, reg.Register(counter), "Setup: failed to register counter")
	counter.Add(3)

	s := metrics.New(metrics.Config{Host: "localhost", Port: 0}, reg)

	serveDone := make(chan error, 1)
	go func() { serveDone <- s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	addr := waitForAddr(t, s)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err, "failed to scrape metrics endpoint")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode, "unexpected status code")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read metrics response")
	assert.Contains(t, string(body), "etl_test_counter_total 3", "registered counter should be exposed")

	require.NoError(t, s.Shutdown(t.Context()), "Shutdown() error")

	select {
	case err := <-serveDone:
		require.ErrorIs(t, err, http.ErrServerClosed, "unexpected serve error after shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server to stop")
	}
}

func TestListenAndServeBadAddress(t *testing.T) {
	t.Parallel()

	s := metrics.New(metrics.Config{Host: "localhost", Port: -1}, prometheus.NewRegistry())
	require.Error(t, s.ListenAndServe(), "a bad port must fail to listen")
}

func TestAddrBeforeListen(t *testing.T) {
	t.Parallel()

	s := metrics.New(metrics.Config{Host: "localhost", Port: 0}, prometheus.NewRegistry())
	assert.Empty(t, s.Addr(), "address should be empty before listening")
}

func waitForAddr(t *testing.T, s *metrics.Server) string {
	t.Helper()

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 5*time.Second, 10*time.Millisecond, "server never started listening")
	return addr
}
