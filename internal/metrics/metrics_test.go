package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ambient/internal/events"
	"ambient/internal/monitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_BusCounters(t *testing.T) {
	r := New()
	r.EventEmitted(events.KindWorkflowRun)
	r.EventEmitted(events.KindWorkflowRun)
	r.EventDispatched(events.KindWorkflowRun)
	r.HandlerFailed(events.KindManualTrigger)
	r.QueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.emitted.WithLabelValues("workflow_run")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatched.WithLabelValues("workflow_run")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.handlerErrors.WithLabelValues("manual_trigger")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))
}

func TestRegistry_PollResults(t *testing.T) {
	r := New()
	r.PollCompleted(nil)
	r.PollCompleted(errors.New("dial tcp: refused"))
	r.PollCompleted(&monitor.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollCycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollCycles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollCycles.WithLabelValues("rate_limited")))
}

func TestRegistry_Deliveries(t *testing.T) {
	r := New()
	r.Delivered("stream", true, 2*time.Second)
	r.Delivered("file", true, 10*time.Millisecond)
	r.Delivered("none", false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("stream", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("none", "false")))
	assert.Equal(t, 3, testutil.CollectAndCount(r.deliveryTime))
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.EventEmitted(events.KindSystemTest)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ambient_events_emitted_total{kind="system_test"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestRegistry_ServeListener(t *testing.T) {
	r := New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ServeListener(ctx, ln) }()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "ambient_queue_depth"))
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
