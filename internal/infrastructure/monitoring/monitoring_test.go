package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"peerlink/pkg/peer"
)

var _ peer.Observer = (*PrometheusCollector)(nil)

func TestPrometheusCollector_SessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.PeerCreated("a", true)
	c.PeerCreated("b", false)
	c.PeerConnected("a", 300*time.Millisecond)
	c.SignalEmitted("offer")
	c.SignalEmitted("candidate")
	c.SignalEmitted("candidate")
	c.BytesSent(10)
	c.BytesReceived(4)
	c.Backpressure()
	c.PeerClosed("a", nil)
	c.PeerClosed("b", errors.New("ice failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersCreated.WithLabelValues("initiator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersCreated.WithLabelValues("responder")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.peersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalsEmitted.WithLabelValues("candidate")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.dataBytes.WithLabelValues("sent")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dataBytes.WithLabelValues("received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backpressure))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersClosed.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersClosed.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.setupDuration))
}

func TestPrometheusCollector_Relay(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordRelayConnected()
	c.RecordRelayConnected()
	c.RecordRelayDisconnected()
	c.RecordRelayMessage("signal")
	c.RecordRelayRejected("rate_limit")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayMessages.WithLabelValues("signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayRejected.WithLabelValues("rate_limit")))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])

	h.AddCheck("down", func(context.Context) (bool, error) { return false, errors.New("connection refused") }, 0, time.Second)
	h.AddRoomCountCheck(func() int { return 5 }, 2, 0)

	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["down"])
	assert.Equal(t, "5 rooms exceeds max 2", status.Checks["rooms"])
}

func TestHealthChecker_TimeoutIsApplied(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_BackgroundChecksReportFailures(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("flaky", func(context.Context) (bool, error) { return false, nil }, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan string, 10)
	h.StartBackgroundChecks(ctx, func(name string, _ error) {
		select {
		case failed <- name:
		default:
		}
	})

	select {
	case name := <-failed:
		assert.Equal(t, "flaky", name)
	case <-time.After(time.Second):
		t.Fatal("background check never ran")
	}
}
