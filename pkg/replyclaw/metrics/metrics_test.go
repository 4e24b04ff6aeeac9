package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.IncMessage("telegram", "sent")
	m.IncMessage("telegram", "sent")
	m.IncMessage("telegram", "chat_disabled")

	if got := testutil.ToFloat64(m.messages.WithLabelValues("telegram", "sent")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.messages.WithLabelValues("telegram", "chat_disabled")); got != 1 {
		t.Errorf("chat_disabled = %v, want 1", got)
	}

	m.SessionStarted("whatsapp")
	m.SessionStarted("whatsapp")
	m.SessionStopped("whatsapp")
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("whatsapp")); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}

	now := time.Unix(1700000000, 0)
	m.SetCacheRefreshed(now)
	if got := testutil.ToFloat64(m.cacheLastSuccess); got != 1700000000 {
		t.Errorf("last success = %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncMessage("telegram", "sent")
	m.ObserveReplyLatency(time.Second)
	m.ObserveProvider("complete", time.Second)
	m.IncProviderError("complete", "timeout")
	m.IncExtractionFailure("voice")
	m.IncCacheRefreshFailure("settings")
	m.SetCacheRefreshed(time.Now())
	m.SessionStarted("telegram")
	m.SessionStopped("telegram")
	m.IncAnalyticsFailure()
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	MustNewMetrics(reg)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected runtime collectors to be registered")
	}
}
