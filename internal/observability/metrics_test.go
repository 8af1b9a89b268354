package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSend(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSend("telegram", nil, 120*time.Millisecond)
	m.RecordSend("telegram", nil, 80*time.Millisecond)
	m.RecordSend("discord", errors.New("boom"), time.Second)

	expected := `
		# HELP lovelines_messages_total Messages sent by platform and final status
		# TYPE lovelines_messages_total counter
		lovelines_messages_total{platform="discord",status="failed"} 1
		lovelines_messages_total{platform="telegram",status="sent"} 2
	`
	if err := testutil.CollectAndCompare(m.MessagesTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if n := testutil.CollectAndCount(m.SendDuration); n != 2 {
		t.Errorf("latency series = %d, want 2", n)
	}
}

func TestStartsErrorsAndConnections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordStart("whatsapp", "success")
	m.RecordStart("whatsapp", "limited")
	m.RecordError("whatsapp", "")
	m.RecordError("whatsapp", "SEND_FAILED")
	m.SetActiveConnections("whatsapp", 3)

	if got := testutil.ToFloat64(m.ChannelStarts.WithLabelValues("whatsapp", "limited")); got != 1 {
		t.Errorf("limited starts = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("whatsapp", "unknown")); got != 1 {
		t.Errorf("unknown errors = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveConnections.WithLabelValues("whatsapp")); got != 3 {
		t.Errorf("active connections = %v", got)
	}
}

func TestObserveSessionArchive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveSessionArchive(4<<20, 1<<20)
	if n := testutil.CollectAndCount(m.SessionArchiveBytes); n != 2 {
		t.Errorf("archive series = %d, want 2", n)
	}
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	NewMetrics(reg)
}
