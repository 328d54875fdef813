package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.HandshakeTotal == nil || m.FramesTotal == nil || m.AEADFailuresTotal == nil {
		t.Fatal("expected all metrics to be initialized")
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake("client", "success", 0.1)
	m.RecordHandshake("client", "success", 0.2)
	m.RecordHandshake("server", "crypto_error", 0)

	successes := testutil.ToFloat64(m.HandshakeTotal.WithLabelValues("client", "success"))
	if successes != 2 {
		t.Errorf("HandshakeTotal[client,success] = %v, want 2", successes)
	}

	failures := testutil.ToFloat64(m.HandshakeTotal.WithLabelValues("server", "crypto_error"))
	if failures != 1 {
		t.Errorf("HandshakeTotal[server,crypto_error] = %v, want 1", failures)
	}
}

func TestRecordFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrame("sent", "normal")
	m.RecordFrame("sent", "normal")
	m.RecordFrame("recv", "handshake_init")

	sent := testutil.ToFloat64(m.FramesTotal.WithLabelValues("sent", "normal"))
	if sent != 2 {
		t.Errorf("FramesTotal[sent,normal] = %v, want 2", sent)
	}
	recv := testutil.ToFloat64(m.FramesTotal.WithLabelValues("recv", "handshake_init"))
	if recv != 1 {
		t.Errorf("FramesTotal[recv,handshake_init] = %v, want 1", recv)
	}
}

func TestRecordAEADFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAEADFailure("open")
	m.RecordAEADFailure("open")
	m.RecordAEADFailure("seal")

	opens := testutil.ToFloat64(m.AEADFailuresTotal.WithLabelValues("open"))
	if opens != 2 {
		t.Errorf("AEADFailuresTotal[open] = %v, want 2", opens)
	}
}

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	active := testutil.ToFloat64(m.ActiveSessions)
	if active != 1 {
		t.Errorf("ActiveSessions = %v, want 1", active)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance across calls")
	}
}
