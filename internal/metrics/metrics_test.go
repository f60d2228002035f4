package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordConnect()

	active := testutil.ToFloat64(m.ConnectionsActive)
	if active != 3 {
		t.Errorf("ConnectionsActive = %v, want 3", active)
	}
	total := testutil.ToFloat64(m.ConnectionsTotal)
	if total != 3 {
		t.Errorf("ConnectionsTotal = %v, want 3", total)
	}
}

func TestRecordDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect()

	active := testutil.ToFloat64(m.ConnectionsActive)
	if active != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", active)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("up", 1000)
	m.RecordBytesRelayed("up", 500)
	m.RecordBytesRelayed("down", 2000)

	up := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("up"))
	if up != 1500 {
		t.Errorf("BytesRelayed[up] = %v, want 1500", up)
	}
	down := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("down"))
	if down != 2000 {
		t.Errorf("BytesRelayed[down] = %v, want 2000", down)
	}
}

func TestBytesRelayedTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("up", 1000)
	m.RecordBytesRelayed("up", 234)

	if got := m.BytesRelayedTotal("up"); got != 1234 {
		t.Errorf("BytesRelayedTotal(up) = %v, want 1234", got)
	}
	if got := m.BytesRelayedTotal("down"); got != 0 {
		t.Errorf("BytesRelayedTotal(down) = %v, want 0", got)
	}
}

func TestUDPAssociationGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPAssociationOpen()
	m.RecordUDPAssociationOpen()
	m.RecordUDPAssociationClose()
	m.RecordUDPPacket("up")

	active := testutil.ToFloat64(m.UDPAssociationsActive)
	if active != 1 {
		t.Errorf("UDPAssociationsActive = %v, want 1", active)
	}
	packets := testutil.ToFloat64(m.UDPPacketsRelayed.WithLabelValues("up"))
	if packets != 1 {
		t.Errorf("UDPPacketsRelayed[up] = %v, want 1", packets)
	}
}

func TestBanMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetBanlistSize(5)
	m.RecordBan()
	m.RecordBan()

	size := testutil.ToFloat64(m.BanlistSize)
	if size != 5 {
		t.Errorf("BanlistSize = %v, want 5", size)
	}
	total := testutil.ToFloat64(m.BansTotal)
	if total != 2 {
		t.Errorf("BansTotal = %v, want 2", total)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.5)
	m.RecordHandshake(0.3)
	m.RecordHandshakeError("timeout")
	m.RecordHandshakeError("version_mismatch")
	m.RecordHandshakeError("timeout")

	timeoutErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 2", timeoutErrors)
	}
	versionErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("version_mismatch"))
	if versionErrors != 1 {
		t.Errorf("HandshakeErrors[version_mismatch] = %v, want 1", versionErrors)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}

func TestConnectionErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionError("malformed_header")
	m.RecordConnectionError("dial_failed")
	m.RecordConnectionError("malformed_header")

	malformed := testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("malformed_header"))
	if malformed != 2 {
		t.Errorf("ConnectionErrors[malformed_header] = %v, want 2", malformed)
	}
	dial := testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("dial_failed"))
	if dial != 1 {
		t.Errorf("ConnectionErrors[dial_failed] = %v, want 1", dial)
	}
}
