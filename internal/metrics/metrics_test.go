package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

func TestConnectionGaugeTracksOpenAndClose(t *testing.T) {
	c := New()
	c.ConnectionOpened("ready")
	c.ConnectionOpened("ready")
	c.ConnectionClosed("ready")

	got := counterValue(t, c.connectionsActive.WithLabelValues("ready"))
	if got != 1 {
		t.Fatalf("connections_active{ready} = %v, want 1", got)
	}
}

func TestAuthAttemptIncrementsByOutcome(t *testing.T) {
	c := New()
	c.AuthAttempt("scram", "ok")
	c.AuthAttempt("scram", "failed")
	c.AuthAttempt("scram", "failed")

	if got := counterValue(t, c.authAttempts.WithLabelValues("scram", "failed")); got != 2 {
		t.Fatalf("auth_attempts{scram,failed} = %v, want 2", got)
	}
}

func TestCompileRecordedSplitsByOutcome(t *testing.T) {
	c := New()
	c.CompileRecorded("hit", 2*time.Millisecond)
	c.CompileRecorded("miss", 5*time.Millisecond)

	if got := counterValue(t, c.compiles.WithLabelValues("hit")); got != 1 {
		t.Fatalf("compiles{hit} = %v, want 1", got)
	}
	if got := counterValue(t, c.compiles.WithLabelValues("miss")); got != 1 {
		t.Fatalf("compiles{miss} = %v, want 1", got)
	}
}

func TestDumpAndRestoreCompletedAccumulateBlocks(t *testing.T) {
	c := New()
	c.DumpCompleted(3, 10*time.Millisecond)
	c.DumpCompleted(4, 10*time.Millisecond)
	c.RestoreCompleted(5, 10*time.Millisecond)

	if got := counterValue(t, c.dumpBlocks.WithLabelValues()); got != 7 {
		t.Fatalf("dump_blocks = %v, want 7", got)
	}
	if got := counterValue(t, c.restoreBlocks.WithLabelValues()); got != 5 {
		t.Fatalf("restore_blocks = %v, want 5", got)
	}
}

func TestCapabilityViolationAndReadinessRejection(t *testing.T) {
	c := New()
	c.CapabilityViolation("ddl")
	c.ReadinessRejection("blocked")
	c.ReadinessRejection("blocked")

	if got := counterValue(t, c.capabilityViol.WithLabelValues("ddl")); got != 1 {
		t.Fatalf("capability_violations{ddl} = %v, want 1", got)
	}
	if got := counterValue(t, c.readinessReject.WithLabelValues("blocked")); got != 2 {
		t.Fatalf("readiness_rejections{blocked} = %v, want 2", got)
	}
}

func TestNewIsIndependentAcrossCalls(t *testing.T) {
	a := New()
	b := New()
	a.AuthAttempt("scram", "ok")

	if got := counterValue(t, b.authAttempts.WithLabelValues("scram", "ok")); got != 0 {
		t.Fatalf("second collector must not see first collector's increments, got %v", got)
	}
}
