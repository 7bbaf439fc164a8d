package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInitMetrics(t *testing.T) {
	// Should be idempotent (safe to call multiple times)
	InitMetrics()
	InitMetrics()
}

func TestRecorders(t *testing.T) {
	InitMetrics()

	RecordCycle("success", 2*time.Second)
	RecordCycle("publish", 150*time.Millisecond)
	RecordRowRejected("unknown_ioc_type")
	RecordEntitiesPublished("observable", 3)
	RecordEntitiesPublished("indicator", 0)
	RecordRemovals(2)
	RecordPlatformError("server_error")
	RecordPersisted(time.Unix(1700000000, 0), 42)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"ioc_connector_cycles_total",
		"ioc_connector_cycle_duration_seconds",
		"ioc_connector_rows_rejected_total",
		"ioc_connector_entities_published_total",
		"ioc_connector_removals_total",
		"ioc_connector_platform_errors_total",
		"ioc_connector_snapshot_keys",
		"ioc_connector_last_success_timestamp_seconds",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestCycleTimer(t *testing.T) {
	timer := StartTimer()
	time.Sleep(5 * time.Millisecond)
	if timer.Elapsed() < 5*time.Millisecond {
		t.Errorf("Elapsed = %v", timer.Elapsed())
	}

	var nilTimer *CycleTimer
	if nilTimer.Elapsed() != 0 {
		t.Error("nil timer should report zero")
	}
}
