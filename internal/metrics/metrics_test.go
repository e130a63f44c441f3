package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestHelpersWithoutGlobal(t *testing.T) {
	SetGlobal(nil)

	// Must not panic
	ObserveSweep(time.Second)
	ObserveDispatch("email", "sent", time.Second)
	IncStepsSkipped()
	IncRateLimited("sms")
	IncTransition("completed")
	IncEvents("open", "applied")
}

func TestHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	ObserveSweep(200 * time.Millisecond)
	ObserveSweep(300 * time.Millisecond)
	ObserveDispatch("email", "sent", 50*time.Millisecond)
	ObserveDispatch("email", "temporary", time.Second)
	ObserveDispatch("call", "sent", time.Second)
	IncStepsSkipped()
	IncRateLimited("sms")
	IncTransition("stopped_reply")
	IncEvents("reply", "applied")
	IncEvents("reply", "duplicate")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sweeps", testutil.ToFloat64(m.SweepsTotal), 2},
		{"email sent", testutil.ToFloat64(m.DispatchTotal.WithLabelValues("email", "sent")), 1},
		{"email temporary", testutil.ToFloat64(m.DispatchTotal.WithLabelValues("email", "temporary")), 1},
		{"call sent", testutil.ToFloat64(m.DispatchTotal.WithLabelValues("call", "sent")), 1},
		{"skipped", testutil.ToFloat64(m.StepsSkippedTotal), 1},
		{"rate limited", testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues("sms")), 1},
		{"transition", testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("stopped_reply")), 1},
		{"reply applied", testutil.ToFloat64(m.EventsTotal.WithLabelValues("reply", "applied")), 1},
		{"reply duplicate", testutil.ToFloat64(m.EventsTotal.WithLabelValues("reply", "duplicate")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.DispatchDurationSeconds); n != 2 {
		t.Errorf("dispatch duration series = %d, want 2", n)
	}
}
