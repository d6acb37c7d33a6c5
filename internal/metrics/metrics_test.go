package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersBeforeInitDoNotPanic(t *testing.T) {
	AddTicksReceived("0", 5)
	IncrementReconnect("0")
	IncrementShardError("1")
	IncrementCycle()
	AddRowsWritten("NIFTY", 3)
	IncrementFlush("NIFTY", "size")
	IncrementWriteError("NIFTY")
	IncrementRowsDropped(2)
}

func TestCountersAfterInit(t *testing.T) {
	Init("127.0.0.1:0")

	AddTicksReceived("0", 5)
	AddTicksReceived("0", 2)
	if v := testutil.ToFloat64(ticksReceived.WithLabelValues("0")); v != 7 {
		t.Errorf("ticks received = %v, want 7", v)
	}

	AddRowsWritten("NIFTY", 3)
	if v := testutil.ToFloat64(rowsWritten.WithLabelValues("NIFTY")); v != 3 {
		t.Errorf("rows written = %v, want 3", v)
	}

	IncrementFlush("NIFTY", "interval")
	IncrementFlush("NIFTY", "interval")
	if v := testutil.ToFloat64(flushes.WithLabelValues("NIFTY", "interval")); v != 2 {
		t.Errorf("flushes = %v, want 2", v)
	}

	// Zero increments must not move counters.
	AddRowsWritten("NIFTY", 0)
	if v := testutil.ToFloat64(rowsWritten.WithLabelValues("NIFTY")); v != 3 {
		t.Errorf("rows written after zero add = %v, want 3", v)
	}
}
