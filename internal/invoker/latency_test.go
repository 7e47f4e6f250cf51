package invoker

import (
	"testing"
	"time"
)

func TestLatencyWindow_Empty(t *testing.T) {
	t.Parallel()

	st := newLatencyWindow(10).Stats()
	if st.P50 != 0 || st.P99 != 0 || st.ErrorRate != 0 || st.Samples != 0 {
		t.Errorf("empty stats = %+v", st)
	}
}

func TestLatencyWindow_Percentiles(t *testing.T) {
	t.Parallel()

	w := newLatencyWindow(100)
	for i := 1; i <= 100; i++ {
		w.Record(time.Duration(i)*time.Millisecond, false)
	}
	st := w.Stats()
	if st.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %s, want 50ms", st.P50)
	}
	if st.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %s, want 95ms", st.P95)
	}
	if st.P99 != 99*time.Millisecond {
		t.Errorf("P99 = %s, want 99ms", st.P99)
	}
}

func TestLatencyWindow_ErrorsLeaveWithTheirSamples(t *testing.T) {
	t.Parallel()

	w := newLatencyWindow(4)
	w.Record(time.Millisecond, true)
	w.Record(time.Millisecond, true)
	w.Record(time.Millisecond, false)
	w.Record(time.Millisecond, false)
	if got := w.Stats().ErrorRate; got != 0.5 {
		t.Fatalf("ErrorRate = %v, want 0.5", got)
	}

	// Overwrite both failures.
	w.Record(time.Millisecond, false)
	w.Record(time.Millisecond, false)
	st := w.Stats()
	if st.ErrorRate != 0 {
		t.Errorf("ErrorRate = %v, want 0 once failures rolled out", st.ErrorRate)
	}
	if st.Samples != 4 || st.Total != 6 {
		t.Errorf("Samples = %d, Total = %d; want 4 and 6", st.Samples, st.Total)
	}
}

func TestLatencyWindow_OldSamplesRollOut(t *testing.T) {
	t.Parallel()

	w := newLatencyWindow(3)
	w.Record(time.Second, false)
	for range 3 {
		w.Record(time.Millisecond, false)
	}
	if got := w.Stats().P99; got != time.Millisecond {
		t.Errorf("P99 = %s; the 1s sample should have rolled out", got)
	}
}
