package observability

import "testing"

func TestLifecycleWindowSnapshot(t *testing.T) {
	w := NewLifecycleWindow(8)
	w.Observe(StageChannelJoin, 300)
	w.Observe(StageChannelJoin, 600)
	w.Observe(StageChannelJoin, 900)
	w.ObserveIndicator("timer_drift_resync")
	w.ObserveIndicator("timer_drift_resync")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageChannelJoin {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageChannelJoin)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 600 {
		t.Fatalf("P50MS = %.2f, want 600", s.P50MS)
	}
	if s.P95MS <= 600 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (600,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "timer_drift_resync" {
		t.Fatalf("Indicators[0].Name = %q", snap.Indicators[0].Name)
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want 2", snap.Indicators[0].Count)
	}
}

func TestLifecycleWindowWrapsAndResets(t *testing.T) {
	w := NewLifecycleWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe(StageTokenFetch, float64(100+i*10))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Samples != 4 {
		t.Fatalf("snapshot after wrap = %+v, want 4 samples", snap.Stages)
	}
	if snap.Stages[0].LastMS != 190 {
		t.Fatalf("LastMS = %.2f, want 190", snap.Stages[0].LastMS)
	}

	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v, want empty", snap)
	}
}

func TestLifecycleWindowIgnoresInvalidObservations(t *testing.T) {
	w := NewLifecycleWindow(4)
	w.Observe("", 100)
	w.Observe(StageMicPublish, -5)
	w.ObserveIndicator("   ")
	if snap := w.Snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("invalid observations were recorded: %+v", snap)
	}
}
