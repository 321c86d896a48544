package monitor

import "testing"

func TestSnapshotIncludesSources(t *testing.T) {
	c := NewCollector()
	c.RegisterSource("queue", func() map[string]any {
		return map[string]any{"in_flight": 2}
	})

	snap := c.Snapshot()
	if snap.Goroutines <= 0 {
		t.Errorf("goroutines = %d", snap.Goroutines)
	}
	if snap.GoVersion == "" {
		t.Error("go version empty")
	}
	queue, ok := snap.Components["queue"].(map[string]any)
	if !ok || queue["in_flight"] != 2 {
		t.Errorf("components = %+v", snap.Components)
	}
}

func TestSnapshotWithoutSources(t *testing.T) {
	snap := NewCollector().Snapshot()
	if snap.Components != nil {
		t.Errorf("components = %+v, want nil", snap.Components)
	}
}
