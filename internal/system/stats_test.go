package system

import "testing"

func TestCollectBounds(t *testing.T) {
	c := NewStatsCollector()

	snap := c.Collect()
	if snap.CPUUtil < 0 || snap.CPUUtil > 100 {
		t.Errorf("CPUUtil = %f, want 0..100", snap.CPUUtil)
	}
	if snap.RAMUtil < 0 || snap.RAMUtil > 100 {
		t.Errorf("RAMUtil = %f, want 0..100", snap.RAMUtil)
	}
}

func TestProbe(t *testing.T) {
	info := Probe()

	if info.CPUCores <= 0 {
		t.Errorf("CPUCores = %d, want > 0", info.CPUCores)
	}
	if info.CPUName == "" {
		t.Error("CPUName is empty")
	}
}
