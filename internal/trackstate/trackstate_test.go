package trackstate

import (
	"testing"
	"time"

	"fieldtracker/internal/geo"
)

func TestResetStatsPreservesTracking(t *testing.T) {
	a := New()
	a.SetTracking(100)
	a.RecordSample(geo.Sample{Latitude: 1, Longitude: 2, Source: "t"})
	a.RecordSuccess()
	a.RecordFailure("boom")

	a.ResetStats()

	snap := a.Snapshot()
	if !snap.Tracking || snap.SessionID == nil || *snap.SessionID != 100 {
		t.Fatalf("reset must not affect tracking: %+v", snap)
	}
	if snap.SuccessCount != 0 || snap.FailureCount != 0 {
		t.Fatalf("counters not zeroed: %+v", snap)
	}
	if snap.LastSample != nil || snap.LastError != nil {
		t.Fatalf("last sample/error not cleared: %+v", snap)
	}
}

func TestRunningDuration(t *testing.T) {
	a := New()
	if _, ok := a.RunningDuration(); ok {
		t.Fatal("duration defined while not tracking")
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	a.now = func() time.Time { return now }

	a.SetTracking(7)
	now = base.Add(90 * time.Second)
	d, ok := a.RunningDuration()
	if !ok || d != 90*time.Second {
		t.Fatalf("expected 90s, got %v (%v)", d, ok)
	}

	a.ClearTracking()
	if _, ok := a.RunningDuration(); ok {
		t.Fatal("duration defined after stop")
	}
}

func TestObservePublishesOnChange(t *testing.T) {
	a := New()
	ch, cancel := a.Observe()
	defer cancel()

	a.RecordFailure("offline")

	select {
	case snap := <-ch:
		if snap.FailureCount != 1 || snap.LastError == nil || snap.LastError.Message != "offline" {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
}

func TestClearTrackingKeepsCounters(t *testing.T) {
	a := New()
	a.SetTracking(1)
	a.RecordSuccess()
	a.ClearTracking()

	snap := a.Snapshot()
	if snap.Tracking || snap.SessionID != nil || snap.StartedAt != nil {
		t.Fatalf("tracking fields not cleared: %+v", snap)
	}
	if snap.SuccessCount != 1 {
		t.Fatal("counters must survive stop until ResetStats")
	}
}
