package fuel

import (
	"sync"
	"testing"
)

func TestPipelineStatsGetAndReset(t *testing.T) {
	ps := NewPipelineStats()

	for i := 0; i < 10; i++ {
		ps.AddReading()
	}
	ps.AddRejected()
	ps.AddRejected()
	ps.AddPredictOnly()
	ps.AddEvent()
	ps.AddSnapshotError()

	readings, rejected, predictOnly, events, snapshotErrors, _ := ps.GetAndReset()
	if readings != 10 {
		t.Errorf("readings = %d, want 10", readings)
	}
	if rejected != 2 {
		t.Errorf("rejected = %d, want 2", rejected)
	}
	if predictOnly != 1 {
		t.Errorf("predictOnly = %d, want 1", predictOnly)
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}
	if snapshotErrors != 1 {
		t.Errorf("snapshotErrors = %d, want 1", snapshotErrors)
	}

	// Reset leaves everything at zero.
	readings, rejected, predictOnly, events, snapshotErrors, _ = ps.GetAndReset()
	if readings != 0 || rejected != 0 || predictOnly != 0 || events != 0 || snapshotErrors != 0 {
		t.Errorf("counters after reset = %d/%d/%d/%d/%d, want all 0",
			readings, rejected, predictOnly, events, snapshotErrors)
	}
}

func TestPipelineStatsConcurrent(t *testing.T) {
	ps := NewPipelineStats()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				ps.AddReading()
			}
		}()
	}
	wg.Wait()

	readings, _, _, _, _, _ := ps.GetAndReset()
	if readings != 8000 {
		t.Errorf("readings = %d, want 8000", readings)
	}
}
