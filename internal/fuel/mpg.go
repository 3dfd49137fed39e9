package fuel

import (
	"github.com/fleetdata/fuelwatch/internal/monitoring"
)

// MPGAccumulator computes windowed fuel economy for one vehicle. Distance
// and fuel deltas accumulate until both window minima are met; the raw MPG
// for the window is then bounds-checked, outlier-filtered against recent
// history, and EMA-smoothed. The window resets after every completed
// computation whether or not the raw value was accepted.
//
// Exclusively owned by one processing slot; not safe for concurrent use.
type MPGAccumulator struct {
	VehicleID string
	Config    Config

	DistanceMiles float64
	FuelGallons   float64
	Smoothed      *float64

	// history holds recent accepted-bounds raw window results, oldest
	// first, bounded by Config.MPGHistorySize.
	history []float64

	// SourceTally counts which fuel source produced each ingested delta,
	// for diagnostics.
	SourceTally map[MeasurementKind]int64
}

// NewMPGAccumulator constructs the accumulator for one vehicle. The same
// ConfigError contract as NewEstimator applies.
func NewMPGAccumulator(vehicleID string, cfg Config) (*MPGAccumulator, error) {
	if err := cfg.Validate(vehicleID); err != nil {
		return nil, err
	}
	return &MPGAccumulator{
		VehicleID:   vehicleID,
		Config:      cfg,
		SourceTally: make(map[MeasurementKind]int64),
	}, nil
}

// Ingest adds one reading's distance and fuel deltas. It returns the new
// smoothed MPG when this delta completed a window and the result was
// accepted, otherwise nil. Negative deltas are ignored; a refuel shows up as
// a negative fuel delta upstream and must not pollute the window.
func (a *MPGAccumulator) Ingest(deltaMiles, deltaFuelGallons float64, source MeasurementKind) *float64 {
	if deltaMiles > 0 {
		a.DistanceMiles += deltaMiles
	}
	if deltaFuelGallons > 0 {
		a.FuelGallons += deltaFuelGallons
		a.SourceTally[source]++
	}

	if a.DistanceMiles < a.Config.MinWindowMiles || a.FuelGallons < a.Config.MinWindowGallons {
		return nil
	}

	raw := a.DistanceMiles / a.FuelGallons
	a.resetWindow()

	if raw < a.Config.MinMPG || raw > a.Config.MaxMPG {
		// Physically impossible for the vehicle class; the window is gone
		// but the smoothed value stands.
		monitoring.Debugf("vehicle %s: discarding impossible raw mpg %.1f", a.VehicleID, raw)
		return nil
	}

	a.push(raw)

	if isOutlier(a.history, raw) {
		monitoring.Debugf("vehicle %s: raw mpg %.1f rejected as outlier", a.VehicleID, raw)
		return nil
	}

	alpha := a.Config.EMAAlpha
	if a.Config.AdaptiveAlpha {
		// Variance-adaptive smoothing: documented extension point, off by
		// default after repeated field instability. Higher history variance
		// shrinks alpha toward stability.
		if sd := historyStdDev(a.history); sd > 0 {
			alpha = alpha / (1 + sd/a.Config.MaxMPG)
		}
	}

	if a.Smoothed == nil {
		v := raw
		a.Smoothed = &v
	} else {
		v := alpha*raw + (1-alpha)*(*a.Smoothed)
		a.Smoothed = &v
	}

	// Clamp to the physical bounds after smoothing; the invariant holds
	// from the first accepted window onward.
	if *a.Smoothed < a.Config.MinMPG {
		v := a.Config.MinMPG
		a.Smoothed = &v
	}
	if *a.Smoothed > a.Config.MaxMPG {
		v := a.Config.MaxMPG
		a.Smoothed = &v
	}

	return a.Smoothed
}

// History returns a copy of the recent raw-MPG history, oldest first.
func (a *MPGAccumulator) History() []float64 {
	out := make([]float64, len(a.history))
	copy(out, a.history)
	return out
}

func (a *MPGAccumulator) push(raw float64) {
	a.history = append(a.history, raw)
	if len(a.history) > a.Config.MPGHistorySize {
		a.history = a.history[1:]
	}
}

func (a *MPGAccumulator) resetWindow() {
	a.DistanceMiles = 0
	a.FuelGallons = 0
}

// restoreHistory reinstates persisted history after a snapshot load.
func (a *MPGAccumulator) restoreHistory(h []float64) {
	a.history = a.history[:0]
	for _, v := range h {
		a.push(v)
	}
}
