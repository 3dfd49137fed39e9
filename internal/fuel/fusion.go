package fuel

import (
	"github.com/fleetdata/fuelwatch/internal/units"
)

// MeasurementKind tags which fuel source produced a measurement. Each kind
// carries its own base measurement-noise constant; the selector scales it by
// operating mode and signal quality.
type MeasurementKind int

const (
	MeasurementNone MeasurementKind = iota
	MeasurementECUDelta
	MeasurementTankLevel
	MeasurementFuelRate
)

// String returns the persisted name of the measurement kind.
func (k MeasurementKind) String() string {
	switch k {
	case MeasurementECUDelta:
		return "ecu_delta"
	case MeasurementTankLevel:
		return "tank_level"
	case MeasurementFuelRate:
		return "fuel_rate"
	default:
		return "none"
	}
}

// Measurement is a single fused observation presented to the Kalman update
// step: an implied absolute tank level with its noise variance.
type Measurement struct {
	LevelL float64
	Kind   MeasurementKind
	R      float64 // measurement noise variance, liters²
}

// Noise scale factors applied on top of the per-kind base R.
const (
	// parkedTankTrust lowers tank-sensor noise while parked: no consumption
	// or slosh confounds the float sender.
	parkedTankTrust = 0.4

	// movingECUTrust lowers ECU-counter noise while moving: the counter is
	// the engine's own ground truth for burn.
	movingECUTrust = 0.5

	// movingTankPenalty inflates tank-sensor noise while moving (slosh,
	// grade).
	movingTankPenalty = 1.5

	// degradedRatePenalty inflates the rate-integration noise when the GPS
	// fix or electrical system is suspect; the integration depends on
	// elapsed-time and speed context those signals anchor. The raw level
	// sensor is never penalized for GPS or voltage.
	degradedRatePenalty = 3.0

	// faultTankPenalty inflates tank-sensor noise while the sensor is
	// suspected faulty, until it recovers.
	faultTankPenalty = 4.0
)

// SelectMeasurement chooses the best available fuel source in strict
// reliability order: ECU cumulative delta, then tank level, then integrated
// fuel rate. baselineLevelL is the estimate before this cycle's predict step,
// so delta-based sources do not double-count the modeled consumption.
//
// Returns ok=false when no source is usable; the caller degrades to
// predict-only dead reckoning.
func (e *Estimator) SelectMeasurement(r SensorReading, baselineLevelL, dtHours float64, mode OperatingMode) (Measurement, bool) {
	if r.CounterReset {
		// A counter reset (battery disconnect, ECU swap) invalidates the
		// whole cycle: the caller rebases the baseline and dead-reckons.
		return Measurement{}, false
	}

	// (a) ECU cumulative counter delta: most trustworthy.
	if r.ECUTotalFuelL != nil && e.LastECUTotalL != nil {
		deltaL := *r.ECUTotalFuelL - *e.LastECUTotalL
		if deltaL < 0 {
			// Within reset tolerance; treat as no consumption.
			deltaL = 0
		}
		maxDeltaL := units.GallonsToLiters(e.Config.MaxIntervalDeltaGallons)
		if deltaL <= maxDeltaL {
			R := e.Config.MeasurementNoiseECU
			if mode == ModeMoving {
				R *= movingECUTrust
			}
			return Measurement{
				LevelL: baselineLevelL - deltaL,
				Kind:   MeasurementECUDelta,
				R:      R,
			}, true
		}
		// A delta implying more than the interval bound is not consumption;
		// fall through to the tank sensor and let the event detector judge.
	}

	// (b) Tank-level sensor converted to volume.
	if r.FuelPct != nil {
		R := e.Config.MeasurementNoiseTank
		switch mode {
		case ModeParked:
			R *= parkedTankTrust
		case ModeMoving:
			R *= movingTankPenalty
		}
		if e.faultSuspect {
			R *= faultTankPenalty
		}
		return Measurement{
			LevelL: *r.FuelPct / 100 * e.Config.TankCapacityL,
			Kind:   MeasurementTankLevel,
			R:      R,
		}, true
	}

	// (c) Instantaneous rate integrated over the interval: last resort.
	if r.FuelRateGPH != nil && dtHours > 0 {
		R := e.Config.MeasurementNoiseRate
		if r.GPSDegraded || r.LowVoltage {
			R *= degradedRatePenalty
		}
		burnedL := units.GallonsToLiters(*r.FuelRateGPH * dtHours)
		return Measurement{
			LevelL: baselineLevelL - burnedL,
			Kind:   MeasurementFuelRate,
			R:      R,
		}, true
	}

	return Measurement{}, false
}
