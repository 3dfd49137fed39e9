package fuel

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fleetdata/fuelwatch/internal/monitoring"
	"github.com/fleetdata/fuelwatch/internal/units"
)

// Filter constants.
const (
	// InitialVarianceL2 is the covariance assigned when the filter is seeded
	// from a first reading.
	InitialVarianceL2 = 100.0

	// PostResyncVarianceL2 is the covariance after an emergency resync: no
	// longer cold, but freshly re-anchored to the raw sensor.
	PostResyncVarianceL2 = 50.0

	// MinVarianceL2 prevents covariance collapse; a filter that is certain
	// stops listening.
	MinVarianceL2 = 0.01

	// MaxSpeedWindowLength bounds the recent-speed window used for process
	// noise adaptation.
	MaxSpeedWindowLength = 30

	// burnRateAlpha smooths the observed burn rate that seeds prediction.
	burnRateAlpha = 0.3

	// speedVariabilityRef is the speed standard deviation (mph) at which
	// process noise doubles. Stop-and-go traffic sits near it.
	speedVariabilityRef = 8.0

	// flatlineReadings identical tank values plus flatlineMinConsumedL of
	// counter-confirmed burn (~2 gallons) mark the sender as stuck.
	flatlineReadings     = 20
	flatlineMinConsumedL = 7.5

	// jitterMinJumps tank steps larger than jitterStepPct within the last
	// jitterWindowLength readings mark the sender as erratic.
	jitterWindowLength = 12
	jitterStepPct      = 5.0
	jitterMinJumps     = 6
)

// Estimator is the adaptive scalar Kalman filter for one vehicle's fuel
// level. State is a single fuel volume in liters with variance P; the
// smoothed burn rate is carried outside the filter state and feeds the
// predict step.
//
// An Estimator is exclusively owned by one processing slot and is not safe
// for concurrent use.
type Estimator struct {
	VehicleID string
	Config    Config

	// Kalman state
	LevelL      float64
	P           float64
	Initialized bool

	// Bookkeeping
	LastUpdate    time.Time
	Mode          OperatingMode
	DriftPct      float64
	LastECUTotalL *float64
	BurnRateGPH   float64

	// Process-noise adaptation
	speedWindow []float64

	// Tank-sensor fault tracking
	lastTankPct       *float64
	flatlineRun       int
	flatlineConsumedL float64
	deltaWindow       []float64
	faultSuspect      bool
}

// NewEstimator constructs the estimator for one vehicle. A non-positive tank
// capacity or otherwise inconsistent config is a fatal ConfigError for this
// vehicle, returned to the caller; it can never surface mid-operation.
func NewEstimator(vehicleID string, cfg Config) (*Estimator, error) {
	if err := cfg.Validate(vehicleID); err != nil {
		return nil, err
	}
	return &Estimator{
		VehicleID:   vehicleID,
		Config:      cfg,
		Mode:        ModeParked,
		speedWindow: make([]float64, 0, MaxSpeedWindowLength),
	}, nil
}

// Seed initializes the filter from the first usable reading. When the tank
// sensor is absent the filter starts at half capacity with the same high
// uncertainty and lets the first updates pull it in.
func (e *Estimator) Seed(r SensorReading) {
	if r.FuelPct != nil {
		e.LevelL = *r.FuelPct / 100 * e.Config.TankCapacityL
	} else {
		e.LevelL = e.Config.TankCapacityL / 2
	}
	e.P = InitialVarianceL2
	e.Initialized = true
	e.LastUpdate = r.Timestamp
	if r.ECUTotalFuelL != nil {
		v := *r.ECUTotalFuelL
		e.LastECUTotalL = &v
	}
}

// Predict advances the estimate by the modeled consumption over dtHours and
// inflates variance by the adaptive process noise. Used both as the first
// half of a normal cycle and alone for dead reckoning when no measurement is
// available.
func (e *Estimator) Predict(dtHours, speedMPH float64, mode OperatingMode) {
	if !e.Initialized || dtHours <= 0 {
		return
	}

	e.noteSpeed(speedMPH)

	burnGPH := e.modelBurnGPH(speedMPH, mode)
	e.LevelL -= units.GallonsToLiters(burnGPH * dtHours)
	if e.LevelL < 0 {
		e.LevelL = 0
	}

	// Q scales up with recent speed variability: rapid accel/decel makes the
	// consumption model less trustworthy.
	q := e.Config.ProcessNoiseBase * dtHours * (1 + e.speedVariability()/speedVariabilityRef)
	e.P += q
}

// modelBurnGPH is the physically-motivated consumption term: nothing when
// parked, the idle burn when idling, idle plus a speed-proportional load term
// when moving, blended with the smoothed burn rate actually observed from
// the ECU counter once one exists.
func (e *Estimator) modelBurnGPH(speedMPH float64, mode OperatingMode) float64 {
	var modeled float64
	switch mode {
	case ModeParked:
		modeled = 0
	case ModeIdle:
		modeled = e.Config.IdleBurnGPH
	case ModeMoving:
		modeled = e.Config.IdleBurnGPH + e.Config.BurnGPHPerMPH*speedMPH
	}
	if e.BurnRateGPH > 0 && mode == ModeMoving {
		modeled = 0.5*modeled + 0.5*e.BurnRateGPH
	}
	return modeled
}

// Update applies the standard scalar Kalman correction and clamps the state
// to the physical tank. Negative or over-capacity estimates never persist.
func (e *Estimator) Update(m Measurement) {
	if !e.Initialized {
		return
	}
	k := e.P / (e.P + m.R)
	e.LevelL += k * (m.LevelL - e.LevelL)
	e.P *= (1 - k)

	if e.LevelL < 0 {
		e.LevelL = 0
	}
	if e.LevelL > e.Config.TankCapacityL {
		e.LevelL = e.Config.TankCapacityL
	}
	if e.P < MinVarianceL2 {
		e.P = MinVarianceL2
	}
}

// ComputeDrift records the normalized discrepancy between the raw tank
// sensor and the fused estimate, independent of which source was fused.
func (e *Estimator) ComputeDrift(sensorLevelL float64) float64 {
	if e.Config.TankCapacityL <= 0 {
		return 0
	}
	d := sensorLevelL - e.LevelL
	if d < 0 {
		d = -d
	}
	e.DriftPct = d / e.Config.TankCapacityL * 100
	return e.DriftPct
}

// Resync forces the estimate to the raw sensor value after an emergency
// divergence, resetting covariance to the post-resync value. The caller must
// have already given the event detector its look at the pre-resync values.
func (e *Estimator) Resync(sensorLevelL float64) {
	monitoring.Logf("vehicle %s: emergency resync %.1fL -> %.1fL (drift %.1f%%)",
		e.VehicleID, e.LevelL, sensorLevelL, e.DriftPct)
	e.LevelL = sensorLevelL
	if e.LevelL < 0 {
		e.LevelL = 0
	}
	if e.LevelL > e.Config.TankCapacityL {
		e.LevelL = e.Config.TankCapacityL
	}
	e.P = PostResyncVarianceL2
	e.DriftPct = 0
}

// RebaseCounter resets the ECU counter baseline after a detected reset, so
// the next delta is computed against the new epoch.
func (e *Estimator) RebaseCounter(newTotalL float64) {
	v := newTotalL
	e.LastECUTotalL = &v
}

// ObserveBurn feeds an observed consumption (from the ECU counter) into the
// smoothed burn rate used by prediction.
func (e *Estimator) ObserveBurn(gallons, dtHours float64) {
	if dtHours <= 0 || gallons < 0 {
		return
	}
	gph := gallons / dtHours
	if gph > MaxFuelRateGPH {
		return
	}
	if e.BurnRateGPH == 0 {
		e.BurnRateGPH = gph
		return
	}
	e.BurnRateGPH = burnRateAlpha*gph + (1-burnRateAlpha)*e.BurnRateGPH
}

// TrackSensorHealth watches the raw tank percentage for two failure shapes:
// a flatline, where an identical value held across many readings while the
// ECU counter shows real consumption means the sender is stuck, and jitter,
// where the level swings by implausible amounts reading after reading. A
// single large step (a real refuel, a resync) never trips the jitter check;
// it takes repeated oscillation within the window. The suspicion inflates
// tank R until the sensor settles; the event detector reports the fault.
func (e *Estimator) TrackSensorHealth(r SensorReading, consumedL float64) {
	if r.FuelPct == nil {
		return
	}
	if e.lastTankPct != nil && *r.FuelPct == *e.lastTankPct {
		e.flatlineRun++
		e.flatlineConsumedL += consumedL
	} else {
		e.flatlineRun = 0
		e.flatlineConsumedL = 0
	}
	if e.lastTankPct != nil {
		e.deltaWindow = append(e.deltaWindow, math.Abs(*r.FuelPct-*e.lastTankPct))
		if len(e.deltaWindow) > jitterWindowLength {
			e.deltaWindow = e.deltaWindow[1:]
		}
	}
	v := *r.FuelPct
	e.lastTankPct = &v

	flatline := e.flatlineRun >= flatlineReadings && e.flatlineConsumedL >= flatlineMinConsumedL
	jumps := 0
	for _, d := range e.deltaWindow {
		if d > jitterStepPct {
			jumps++
		}
	}
	e.faultSuspect = flatline || jumps >= jitterMinJumps
}

// SensorFaultSuspected reports whether the tank sensor is currently
// suspected faulty.
func (e *Estimator) SensorFaultSuspected() bool {
	return e.faultSuspect
}

func (e *Estimator) noteSpeed(speedMPH float64) {
	e.speedWindow = append(e.speedWindow, speedMPH)
	if len(e.speedWindow) > MaxSpeedWindowLength {
		e.speedWindow = e.speedWindow[1:]
	}
}

// speedVariability returns the standard deviation of the recent speed
// window in mph.
func (e *Estimator) speedVariability() float64 {
	if len(e.speedWindow) < 2 {
		return 0
	}
	return stat.StdDev(e.speedWindow, nil)
}
