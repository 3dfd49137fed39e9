package fuel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEstimator_ConfigError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TankCapacityL = 0

	_, err := NewEstimator("T-100", cfg)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "T-100", cfgErr.VehicleID)
}

func TestSeed(t *testing.T) {
	e := newTestEstimator(t)
	require.False(t, e.Initialized)

	e.Seed(seededReading(50))
	assert.True(t, e.Initialized)
	assert.InDelta(t, e.Config.TankCapacityL/2, e.LevelL, 1e-9)
	assert.Equal(t, InitialVarianceL2, e.P)
}

func TestSeed_WithoutTankSensor(t *testing.T) {
	e := newTestEstimator(t)
	r := SensorReading{
		VehicleID:     "T-100",
		Timestamp:     time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		ECUTotalFuelL: fptr(1000),
	}
	e.Seed(r)

	assert.True(t, e.Initialized)
	assert.InDelta(t, e.Config.TankCapacityL/2, e.LevelL, 1e-9)
	require.NotNil(t, e.LastECUTotalL)
	assert.Equal(t, 1000.0, *e.LastECUTotalL)
}

func TestPredict_ConsumesByMode(t *testing.T) {
	tests := []struct {
		name     string
		mode     OperatingMode
		speedMPH float64
		burns    bool
	}{
		{"parked burns nothing", ModeParked, 0, false},
		{"idle burns at idle rate", ModeIdle, 0, true},
		{"moving burns more", ModeMoving, 55, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEstimator(t)
			e.Seed(seededReading(50))
			before := e.LevelL

			e.Predict(0.25, tt.speedMPH, tt.mode)

			if tt.burns {
				assert.Less(t, e.LevelL, before)
			} else {
				assert.Equal(t, before, e.LevelL)
			}
			// Variance always grows over a prediction interval.
			assert.Greater(t, e.P, InitialVarianceL2)
		})
	}
}

func TestPredict_MovingBurnsMoreThanIdle(t *testing.T) {
	idle := newTestEstimator(t)
	idle.Seed(seededReading(50))
	idle.Predict(1.0, 0, ModeIdle)

	moving := newTestEstimator(t)
	moving.Seed(seededReading(50))
	moving.Predict(1.0, 55, ModeMoving)

	assert.Less(t, moving.LevelL, idle.LevelL)
}

func TestPredict_SpeedVariabilityInflatesProcessNoise(t *testing.T) {
	steady := newTestEstimator(t)
	steady.Seed(seededReading(50))
	stopAndGo := newTestEstimator(t)
	stopAndGo.Seed(seededReading(50))

	for i := 0; i < 20; i++ {
		steady.Predict(1.0/60, 55, ModeMoving)
		speed := 5.0
		if i%2 == 0 {
			speed = 45
		}
		stopAndGo.Predict(1.0/60, speed, ModeMoving)
	}

	assert.Greater(t, stopAndGo.P, steady.P,
		"stop-and-go speed history should grow variance faster")
}

func TestUpdate_PullsTowardMeasurement(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	target := 0.6 * e.Config.TankCapacityL

	for i := 0; i < 10; i++ {
		e.Update(Measurement{LevelL: target, Kind: MeasurementTankLevel, R: 10})
	}

	assert.InDelta(t, target, e.LevelL, 1.0)
	assert.Less(t, e.P, InitialVarianceL2)
}

func TestUpdate_ClampInvariant(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0:
			e.Predict(rng.Float64()*2, rng.Float64()*70, ModeMoving)
		case 1:
			e.Predict(rng.Float64()*12, 0, ModeParked)
		case 2:
			e.Update(Measurement{
				LevelL: rng.Float64()*600 - 100, // deliberately out of range
				Kind:   MeasurementTankLevel,
				R:      rng.Float64()*99 + 1,
			})
		}
		require.GreaterOrEqual(t, e.LevelL, 0.0, "iteration %d", i)
		require.LessOrEqual(t, e.LevelL, e.Config.TankCapacityL, "iteration %d", i)
		require.GreaterOrEqual(t, e.P, MinVarianceL2, "iteration %d", i)
	}
}

func TestECUConvergence(t *testing.T) {
	// Feed a steady burn through ECU counter deltas and check the estimate
	// tracks total consumption, not the modeled burn alone.
	e := newTestEstimator(t)
	e.Seed(seededReading(80))
	e.RebaseCounter(1000)
	start := e.LevelL

	total := 1000.0
	for i := 0; i < 60; i++ {
		baseline := e.LevelL
		e.Predict(1.0/60, 55, ModeMoving)
		total += 0.5 // 0.5L burned per minute
		v := total
		r := SensorReading{VehicleID: "T-100", ECUTotalFuelL: &v}
		m, ok := e.SelectMeasurement(r, baseline, 1.0/60, ModeMoving)
		require.True(t, ok)
		e.Update(m)
		e.ObserveBurn(0.5/3.785411784, 1.0/60)
		e.RebaseCounter(total)
	}

	assert.InDelta(t, start-30, e.LevelL, 3.0,
		"estimate should track 30L of counter-measured burn")
}

func TestComputeDrift(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	sensor := e.LevelL + 0.2*e.Config.TankCapacityL
	drift := e.ComputeDrift(sensor)
	assert.InDelta(t, 20.0, drift, 1e-9)
	assert.Equal(t, drift, e.DriftPct)

	// Symmetric in sign.
	drift = e.ComputeDrift(e.LevelL - 0.1*e.Config.TankCapacityL)
	assert.InDelta(t, 10.0, drift, 1e-9)
}

func TestResync(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	sensor := 0.9 * e.Config.TankCapacityL
	e.ComputeDrift(sensor)

	e.Resync(sensor)
	assert.Equal(t, sensor, e.LevelL)
	assert.Equal(t, PostResyncVarianceL2, e.P)
	assert.Zero(t, e.DriftPct)
}

func TestObserveBurn_EMA(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	e.ObserveBurn(1.0, 0.25) // 4 gph
	assert.InDelta(t, 4.0, e.BurnRateGPH, 1e-9)

	e.ObserveBurn(2.0, 0.25) // 8 gph observation
	want := burnRateAlpha*8 + (1-burnRateAlpha)*4
	assert.InDelta(t, want, e.BurnRateGPH, 1e-9)

	// Implausible rates and empty intervals are ignored.
	before := e.BurnRateGPH
	e.ObserveBurn(100, 0.1)
	e.ObserveBurn(1, 0)
	assert.Equal(t, before, e.BurnRateGPH)
}

func TestTrackSensorHealth_Flatline(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	// A frozen gauge while the counter keeps burning.
	stuck := SensorReading{VehicleID: "T-100", FuelPct: fptr(47)}
	for i := 0; i < 25; i++ {
		e.TrackSensorHealth(stuck, 0.5)
	}
	assert.True(t, e.SensorFaultSuspected())

	// Recovery: the sensor moves again.
	e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(44)}, 0.5)
	assert.False(t, e.SensorFaultSuspected())
}

func TestTrackSensorHealth_FlatlineWithoutConsumptionIsFine(t *testing.T) {
	// A parked vehicle legitimately reports the same level for hours.
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	stuck := SensorReading{VehicleID: "T-100", FuelPct: fptr(50)}
	for i := 0; i < 100; i++ {
		e.TrackSensorHealth(stuck, 0)
	}
	assert.False(t, e.SensorFaultSuspected())
}

func TestTrackSensorHealth_Jitter(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	// An erratic sender swinging 30% of tank between consecutive reads.
	for i := 0; i < 15; i++ {
		pct := 40.0
		if i%2 == 1 {
			pct = 70.0
		}
		e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(pct)}, 0)
	}
	assert.True(t, e.SensorFaultSuspected())

	// Recovery once the sender settles.
	for i := 0; i < 12; i++ {
		e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(55)}, 0)
	}
	assert.False(t, e.SensorFaultSuspected())
}

func TestTrackSensorHealth_SingleStepIsNotJitter(t *testing.T) {
	// A real refuel shows up as one large step, not oscillation.
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(30)}, 0)
	e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(75)}, 0)
	for i := 0; i < 5; i++ {
		e.TrackSensorHealth(SensorReading{VehicleID: "T-100", FuelPct: fptr(75)}, 0)
	}
	assert.False(t, e.SensorFaultSuspected())
}
