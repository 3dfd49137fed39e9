package fuel

import (
	"math"
	"testing"
	"time"
)

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	e, err := NewEstimator("T-100", DefaultConfig())
	if err != nil {
		t.Fatalf("NewEstimator failed: %v", err)
	}
	return e
}

func seededReading(pct float64) SensorReading {
	return SensorReading{
		VehicleID: "T-100",
		Timestamp: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		FuelPct:   &pct,
	}
}

func TestSelectMeasurement_PrefersECUDelta(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	e.RebaseCounter(1000)

	baseline := e.LevelL
	r := SensorReading{
		VehicleID:     "T-100",
		ECUTotalFuelL: fptr(1002.5), // 2.5L burned since baseline
		FuelPct:       fptr(49),     // tank sensor also present
	}

	m, ok := e.SelectMeasurement(r, baseline, 1.0/60, ModeIdle)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if m.Kind != MeasurementECUDelta {
		t.Fatalf("Kind = %v, want ecu_delta", m.Kind)
	}
	if want := baseline - 2.5; math.Abs(m.LevelL-want) > 1e-9 {
		t.Errorf("LevelL = %v, want %v", m.LevelL, want)
	}
	if m.R != e.Config.MeasurementNoiseECU {
		t.Errorf("R = %v, want base ECU noise %v", m.R, e.Config.MeasurementNoiseECU)
	}
}

func TestSelectMeasurement_ECUTrustedMoreWhileMoving(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	e.RebaseCounter(1000)

	r := SensorReading{VehicleID: "T-100", ECUTotalFuelL: fptr(1001)}
	m, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, ModeMoving)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if want := e.Config.MeasurementNoiseECU * movingECUTrust; m.R != want {
		t.Errorf("R = %v, want %v", m.R, want)
	}
}

func TestSelectMeasurement_OversizedECUDeltaFallsToTank(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	e.RebaseCounter(1000)

	// 150L in one interval is far beyond the interval bound, so the counter
	// delta is not consumption this cycle.
	r := SensorReading{
		VehicleID:     "T-100",
		ECUTotalFuelL: fptr(1150),
		FuelPct:       fptr(48),
	}

	m, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, ModeParked)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if m.Kind != MeasurementTankLevel {
		t.Errorf("Kind = %v, want tank_level", m.Kind)
	}
}

func TestSelectMeasurement_CounterResetSkipsCycle(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	e.RebaseCounter(5000)

	// A reset invalidates the whole cycle even when other sources are
	// present: the baseline is rebased and no measurement is applied.
	r := SensorReading{
		VehicleID:     "T-100",
		ECUTotalFuelL: fptr(3),
		CounterReset:  true,
		FuelPct:       fptr(50),
		FuelRateGPH:   fptr(0.5),
	}

	if _, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, ModeParked); ok {
		t.Error("SelectMeasurement() ok = true on a counter-reset cycle, want false")
	}
}

func TestSelectMeasurement_TankNoiseByMode(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	base := e.Config.MeasurementNoiseTank

	tests := []struct {
		name string
		mode OperatingMode
		want float64
	}{
		{"parked trusts the float", ModeParked, base * parkedTankTrust},
		{"idle uses base", ModeIdle, base},
		{"moving penalized for slosh", ModeMoving, base * movingTankPenalty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SensorReading{VehicleID: "T-100", FuelPct: fptr(50)}
			m, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, tt.mode)
			if !ok {
				t.Fatal("SelectMeasurement() ok = false, want true")
			}
			if m.R != tt.want {
				t.Errorf("R = %v, want %v", m.R, tt.want)
			}
		})
	}
}

func TestSelectMeasurement_FaultSuspectInflatesTankNoise(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	e.faultSuspect = true

	r := SensorReading{VehicleID: "T-100", FuelPct: fptr(50)}
	m, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, ModeIdle)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if want := e.Config.MeasurementNoiseTank * faultTankPenalty; m.R != want {
		t.Errorf("R = %v, want %v", m.R, want)
	}
}

func TestSelectMeasurement_RateFallback(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))
	baseline := e.LevelL

	// Rate is the only source: half a gallon per hour over 30 minutes.
	r := SensorReading{VehicleID: "T-100", FuelRateGPH: fptr(0.5)}
	m, ok := e.SelectMeasurement(r, baseline, 0.5, ModeIdle)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if m.Kind != MeasurementFuelRate {
		t.Fatalf("Kind = %v, want fuel_rate", m.Kind)
	}
	wantLevel := baseline - 0.25*3.785411784
	if math.Abs(m.LevelL-wantLevel) > 1e-9 {
		t.Errorf("LevelL = %v, want %v", m.LevelL, wantLevel)
	}
	if m.R != e.Config.MeasurementNoiseRate {
		t.Errorf("R = %v, want %v", m.R, e.Config.MeasurementNoiseRate)
	}
}

func TestSelectMeasurement_DegradedSignalsPenalizeRateOnly(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	// Rate source under a bad GPS fix is penalized.
	r := SensorReading{VehicleID: "T-100", FuelRateGPH: fptr(0.5), GPSDegraded: true}
	m, ok := e.SelectMeasurement(r, e.LevelL, 0.5, ModeIdle)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if want := e.Config.MeasurementNoiseRate * degradedRatePenalty; m.R != want {
		t.Errorf("rate R = %v, want %v", m.R, want)
	}

	// The raw tank sensor is never penalized for GPS or voltage.
	r2 := SensorReading{VehicleID: "T-100", FuelPct: fptr(50), GPSDegraded: true, LowVoltage: true}
	m2, ok := e.SelectMeasurement(r2, e.LevelL, 0.5, ModeIdle)
	if !ok {
		t.Fatal("SelectMeasurement() ok = false, want true")
	}
	if m2.R != e.Config.MeasurementNoiseTank {
		t.Errorf("tank R = %v, want unpenalized %v", m2.R, e.Config.MeasurementNoiseTank)
	}
}

func TestSelectMeasurement_NoSource(t *testing.T) {
	e := newTestEstimator(t)
	e.Seed(seededReading(50))

	r := SensorReading{VehicleID: "T-100", SpeedMPH: 55, RPM: 1500}
	if _, ok := e.SelectMeasurement(r, e.LevelL, 1.0/60, ModeMoving); ok {
		t.Error("SelectMeasurement() ok = true with no fuel source, want false")
	}
}

func TestMeasurementKindString(t *testing.T) {
	tests := []struct {
		kind MeasurementKind
		want string
	}{
		{MeasurementNone, "none"},
		{MeasurementECUDelta, "ecu_delta"},
		{MeasurementTankLevel, "tank_level"},
		{MeasurementFuelRate, "fuel_rate"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
