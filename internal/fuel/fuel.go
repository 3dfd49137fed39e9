// Package fuel implements the per-vehicle fuel-level estimation core:
// sensor-reading validation, operating-mode classification, multi-source
// fusion into an adaptive scalar Kalman filter, drift and event detection
// (refuel, theft, sensor fault), and the windowed fuel-economy accumulator.
//
// All per-vehicle state is exclusively owned by the shard goroutine the
// vehicle hashes to; nothing in this package takes a lock around vehicle
// state. The only shared resource is the snapshot store behind the
// SnapshotStore interface.
package fuel

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the recoverable conditions of a processing cycle.
// These never abort a batch; callers log them and continue.
var (
	// ErrCounterReset indicates the ECU cumulative counter decreased. The
	// baseline is rebased and no measurement is applied that cycle.
	ErrCounterReset = errors.New("ecu cumulative counter reset")

	// ErrNoMeasurement indicates no fuel source was usable this cycle; the
	// filter ran predict-only.
	ErrNoMeasurement = errors.New("no fuel measurement available")
)

// ConfigError is a fatal per-vehicle misconfiguration, surfaced at
// construction time. It never occurs during steady-state operation.
type ConfigError struct {
	VehicleID string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vehicle %s: invalid configuration: %s", e.VehicleID, e.Reason)
}

// Config is the immutable per-vehicle configuration consumed by the
// estimator, event detector and MPG accumulator at construction. There is no
// ambient global configuration; everything tunable arrives through this
// struct.
type Config struct {
	// Tank and vehicle class
	TankCapacityL float64
	MinMPG        float64
	MaxMPG        float64

	// MPG window
	MinWindowMiles   float64
	MinWindowGallons float64
	EMAAlpha         float64
	AdaptiveAlpha    bool
	MPGHistorySize   int

	// Drift policy
	DriftWarningPct   float64
	DriftEmergencyPct float64

	// Event thresholds
	RefuelMinPct     float64
	RefuelMinGallons float64
	TheftMinPct      float64
	TheftMinGallons  float64
	EventCooldown    time.Duration
	EventMaxGap      time.Duration

	// Operating mode
	IdleRPMMin     float64
	MovingSpeedMPH float64
	ParkedGrace    time.Duration

	// Kalman noise (variances in liters squared)
	MeasurementNoiseECU  float64
	MeasurementNoiseTank float64
	MeasurementNoiseRate float64
	ProcessNoiseBase     float64 // liters² added per hour of prediction

	// Fusion
	MaxIntervalDeltaGallons float64

	// Consumption model
	IdleBurnGPH   float64
	BurnGPHPerMPH float64

	// Persistence
	SnapshotStale time.Duration
}

// DefaultConfig returns the fleet-wide default configuration for a 100-gallon
// class-8 tank. Values mirror config/fuelwatch.defaults.json.
func DefaultConfig() Config {
	return Config{
		TankCapacityL:           378.541,
		MinMPG:                  3.0,
		MaxMPG:                  12.0,
		MinWindowMiles:          25.0,
		MinWindowGallons:        4.0,
		EMAAlpha:                0.2,
		AdaptiveAlpha:           false,
		MPGHistorySize:          12,
		DriftWarningPct:         15.0,
		DriftEmergencyPct:       30.0,
		RefuelMinPct:            10.0,
		RefuelMinGallons:        5.0,
		TheftMinPct:             10.0,
		TheftMinGallons:         5.0,
		EventCooldown:           30 * time.Minute,
		EventMaxGap:             36 * time.Hour,
		IdleRPMMin:              400.0,
		MovingSpeedMPH:          3.0,
		ParkedGrace:             2 * time.Minute,
		MeasurementNoiseECU:     2.0,
		MeasurementNoiseTank:    25.0,
		MeasurementNoiseRate:    60.0,
		ProcessNoiseBase:        1.0,
		MaxIntervalDeltaGallons: 25.0,
		IdleBurnGPH:             0.8,
		BurnGPHPerMPH:           0.15,
		SnapshotStale:           24 * time.Hour,
	}
}

// Validate checks the construction-time invariants of a Config.
func (c Config) Validate(vehicleID string) error {
	if c.TankCapacityL <= 0 {
		return &ConfigError{VehicleID: vehicleID, Reason: fmt.Sprintf("tank capacity must be positive, got %.2f L", c.TankCapacityL)}
	}
	if c.MinMPG >= c.MaxMPG {
		return &ConfigError{VehicleID: vehicleID, Reason: fmt.Sprintf("min mpg %.1f must be below max mpg %.1f", c.MinMPG, c.MaxMPG)}
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return &ConfigError{VehicleID: vehicleID, Reason: fmt.Sprintf("ema alpha must be in (0, 1], got %.3f", c.EMAAlpha)}
	}
	if c.DriftWarningPct >= c.DriftEmergencyPct {
		return &ConfigError{VehicleID: vehicleID, Reason: "drift warning threshold must be below emergency threshold"}
	}
	if c.MPGHistorySize <= 0 {
		return &ConfigError{VehicleID: vehicleID, Reason: "mpg history size must be positive"}
	}
	return nil
}
