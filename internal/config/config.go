package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/fuelwatch.defaults.json"

// TuningConfig represents the root configuration for estimator tuning.
// All fields are pointers so that partial JSON files are safe: fields omitted
// from the file fall back to the defaults carried by the Get* accessors.
type TuningConfig struct {
	// Tank / vehicle class params
	TankCapacityLiters *float64 `json:"tank_capacity_l,omitempty"`
	MinMPG             *float64 `json:"min_mpg,omitempty"`
	MaxMPG             *float64 `json:"max_mpg,omitempty"`

	// MPG window params
	MinWindowMiles   *float64 `json:"min_miles,omitempty"`
	MinWindowGallons *float64 `json:"min_fuel_gal,omitempty"`
	EMAAlpha         *float64 `json:"ema_alpha,omitempty"`
	AdaptiveAlpha    *bool    `json:"mpg_adaptive_alpha,omitempty"`
	MPGHistorySize   *int     `json:"mpg_history_size,omitempty"`

	// Drift params
	DriftWarningPct   *float64 `json:"drift_warning_pct,omitempty"`
	DriftEmergencyPct *float64 `json:"drift_emergency_pct,omitempty"`

	// Event params
	RefuelMinPct         *float64 `json:"refuel_min_pct,omitempty"`
	RefuelMinGallons     *float64 `json:"refuel_min_gal,omitempty"`
	TheftMinPct          *float64 `json:"theft_min_pct,omitempty"`
	TheftMinGallons      *float64 `json:"theft_min_gal,omitempty"`
	EventCooldownSeconds *float64 `json:"event_cooldown_seconds,omitempty"`
	EventMaxGap          *string  `json:"event_max_gap,omitempty"` // duration string like "36h"

	// Operating mode params
	IdleRPMMin         *float64 `json:"idle_rpm_min,omitempty"`
	MovingSpeedMPH     *float64 `json:"moving_speed_mph,omitempty"`
	ParkedGraceSeconds *float64 `json:"parked_grace_seconds,omitempty"`

	// Kalman noise params (variances in liters squared)
	MeasurementNoiseECU  *float64 `json:"measurement_noise_ecu,omitempty"`
	MeasurementNoiseTank *float64 `json:"measurement_noise_tank,omitempty"`
	MeasurementNoiseRate *float64 `json:"measurement_noise_rate,omitempty"`
	ProcessNoiseBase     *float64 `json:"process_noise_base,omitempty"`

	// Fusion params
	MaxIntervalDeltaGallons *float64 `json:"max_interval_delta_gal,omitempty"`

	// Consumption model params
	IdleBurnGPH       *float64 `json:"idle_burn_gph,omitempty"`
	BurnGPHPerMPH     *float64 `json:"burn_gph_per_mph,omitempty"`

	// Persistence params
	SnapshotStale *string `json:"snapshot_stale,omitempty"` // duration string like "24h"

	// Per-vehicle overrides, keyed by vehicle id.
	Vehicles map[string]VehicleOverride `json:"vehicles,omitempty"`
}

// VehicleOverride carries the per-vehicle static configuration that differs
// from the fleet-wide defaults.
type VehicleOverride struct {
	TankCapacityLiters *float64 `json:"tank_capacity_l,omitempty"`
	MinMPG             *float64 `json:"min_mpg,omitempty"`
	MaxMPG             *float64 `json:"max_mpg,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TankCapacityLiters != nil && *c.TankCapacityLiters <= 0 {
		return fmt.Errorf("tank_capacity_l must be positive, got %f", *c.TankCapacityLiters)
	}
	if c.MinMPG != nil && c.MaxMPG != nil && *c.MinMPG >= *c.MaxMPG {
		return fmt.Errorf("min_mpg (%f) must be below max_mpg (%f)", *c.MinMPG, *c.MaxMPG)
	}
	if c.EMAAlpha != nil {
		if *c.EMAAlpha <= 0 || *c.EMAAlpha > 1 {
			return fmt.Errorf("ema_alpha must be in (0, 1], got %f", *c.EMAAlpha)
		}
	}
	if c.DriftWarningPct != nil && c.DriftEmergencyPct != nil && *c.DriftWarningPct >= *c.DriftEmergencyPct {
		return fmt.Errorf("drift_warning_pct (%f) must be below drift_emergency_pct (%f)",
			*c.DriftWarningPct, *c.DriftEmergencyPct)
	}
	if c.EventCooldownSeconds != nil && *c.EventCooldownSeconds < 0 {
		return fmt.Errorf("event_cooldown_seconds must be non-negative, got %f", *c.EventCooldownSeconds)
	}
	if c.EventMaxGap != nil && *c.EventMaxGap != "" {
		if _, err := time.ParseDuration(*c.EventMaxGap); err != nil {
			return fmt.Errorf("invalid event_max_gap '%s': %w", *c.EventMaxGap, err)
		}
	}
	if c.SnapshotStale != nil && *c.SnapshotStale != "" {
		if _, err := time.ParseDuration(*c.SnapshotStale); err != nil {
			return fmt.Errorf("invalid snapshot_stale '%s': %w", *c.SnapshotStale, err)
		}
	}
	for id, v := range c.Vehicles {
		if v.TankCapacityLiters != nil && *v.TankCapacityLiters <= 0 {
			return fmt.Errorf("vehicle %s: tank_capacity_l must be positive, got %f", id, *v.TankCapacityLiters)
		}
	}
	return nil
}

// GetTankCapacityLiters returns the fleet-wide default tank capacity.
func (c *TuningConfig) GetTankCapacityLiters() float64 {
	if c.TankCapacityLiters == nil {
		return 378.541 // 100 US gallons, typical class-8 dual tanks
	}
	return *c.TankCapacityLiters
}

// GetVehicleTankCapacityLiters returns the tank capacity for a vehicle,
// falling back to the fleet-wide default when no override exists.
func (c *TuningConfig) GetVehicleTankCapacityLiters(vehicleID string) float64 {
	if v, ok := c.Vehicles[vehicleID]; ok && v.TankCapacityLiters != nil {
		return *v.TankCapacityLiters
	}
	return c.GetTankCapacityLiters()
}

// GetMinMPG returns the min_mpg value or the default.
func (c *TuningConfig) GetMinMPG() float64 {
	if c.MinMPG == nil {
		return 3.0
	}
	return *c.MinMPG
}

// GetMaxMPG returns the max_mpg value or the default.
func (c *TuningConfig) GetMaxMPG() float64 {
	if c.MaxMPG == nil {
		return 12.0
	}
	return *c.MaxMPG
}

// GetMinWindowMiles returns the min_miles value or the default.
func (c *TuningConfig) GetMinWindowMiles() float64 {
	if c.MinWindowMiles == nil {
		return 25.0
	}
	return *c.MinWindowMiles
}

// GetMinWindowGallons returns the min_fuel_gal value or the default.
func (c *TuningConfig) GetMinWindowGallons() float64 {
	if c.MinWindowGallons == nil {
		return 4.0
	}
	return *c.MinWindowGallons
}

// GetEMAAlpha returns the ema_alpha value or the default.
func (c *TuningConfig) GetEMAAlpha() float64 {
	if c.EMAAlpha == nil {
		return 0.2
	}
	return *c.EMAAlpha
}

// GetAdaptiveAlpha returns the mpg_adaptive_alpha value or the default.
// Variance-adaptive smoothing destabilized fleet MPG figures in field use;
// it stays off unless explicitly enabled.
func (c *TuningConfig) GetAdaptiveAlpha() bool {
	if c.AdaptiveAlpha == nil {
		return false
	}
	return *c.AdaptiveAlpha
}

// GetMPGHistorySize returns the mpg_history_size value or the default.
func (c *TuningConfig) GetMPGHistorySize() int {
	if c.MPGHistorySize == nil {
		return 12
	}
	return *c.MPGHistorySize
}

// GetDriftWarningPct returns the drift_warning_pct value or the default.
func (c *TuningConfig) GetDriftWarningPct() float64 {
	if c.DriftWarningPct == nil {
		return 15.0
	}
	return *c.DriftWarningPct
}

// GetDriftEmergencyPct returns the drift_emergency_pct value or the default.
func (c *TuningConfig) GetDriftEmergencyPct() float64 {
	if c.DriftEmergencyPct == nil {
		return 30.0
	}
	return *c.DriftEmergencyPct
}

// GetRefuelMinPct returns the refuel_min_pct value or the default.
func (c *TuningConfig) GetRefuelMinPct() float64 {
	if c.RefuelMinPct == nil {
		return 10.0
	}
	return *c.RefuelMinPct
}

// GetRefuelMinGallons returns the refuel_min_gal value or the default.
func (c *TuningConfig) GetRefuelMinGallons() float64 {
	if c.RefuelMinGallons == nil {
		return 5.0
	}
	return *c.RefuelMinGallons
}

// GetTheftMinPct returns the theft_min_pct value or the default.
func (c *TuningConfig) GetTheftMinPct() float64 {
	if c.TheftMinPct == nil {
		return 10.0
	}
	return *c.TheftMinPct
}

// GetTheftMinGallons returns the theft_min_gal value or the default.
func (c *TuningConfig) GetTheftMinGallons() float64 {
	if c.TheftMinGallons == nil {
		return 5.0
	}
	return *c.TheftMinGallons
}

// GetEventCooldown returns the event cooldown as a time.Duration.
func (c *TuningConfig) GetEventCooldown() time.Duration {
	if c.EventCooldownSeconds == nil {
		return 30 * time.Minute
	}
	return time.Duration(*c.EventCooldownSeconds * float64(time.Second))
}

// GetEventMaxGap parses and returns the EventMaxGap as a time.Duration.
func (c *TuningConfig) GetEventMaxGap() time.Duration {
	if c.EventMaxGap == nil || *c.EventMaxGap == "" {
		return 36 * time.Hour
	}
	d, err := time.ParseDuration(*c.EventMaxGap)
	if err != nil {
		return 36 * time.Hour
	}
	return d
}

// GetIdleRPMMin returns the idle_rpm_min value or the default.
func (c *TuningConfig) GetIdleRPMMin() float64 {
	if c.IdleRPMMin == nil {
		return 400.0
	}
	return *c.IdleRPMMin
}

// GetMovingSpeedMPH returns the moving_speed_mph value or the default.
func (c *TuningConfig) GetMovingSpeedMPH() float64 {
	if c.MovingSpeedMPH == nil {
		return 3.0
	}
	return *c.MovingSpeedMPH
}

// GetParkedGrace returns the parked grace period as a time.Duration.
func (c *TuningConfig) GetParkedGrace() time.Duration {
	if c.ParkedGraceSeconds == nil {
		return 2 * time.Minute
	}
	return time.Duration(*c.ParkedGraceSeconds * float64(time.Second))
}

// GetMeasurementNoiseECU returns the ECU-delta measurement variance or the default.
func (c *TuningConfig) GetMeasurementNoiseECU() float64 {
	if c.MeasurementNoiseECU == nil {
		return 2.0
	}
	return *c.MeasurementNoiseECU
}

// GetMeasurementNoiseTank returns the tank-sensor measurement variance or the default.
func (c *TuningConfig) GetMeasurementNoiseTank() float64 {
	if c.MeasurementNoiseTank == nil {
		return 25.0
	}
	return *c.MeasurementNoiseTank
}

// GetMeasurementNoiseRate returns the rate-integration measurement variance or the default.
func (c *TuningConfig) GetMeasurementNoiseRate() float64 {
	if c.MeasurementNoiseRate == nil {
		return 60.0
	}
	return *c.MeasurementNoiseRate
}

// GetProcessNoiseBase returns the process_noise_base value or the default.
func (c *TuningConfig) GetProcessNoiseBase() float64 {
	if c.ProcessNoiseBase == nil {
		return 1.0 // liters² per hour of dead reckoning
	}
	return *c.ProcessNoiseBase
}

// GetMaxIntervalDeltaGallons returns the max_interval_delta_gal value or the default.
func (c *TuningConfig) GetMaxIntervalDeltaGallons() float64 {
	if c.MaxIntervalDeltaGallons == nil {
		return 25.0
	}
	return *c.MaxIntervalDeltaGallons
}

// GetIdleBurnGPH returns the idle_burn_gph value or the default.
func (c *TuningConfig) GetIdleBurnGPH() float64 {
	if c.IdleBurnGPH == nil {
		return 0.8
	}
	return *c.IdleBurnGPH
}

// GetBurnGPHPerMPH returns the burn_gph_per_mph value or the default.
func (c *TuningConfig) GetBurnGPHPerMPH() float64 {
	if c.BurnGPHPerMPH == nil {
		return 0.15 // ~6.7 mpg steady-state for a loaded tractor
	}
	return *c.BurnGPHPerMPH
}

// GetSnapshotStale parses and returns the snapshot staleness bound.
func (c *TuningConfig) GetSnapshotStale() time.Duration {
	if c.SnapshotStale == nil || *c.SnapshotStale == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(*c.SnapshotStale)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}
