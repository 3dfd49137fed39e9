package fuel

import (
	"time"
)

// Physical bounds for sensor fields. Out-of-range values are nulled rather
// than rejecting the whole reading; only an unusable envelope (no vehicle id,
// no timestamp) rejects the batch entry outright.
const (
	// MaxFuelRateGPH caps plausible instantaneous fuel rate.
	MaxFuelRateGPH = 20.0

	// MaxUsableHDOP is the GPS dilution-of-precision ceiling; above it the
	// reading is downgraded (not discarded) for distance purposes.
	MaxUsableHDOP = 2.0

	// MinUsableSatellites is the minimum GPS satellite count before the fix
	// is considered degraded.
	MinUsableSatellites = 6

	// LowVoltageThreshold marks a reading electrically suspect. Sender
	// circuits misreport under supply sag.
	LowVoltageThreshold = 11.5

	// CounterResetToleranceL absorbs small backwards jitter in the ECU
	// cumulative counter before declaring a reset.
	CounterResetToleranceL = 0.5
)

// RejectReason classifies why a raw reading could not be validated at all.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectMissingVehicle RejectReason = "missing_vehicle_id"
	RejectZeroTimestamp  RejectReason = "zero_timestamp"
	RejectFutureReading  RejectReason = "timestamp_in_future"
)

// RawReading is a single telemetry sample as delivered by the collector,
// before validation. Pointer fields are absent when the sensor did not
// report.
type RawReading struct {
	VehicleID      string     `json:"vehicle_id"`
	Timestamp      time.Time  `json:"timestamp"`
	FuelPct        *float64   `json:"fuel_pct,omitempty"`
	ECUTotalFuelL  *float64   `json:"ecu_total_fuel_l,omitempty"`
	FuelRateGPH    *float64   `json:"fuel_rate_gph,omitempty"`
	SpeedMPH       float64    `json:"speed_mph"`
	RPM            float64    `json:"rpm"`
	OdometerMiles  *float64   `json:"odometer_mi,omitempty"`
	GPSSatellites  int        `json:"gps_satellites"`
	GPSHDOP        float64    `json:"gps_hdop"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	BatteryVoltage float64    `json:"battery_voltage"`
}

// SensorReading is a validated, immutable reading. Fields that failed bounds
// checks are nil; the flags record classifications the downstream stages key
// off.
type SensorReading struct {
	VehicleID      string
	Timestamp      time.Time
	FuelPct        *float64
	ECUTotalFuelL  *float64
	FuelRateGPH    *float64
	SpeedMPH       float64
	RPM            float64
	OdometerMiles  *float64
	GPSSatellites  int
	GPSHDOP        float64
	Latitude       float64
	Longitude      float64
	BatteryVoltage float64

	// CounterReset is set when the ECU cumulative counter decreased beyond
	// tolerance. The counter value is kept for baseline rebase but must not
	// be used as a consumption delta this cycle.
	CounterReset bool

	// GPSDegraded downgrades the reading for distance purposes.
	GPSDegraded bool

	// LowVoltage marks the electrical system suspect.
	LowVoltage bool
}

// HasFuelSource reports whether at least one fuel source survived
// validation. Without one, the cycle runs predict-only.
func (r SensorReading) HasFuelSource() bool {
	return r.FuelPct != nil || (r.ECUTotalFuelL != nil && !r.CounterReset) || r.FuelRateGPH != nil
}

// EngineRunning reports whether the engine is turning.
func (r SensorReading) EngineRunning(idleRPMMin float64) bool {
	return r.RPM >= idleRPMMin
}

// ValidateReading bounds-checks a raw reading and classifies its fields.
// lastECUTotalL is the previous baseline for counter-reset detection (nil
// when no counter has been seen). The function is pure: it mutates nothing
// and reports everything through the returned SensorReading.
func ValidateReading(raw RawReading, lastECUTotalL *float64, now time.Time) (SensorReading, RejectReason) {
	if raw.VehicleID == "" {
		return SensorReading{}, RejectMissingVehicle
	}
	if raw.Timestamp.IsZero() {
		return SensorReading{}, RejectZeroTimestamp
	}
	// Tolerate modest clock skew from the vehicle gateway.
	if raw.Timestamp.After(now.Add(5 * time.Minute)) {
		return SensorReading{}, RejectFutureReading
	}

	r := SensorReading{
		VehicleID:      raw.VehicleID,
		Timestamp:      raw.Timestamp,
		SpeedMPH:       raw.SpeedMPH,
		RPM:            raw.RPM,
		GPSSatellites:  raw.GPSSatellites,
		GPSHDOP:        raw.GPSHDOP,
		Latitude:       raw.Latitude,
		Longitude:      raw.Longitude,
		BatteryVoltage: raw.BatteryVoltage,
	}

	if raw.SpeedMPH < 0 {
		r.SpeedMPH = 0
	}
	if raw.RPM < 0 {
		r.RPM = 0
	}

	if raw.FuelPct != nil {
		if v := *raw.FuelPct; v >= 0 && v <= 100 {
			r.FuelPct = &v
		}
	}

	if raw.ECUTotalFuelL != nil && *raw.ECUTotalFuelL >= 0 {
		v := *raw.ECUTotalFuelL
		r.ECUTotalFuelL = &v
		if lastECUTotalL != nil && v < *lastECUTotalL-CounterResetToleranceL {
			r.CounterReset = true
		}
	}

	if raw.FuelRateGPH != nil {
		if v := *raw.FuelRateGPH; v >= 0 && v <= MaxFuelRateGPH {
			r.FuelRateGPH = &v
		}
	}

	if raw.OdometerMiles != nil && *raw.OdometerMiles >= 0 {
		v := *raw.OdometerMiles
		r.OdometerMiles = &v
	}

	if raw.GPSHDOP > MaxUsableHDOP || raw.GPSSatellites < MinUsableSatellites {
		r.GPSDegraded = true
	}
	if raw.BatteryVoltage > 0 && raw.BatteryVoltage < LowVoltageThreshold {
		r.LowVoltage = true
	}

	return r, RejectNone
}
