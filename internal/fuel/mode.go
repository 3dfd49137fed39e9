package fuel

import "time"

// OperatingMode represents the vehicle power/motion state driving noise
// tuning and event policy.
type OperatingMode string

const (
	ModeParked OperatingMode = "parked" // Engine off beyond the grace period
	ModeIdle   OperatingMode = "idle"   // Engine running, not moving
	ModeMoving OperatingMode = "moving" // Speed above the motion threshold
)

// ClassifyMode derives the operating mode from speed, RPM and how long the
// engine has been off. Transitions are evaluated on every reading with no
// hysteresis beyond the engine-off grace period, keeping noise tuning
// responsive.
func ClassifyMode(speedMPH, rpm float64, engineOffFor time.Duration, cfg Config) OperatingMode {
	if speedMPH > cfg.MovingSpeedMPH {
		return ModeMoving
	}
	if rpm >= cfg.IdleRPMMin {
		return ModeIdle
	}
	// Engine not running. A short grace period keeps stop-start traffic and
	// momentary RPM dropouts from flapping into parked.
	if engineOffFor >= cfg.ParkedGrace {
		return ModeParked
	}
	return ModeIdle
}
