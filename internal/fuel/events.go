package fuel

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetdata/fuelwatch/internal/monitoring"
	"github.com/fleetdata/fuelwatch/internal/units"
)

// EventKind classifies a detected fuel event.
type EventKind string

const (
	EventRefuel      EventKind = "refuel"
	EventTheft       EventKind = "theft"
	EventSensorFault EventKind = "sensor_fault"
)

// DetectorState is the per-vehicle event state machine state.
type DetectorState string

const (
	DetectNormal          DetectorState = "normal"
	DetectRefuelCandidate DetectorState = "refuel_candidate"
	DetectTheftCandidate  DetectorState = "theft_candidate"
)

// Confidence levels. High means the tank-sensor and ECU-counter deltas
// corroborate each other; medium means a single source.
const (
	ConfidenceHigh   = 90
	ConfidenceMedium = 60
)

// DetectedEvent is emitted to the external alerting collaborator and then
// discarded by the core; only cooldown bookkeeping survives.
type DetectedEvent struct {
	EventID          string    `json:"event_id"`
	VehicleID        string    `json:"vehicle_id"`
	Kind             EventKind `json:"kind"`
	MagnitudePct     float64   `json:"magnitude_pct"`
	MagnitudeGallons float64   `json:"magnitude_gal"`
	Confidence       int       `json:"confidence"`
	Timestamp        time.Time `json:"timestamp"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
}

// EventDetector watches the raw tank level against a slow-moving anchor and
// classifies large excursions as refuel or theft. It holds an explicit state
// machine (normal -> candidate -> confirmed -> normal) with per-kind
// cooldowns, and must observe pre-resync values: the pipeline runs it before
// any emergency resync so the evidence is not destroyed.
//
// Exclusively owned by one processing slot; not safe for concurrent use.
type EventDetector struct {
	VehicleID string
	Config    Config

	State DetectorState

	// anchor is the last trusted tank level; excursions are measured
	// against it. While moving the anchor tracks the sensor (consumption is
	// legitimate); while parked or idling it holds, so siphoning
	// accumulates against it.
	anchorLevelL    float64
	anchorTime      time.Time
	anchorValid     bool
	anchorECUTotalL *float64

	// candidate bookkeeping
	candidateSince time.Time
	prevJumpAbsL   float64

	cooldownUntil map[EventKind]time.Time
	lastMode      OperatingMode
	faultReported bool
}

// NewEventDetector constructs the event detector for one vehicle.
func NewEventDetector(vehicleID string, cfg Config) *EventDetector {
	return &EventDetector{
		VehicleID:     vehicleID,
		Config:        cfg,
		State:         DetectNormal,
		cooldownUntil: make(map[EventKind]time.Time),
		lastMode:      ModeParked,
	}
}

// InCooldown reports whether the given event kind is suppressed at time now.
func (d *EventDetector) InCooldown(kind EventKind, now time.Time) bool {
	until, ok := d.cooldownUntil[kind]
	return ok && now.Before(until)
}

// EventInProgress reports whether a candidate is being tracked. The drift
// emergency resync is held off while true, so the excursion evidence
// survives until the state machine resolves it.
func (d *EventDetector) EventInProgress() bool {
	return d.State != DetectNormal
}

// Observe runs one detection cycle against the validated reading and the
// pre-resync estimate. Returns a confirmed event or nil.
func (d *EventDetector) Observe(r SensorReading, estimateL float64, mode OperatingMode, faultSuspected bool, now time.Time) *DetectedEvent {
	defer func() { d.lastMode = mode }()

	if ev := d.maybeSensorFault(r, estimateL, faultSuspected, now); ev != nil {
		return ev
	}

	if r.FuelPct == nil {
		return nil
	}
	levelL := *r.FuelPct / 100 * d.Config.TankCapacityL

	if !d.anchorValid {
		d.setAnchor(levelL, r, now)
		return nil
	}
	if now.Sub(d.anchorTime) > d.Config.EventMaxGap {
		d.setAnchor(levelL, r, now)
		d.State = DetectNormal
		return nil
	}

	jumpL := levelL - d.anchorLevelL
	consumedL, ecuOK := d.consumedSinceAnchor(r)

	if jumpL > 0 {
		// Refuel signature: actual fuel added is the level rise plus
		// whatever was burned over the same span.
		magnitudeL := jumpL
		if ecuOK {
			magnitudeL += consumedL
		}
		if d.meetsThresholds(magnitudeL, d.Config.RefuelMinPct, d.Config.RefuelMinGallons) {
			return d.advanceCandidate(DetectRefuelCandidate, EventRefuel, jumpL, magnitudeL, levelL, ecuOK, r, now)
		}
	} else if jumpL < 0 && mode != ModeMoving {
		// Drop while parked or idling with no refuel signature. Subtract
		// legitimate consumption when the ECU counter can vouch for it.
		magnitudeL := -jumpL
		if ecuOK {
			magnitudeL -= consumedL
		}
		if d.meetsThresholds(magnitudeL, d.Config.TheftMinPct, d.Config.TheftMinGallons) {
			return d.advanceCandidate(DetectTheftCandidate, EventTheft, jumpL, magnitudeL, levelL, ecuOK, r, now)
		}
		if ecuOK && magnitudeL <= 0 {
			// Entirely explained by consumption; keep the anchor honest.
			d.setAnchor(levelL, r, now)
		}
	}

	// No qualifying excursion this cycle.
	if d.State != DetectNormal {
		// Blip receded before confirmation.
		d.State = DetectNormal
		d.prevJumpAbsL = 0
	}
	if mode == ModeMoving || d.lastMode == ModeMoving {
		// Consumption while driving is legitimate; the anchor tracks it so
		// a long haul never reads as theft at the next stop.
		d.setAnchor(levelL, r, now)
	}
	return nil
}

// advanceCandidate moves the state machine one step: open a candidate on
// first sight, hold while the excursion is still growing, confirm once it
// stabilizes. Confirmation emits exactly one event and starts the cooldown.
func (d *EventDetector) advanceCandidate(candidateState DetectorState, kind EventKind, jumpL, magnitudeL, levelL float64, ecuOK bool, r SensorReading, now time.Time) *DetectedEvent {
	if d.InCooldown(kind, now) {
		// Duplicate signature inside the cooldown window: absorb it.
		d.setAnchor(levelL, r, now)
		d.State = DetectNormal
		return nil
	}

	jumpAbs := jumpL
	if jumpAbs < 0 {
		jumpAbs = -jumpAbs
	}

	if d.State == candidateState && now.Sub(d.candidateSince) > d.Config.EventCooldown {
		// The excursion never stabilized within a full cooldown span: sender
		// noise or a slow leak, not a discrete event. Abandon and re-anchor.
		d.setAnchor(levelL, r, now)
		d.State = DetectNormal
		d.prevJumpAbsL = 0
		return nil
	}

	if d.State != candidateState {
		d.State = candidateState
		d.candidateSince = now
		d.prevJumpAbsL = jumpAbs
		return nil
	}

	// Still growing: a siphon in progress or a fill still running. Wait for
	// the level to settle so the magnitude covers the whole excursion.
	stabilityEpsL := 0.0025 * d.Config.TankCapacityL
	if jumpAbs > d.prevJumpAbsL+stabilityEpsL {
		d.prevJumpAbsL = jumpAbs
		return nil
	}

	confidence := ConfidenceMedium
	if ecuOK {
		confidence = ConfidenceHigh
	}
	ev := &DetectedEvent{
		EventID:          uuid.NewString(),
		VehicleID:        d.VehicleID,
		Kind:             kind,
		MagnitudePct:     magnitudeL / d.Config.TankCapacityL * 100,
		MagnitudeGallons: units.LitersToGallons(magnitudeL),
		Confidence:       confidence,
		Timestamp:        r.Timestamp,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
	}

	monitoring.Logf("vehicle %s: %s confirmed: %.1f gal (%.1f%%), confidence %d",
		d.VehicleID, kind, ev.MagnitudeGallons, ev.MagnitudePct, confidence)

	d.cooldownUntil[kind] = now.Add(d.Config.EventCooldown)
	d.setAnchor(levelL, r, now)
	d.State = DetectNormal
	d.prevJumpAbsL = 0
	return ev
}

// maybeSensorFault reports a suspect tank sender once per fault episode.
func (d *EventDetector) maybeSensorFault(r SensorReading, estimateL float64, faultSuspected bool, now time.Time) *DetectedEvent {
	if !faultSuspected {
		d.faultReported = false
		return nil
	}
	if d.faultReported || d.InCooldown(EventSensorFault, now) {
		return nil
	}
	var sensorLevelL float64
	if r.FuelPct != nil {
		sensorLevelL = *r.FuelPct / 100 * d.Config.TankCapacityL
	}
	divergenceL := sensorLevelL - estimateL
	if divergenceL < 0 {
		divergenceL = -divergenceL
	}

	d.faultReported = true
	d.cooldownUntil[EventSensorFault] = now.Add(d.Config.EventCooldown)

	monitoring.Logf("vehicle %s: tank sensor fault suspected (%.1fL divergence)",
		d.VehicleID, divergenceL)

	return &DetectedEvent{
		EventID:          uuid.NewString(),
		VehicleID:        d.VehicleID,
		Kind:             EventSensorFault,
		MagnitudePct:     divergenceL / d.Config.TankCapacityL * 100,
		MagnitudeGallons: units.LitersToGallons(divergenceL),
		Confidence:       ConfidenceMedium,
		Timestamp:        r.Timestamp,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
	}
}

func (d *EventDetector) meetsThresholds(magnitudeL, minPct, minGallons float64) bool {
	if magnitudeL <= 0 {
		return false
	}
	pct := magnitudeL / d.Config.TankCapacityL * 100
	return pct >= minPct && units.LitersToGallons(magnitudeL) >= minGallons
}

func (d *EventDetector) consumedSinceAnchor(r SensorReading) (float64, bool) {
	if d.anchorECUTotalL == nil || r.ECUTotalFuelL == nil || r.CounterReset {
		return 0, false
	}
	delta := *r.ECUTotalFuelL - *d.anchorECUTotalL
	if delta < 0 {
		return 0, false
	}
	return delta, true
}

func (d *EventDetector) setAnchor(levelL float64, r SensorReading, now time.Time) {
	d.anchorLevelL = levelL
	d.anchorTime = now
	d.anchorValid = true
	if r.ECUTotalFuelL != nil && !r.CounterReset {
		v := *r.ECUTotalFuelL
		d.anchorECUTotalL = &v
	} else {
		d.anchorECUTotalL = nil
	}
}
