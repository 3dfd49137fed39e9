package fuel

import (
	"context"
	"time"
)

// Snapshot is the persisted per-vehicle record: the full estimator, event
// detector and MPG accumulator state, overwritten on every successful cycle
// and reloaded on process start.
type Snapshot struct {
	VehicleID string
	TakenAt   time.Time

	// Estimator state
	LevelL        float64
	VarianceP     float64
	Initialized   bool
	Mode          OperatingMode
	DriftPct      float64
	LastUpdate    time.Time
	LastECUTotalL *float64
	BurnRateGPH   float64

	// Event detector state. Cooldowns and the anchor must survive a restart:
	// a confirmed refuel re-reported by a still-oscillating sensor must stay
	// suppressed, and a siphon spanning the restart must still be measured
	// against the pre-restart level.
	CooldownUntil   map[string]time.Time
	AnchorLevelL    float64
	AnchorTime      time.Time
	AnchorValid     bool
	AnchorECUTotalL *float64
	FaultReported   bool

	// MPG accumulator state
	DistanceMiles float64
	FuelGallons   float64
	SmoothedMPG   *float64
	MPGHistory    []float64
	SourceTally   map[string]int64
}

// SnapshotStore is the durable persistence collaborator. Save overwrites the
// vehicle's record; Load returns (nil, nil) when no record exists. Failures
// are recoverable: the pipeline continues on in-memory state and retries
// next cycle.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, vehicleID string) (*Snapshot, error)
	RecordEvent(ctx context.Context, ev *DetectedEvent) error
}

// BuildSnapshot captures the current state of an estimator, event detector
// and accumulator triple.
func BuildSnapshot(e *Estimator, d *EventDetector, a *MPGAccumulator, takenAt time.Time) *Snapshot {
	snap := &Snapshot{
		VehicleID:     e.VehicleID,
		TakenAt:       takenAt,
		LevelL:        e.LevelL,
		VarianceP:     e.P,
		Initialized:   e.Initialized,
		Mode:          e.Mode,
		DriftPct:      e.DriftPct,
		LastUpdate:    e.LastUpdate,
		BurnRateGPH:   e.BurnRateGPH,
		CooldownUntil: make(map[string]time.Time, len(d.cooldownUntil)),
		AnchorLevelL:  d.anchorLevelL,
		AnchorTime:    d.anchorTime,
		AnchorValid:   d.anchorValid,
		FaultReported: d.faultReported,
		DistanceMiles: a.DistanceMiles,
		FuelGallons:   a.FuelGallons,
		MPGHistory:    a.History(),
		SourceTally:   make(map[string]int64, len(a.SourceTally)),
	}
	if e.LastECUTotalL != nil {
		v := *e.LastECUTotalL
		snap.LastECUTotalL = &v
	}
	for kind, until := range d.cooldownUntil {
		snap.CooldownUntil[string(kind)] = until
	}
	if d.anchorECUTotalL != nil {
		v := *d.anchorECUTotalL
		snap.AnchorECUTotalL = &v
	}
	if a.Smoothed != nil {
		v := *a.Smoothed
		snap.SmoothedMPG = &v
	}
	for k, n := range a.SourceTally {
		snap.SourceTally[k.String()] = n
	}
	return snap
}

// ApplySnapshot restores persisted state into a freshly constructed
// estimator/detector/accumulator triple. Snapshots older than the configured
// staleness bound are ignored and the triple starts cold.
func ApplySnapshot(snap *Snapshot, e *Estimator, d *EventDetector, a *MPGAccumulator, now time.Time) bool {
	if snap == nil {
		return false
	}
	if now.Sub(snap.TakenAt) > e.Config.SnapshotStale {
		return false
	}

	e.LevelL = snap.LevelL
	e.P = snap.VarianceP
	e.Initialized = snap.Initialized
	e.Mode = snap.Mode
	e.DriftPct = snap.DriftPct
	e.LastUpdate = snap.LastUpdate
	e.BurnRateGPH = snap.BurnRateGPH
	if snap.LastECUTotalL != nil {
		v := *snap.LastECUTotalL
		e.LastECUTotalL = &v
	}

	for kind, until := range snap.CooldownUntil {
		d.cooldownUntil[EventKind(kind)] = until
	}
	d.anchorLevelL = snap.AnchorLevelL
	d.anchorTime = snap.AnchorTime
	d.anchorValid = snap.AnchorValid
	d.faultReported = snap.FaultReported
	if snap.AnchorECUTotalL != nil {
		v := *snap.AnchorECUTotalL
		d.anchorECUTotalL = &v
	}

	a.DistanceMiles = snap.DistanceMiles
	a.FuelGallons = snap.FuelGallons
	if snap.SmoothedMPG != nil {
		v := *snap.SmoothedMPG
		a.Smoothed = &v
	}
	a.restoreHistory(snap.MPGHistory)
	for name, n := range snap.SourceTally {
		a.SourceTally[kindFromString(name)] = n
	}
	return true
}

func kindFromString(name string) MeasurementKind {
	switch name {
	case "ecu_delta":
		return MeasurementECUDelta
	case "tank_level":
		return MeasurementTankLevel
	case "fuel_rate":
		return MeasurementFuelRate
	default:
		return MeasurementNone
	}
}
