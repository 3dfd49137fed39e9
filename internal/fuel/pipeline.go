package fuel

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fleetdata/fuelwatch/internal/monitoring"
	"github.com/fleetdata/fuelwatch/internal/timeutil"
	"github.com/fleetdata/fuelwatch/internal/units"
)

// Pipeline scheduling constants.
const (
	// MinCycleInterval suppresses duplicate readings: an identical reading
	// re-delivered inside this interval must not move the estimate.
	MinCycleInterval = time.Second

	// DefaultShardCount is the worker count when the caller does not choose.
	DefaultShardCount = 4

	// DefaultQueueDepth is the per-shard input buffer.
	DefaultQueueDepth = 256

	// DeadReckonInterval is how often idle vehicles are advanced by
	// predict-only when no readings arrive.
	DeadReckonInterval = 5 * time.Minute

	// maxIntervalMiles guards the odometer delta against rollovers and
	// unit glitches.
	maxIntervalMiles = 500.0
)

// EventSink receives confirmed events for delivery to the external alerting
// collaborator. Called from shard goroutines; implementations must be safe
// for concurrent use.
type EventSink func(DetectedEvent)

// PipelineConfig wires a Pipeline together.
type PipelineConfig struct {
	// Shards is the worker count. Work is partitioned by vehicle id so at
	// most one goroutine ever touches a vehicle's state: a sharding
	// discipline, not a lock.
	Shards int

	// QueueDepth is the per-shard input buffer depth.
	QueueDepth int

	// BaseConfig is the fleet-wide default per-vehicle configuration.
	BaseConfig Config

	// ConfigFor optionally overrides configuration per vehicle id (tank
	// capacity, MPG class bounds). Nil means BaseConfig for everyone.
	ConfigFor func(vehicleID string) Config

	// Store persists per-vehicle snapshots. Nil disables persistence.
	Store SnapshotStore

	// Sink receives confirmed events. Nil discards them.
	Sink EventSink

	// Clock is the time source; nil means wall clock.
	Clock timeutil.Clock
}

// Pipeline fans reading batches out to shard workers, each exclusively
// owning the vehicles that hash to it.
type Pipeline struct {
	cfg    PipelineConfig
	clock  timeutil.Clock
	stats  *PipelineStats
	shards []*shard

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type shardTask struct {
	raw        RawReading
	deadReckon bool
}

type shard struct {
	in    chan shardTask
	slots map[string]*vehicleSlot
}

// vehicleSlot bundles everything one vehicle owns: estimator, detector,
// accumulator and the inter-reading bookkeeping the cycle needs.
type vehicleSlot struct {
	est *Estimator
	det *EventDetector
	mpg *MPGAccumulator

	lastOdometer   *float64
	lastFuelPct    *float64
	engineOffSince time.Time
}

// NewPipeline constructs a pipeline. BaseConfig is validated up front so a
// fleet-wide misconfiguration fails fast.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.BaseConfig.Validate("fleet-default"); err != nil {
		return nil, err
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShardCount
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		cfg:      cfg,
		clock:    clock,
		stats:    NewPipelineStats(),
		shards:   make([]*shard, cfg.Shards),
		stopChan: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{
			in:    make(chan shardTask, cfg.QueueDepth),
			slots: make(map[string]*vehicleSlot),
		}
	}
	return p, nil
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() *PipelineStats {
	return p.stats
}

// Start launches the shard workers and the dead-reckoning ticker.
func (p *Pipeline) Start() {
	for _, s := range p.shards {
		p.wg.Add(1)
		go p.runShard(s)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(DeadReckonInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range p.shards {
					select {
					case s.in <- shardTask{deadReckon: true}:
					default:
						// Shard is backlogged; it will catch up on its own.
					}
				}
			case <-p.stopChan:
				return
			}
		}
	}()
}

// Stop shuts the workers down and waits for them to drain.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Submit routes a raw reading to the shard owning its vehicle. Backpressure
// on a full shard blocks the submitter for that shard only; other shards
// keep processing.
func (p *Pipeline) Submit(raw RawReading) {
	p.shardFor(raw.VehicleID).in <- shardTask{raw: raw}
}

// ProcessReading runs one reading synchronously on the calling goroutine.
// For single-threaded embedding and tests; do not mix with Start/Submit for
// the same vehicle ids.
func (p *Pipeline) ProcessReading(raw RawReading) {
	p.processReading(p.shardFor(raw.VehicleID), raw)
}

func (p *Pipeline) shardFor(vehicleID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(vehicleID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pipeline) runShard(s *shard) {
	defer p.wg.Done()
	for {
		select {
		case task := <-s.in:
			if task.deadReckon {
				p.deadReckonShard(s)
			} else {
				p.processReading(s, task.raw)
			}
		case <-p.stopChan:
			return
		}
	}
}

// deadReckonShard advances every stale vehicle on the shard by predict-only,
// growing uncertainty for the unobserved interval. LastUpdate stays in the
// reading-time domain and moves at most one interval per tick: a replay of
// historical data can sit arbitrarily far behind the wall clock, and one
// unbounded predict would drain the tank and leave LastUpdate ahead of every
// remaining reading.
func (p *Pipeline) deadReckonShard(s *shard) {
	now := p.clock.Now()
	for _, slot := range s.slots {
		if !slot.est.Initialized {
			continue
		}
		elapsed := now.Sub(slot.est.LastUpdate)
		if elapsed < DeadReckonInterval {
			continue
		}
		if elapsed > DeadReckonInterval {
			elapsed = DeadReckonInterval
		}
		slot.est.Predict(elapsed.Hours(), 0, slot.est.Mode)
		slot.est.LastUpdate = slot.est.LastUpdate.Add(elapsed)
		p.persist(slot, now)
	}
}

func (p *Pipeline) configFor(vehicleID string) Config {
	if p.cfg.ConfigFor != nil {
		return p.cfg.ConfigFor(vehicleID)
	}
	return p.cfg.BaseConfig
}

func (p *Pipeline) slotFor(s *shard, vehicleID string) (*vehicleSlot, error) {
	if slot, ok := s.slots[vehicleID]; ok {
		return slot, nil
	}

	cfg := p.configFor(vehicleID)
	est, err := NewEstimator(vehicleID, cfg)
	if err != nil {
		return nil, err
	}
	mpg, err := NewMPGAccumulator(vehicleID, cfg)
	if err != nil {
		return nil, err
	}
	det := NewEventDetector(vehicleID, cfg)
	slot := &vehicleSlot{
		est: est,
		det: det,
		mpg: mpg,
	}

	if p.cfg.Store != nil {
		snap, err := p.cfg.Store.Load(context.Background(), vehicleID)
		if err != nil {
			monitoring.Logf("vehicle %s: snapshot load failed, starting cold: %v", vehicleID, err)
		} else if ApplySnapshot(snap, est, det, mpg, p.clock.Now()) {
			monitoring.Logf("vehicle %s: restored snapshot from %s (%.1fL, drift %.1f%%)",
				vehicleID, snap.TakenAt.Format(time.RFC3339), est.LevelL, est.DriftPct)
		}
	}

	s.slots[vehicleID] = slot
	return slot, nil
}

// processReading runs the fixed per-cycle ordering for one vehicle:
// validate, classify mode, fuse/predict/update (producing drift), detect
// events against the pre-resync values, then apply the resync policy only
// if no event fired. Exactly once per reading.
func (p *Pipeline) processReading(s *shard, raw RawReading) {
	now := p.clock.Now()

	// Counter-reset detection needs the previous baseline, but only for
	// vehicles we have already seen; validation runs before any slot is
	// created so a bad envelope never allocates state.
	var lastECU *float64
	if existing, ok := s.slots[raw.VehicleID]; ok {
		lastECU = existing.est.LastECUTotalL
	}
	r, reject := ValidateReading(raw, lastECU, now)
	if reject != RejectNone {
		monitoring.Debugf("vehicle %s: reading rejected: %s", raw.VehicleID, reject)
		p.stats.AddRejected()
		return
	}

	slot, err := p.slotFor(s, raw.VehicleID)
	if err != nil {
		// ConfigError: fatal for this vehicle, never aborts the batch.
		monitoring.Logf("dropping reading: %v", err)
		p.stats.AddRejected()
		return
	}

	if !slot.est.Initialized {
		if !r.HasFuelSource() {
			// Nothing to seed from; wait for a reading with fuel data.
			return
		}
		slot.est.Seed(r)
		slot.noteEngine(r)
		slot.rememberSources(r)
		p.stats.AddReading()
		p.persist(slot, now)
		return
	}

	dt := r.Timestamp.Sub(slot.est.LastUpdate)
	if dt < MinCycleInterval {
		// Duplicate or out-of-order delivery; ignoring it keeps the filter
		// idempotent under redelivery.
		return
	}
	dtHours := dt.Hours()
	p.stats.AddReading()

	// Operating mode feeds both noise tuning and event policy.
	slot.noteEngine(r)
	mode := ClassifyMode(r.SpeedMPH, r.RPM, slot.engineOffFor(r.Timestamp), slot.est.Config)
	slot.est.Mode = mode

	if r.CounterReset {
		monitoring.Logf("vehicle %s: %v (%.1fL -> %.1fL), rebasing", r.VehicleID,
			ErrCounterReset, derefOr(slot.est.LastECUTotalL, 0), derefOr(r.ECUTotalFuelL, 0))
	}

	// ECU consumption over this interval, used by MPG sourcing, burn-rate
	// smoothing and sensor-health tracking. Captured before the baseline
	// rebase below.
	ecuDeltaL, ecuDeltaOK := slot.ecuDelta(r)

	// Fuse: predict from the pre-cycle baseline, then correct with the best
	// available source.
	baselineL := slot.est.LevelL
	slot.est.Predict(dtHours, r.SpeedMPH, mode)
	m, ok := slot.est.SelectMeasurement(r, baselineL, dtHours, mode)
	if ok {
		slot.est.Update(m)
	} else {
		monitoring.Debugf("vehicle %s: %v, dead reckoning", r.VehicleID, ErrNoMeasurement)
		p.stats.AddPredictOnly()
	}

	if ecuDeltaOK {
		slot.est.ObserveBurn(units.LitersToGallons(ecuDeltaL), dtHours)
	}
	slot.est.TrackSensorHealth(r, ecuDeltaL)

	// Drift is computed against the raw tank sensor whenever present,
	// independent of which source was fused.
	var sensorLevelL, drift float64
	hasTank := r.FuelPct != nil
	if hasTank {
		sensorLevelL = *r.FuelPct / 100 * slot.est.Config.TankCapacityL
		drift = slot.est.ComputeDrift(sensorLevelL)
	}

	// MPG deltas mirror the fusion priority for fuel and prefer odometer
	// for distance, falling back to speed times elapsed.
	deltaMiles, deltaGal, fuelSource := slot.mpgDeltas(r, dtHours, ecuDeltaL, ecuDeltaOK)
	slot.mpg.Ingest(deltaMiles, deltaGal, fuelSource)

	// Event detection sees the pre-resync sensor-vs-estimate values.
	ev := slot.det.Observe(r, slot.est.LevelL, mode, slot.est.SensorFaultSuspected(), now)
	if ev != nil {
		p.stats.AddEvent()
		p.emit(*ev)
	}

	// Resync policy runs last so event evidence is never destroyed in the
	// same cycle that produced it.
	if hasTank && ev == nil && !slot.det.EventInProgress() {
		if drift > slot.est.Config.DriftEmergencyPct {
			slot.est.Resync(sensorLevelL)
		} else if drift > slot.est.Config.DriftWarningPct {
			monitoring.Logf("vehicle %s: drift warning: sensor %.1fL vs estimate %.1fL (%.1f%%)",
				r.VehicleID, sensorLevelL, slot.est.LevelL, drift)
		}
	}

	// Advance baselines for the next cycle.
	if r.ECUTotalFuelL != nil {
		slot.est.RebaseCounter(*r.ECUTotalFuelL)
	}
	slot.rememberSources(r)
	slot.est.LastUpdate = r.Timestamp

	p.persist(slot, now)
}

func (p *Pipeline) emit(ev DetectedEvent) {
	if p.cfg.Sink != nil {
		p.cfg.Sink(ev)
	}
	if p.cfg.Store != nil {
		if err := p.cfg.Store.RecordEvent(context.Background(), &ev); err != nil {
			monitoring.Logf("vehicle %s: event log write failed: %v", ev.VehicleID, err)
		}
	}
}

// persist overwrites the vehicle's snapshot. Persistence failure is
// recoverable: processing continues on in-memory state and the write is
// retried on the next cycle.
func (p *Pipeline) persist(slot *vehicleSlot, now time.Time) {
	if p.cfg.Store == nil {
		return
	}
	snap := BuildSnapshot(slot.est, slot.det, slot.mpg, now)
	monitoring.Debugf("%s", SnapshotRecord(snap))
	if err := p.cfg.Store.Save(context.Background(), snap); err != nil {
		monitoring.Logf("vehicle %s: snapshot save failed (will retry next cycle): %v",
			slot.est.VehicleID, err)
		p.stats.AddSnapshotError()
	}
}

// noteEngine tracks when the engine was last seen running, for the parked
// grace period.
func (slot *vehicleSlot) noteEngine(r SensorReading) {
	if r.EngineRunning(slot.est.Config.IdleRPMMin) || r.SpeedMPH > slot.est.Config.MovingSpeedMPH {
		slot.engineOffSince = time.Time{}
	} else if slot.engineOffSince.IsZero() {
		slot.engineOffSince = r.Timestamp
	}
}

func (slot *vehicleSlot) engineOffFor(at time.Time) time.Duration {
	if slot.engineOffSince.IsZero() {
		return 0
	}
	return at.Sub(slot.engineOffSince)
}

// ecuDelta returns this interval's ECU counter consumption when usable.
func (slot *vehicleSlot) ecuDelta(r SensorReading) (float64, bool) {
	if r.ECUTotalFuelL == nil || r.CounterReset || slot.est.LastECUTotalL == nil {
		return 0, false
	}
	delta := *r.ECUTotalFuelL - *slot.est.LastECUTotalL
	if delta < 0 {
		delta = 0
	}
	maxDeltaL := units.GallonsToLiters(slot.est.Config.MaxIntervalDeltaGallons)
	if delta > maxDeltaL {
		return 0, false
	}
	return delta, true
}

// mpgDeltas derives the distance and fuel deltas for the MPG accumulator.
// Fuel mirrors the fusion priority: ECU counter delta, then tank-level drop,
// then integrated rate. Distance prefers the odometer and falls back to
// speed times elapsed, which works for every reading.
func (slot *vehicleSlot) mpgDeltas(r SensorReading, dtHours, ecuDeltaL float64, ecuDeltaOK bool) (miles float64, gallons float64, source MeasurementKind) {
	switch {
	case ecuDeltaOK && ecuDeltaL > 0:
		gallons = units.LitersToGallons(ecuDeltaL)
		source = MeasurementECUDelta
	case r.FuelPct != nil && slot.lastFuelPct != nil:
		dropPct := *slot.lastFuelPct - *r.FuelPct
		if dropPct > 0 {
			gallons = units.LitersToGallons(dropPct / 100 * slot.est.Config.TankCapacityL)
			source = MeasurementTankLevel
		}
	case r.FuelRateGPH != nil && dtHours > 0:
		gallons = *r.FuelRateGPH * dtHours
		source = MeasurementFuelRate
	}
	if gallons > slot.est.Config.MaxIntervalDeltaGallons {
		gallons = 0
		source = MeasurementNone
	}

	if r.OdometerMiles != nil && slot.lastOdometer != nil {
		d := *r.OdometerMiles - *slot.lastOdometer
		if d > 0 && d <= maxIntervalMiles {
			return d, gallons, source
		}
		return 0, gallons, source
	}
	return units.MPHToMilesOver(r.SpeedMPH, dtHours), gallons, source
}

// rememberSources advances the per-slot baselines used for delta sourcing.
func (slot *vehicleSlot) rememberSources(r SensorReading) {
	if r.OdometerMiles != nil {
		v := *r.OdometerMiles
		slot.lastOdometer = &v
	}
	if r.FuelPct != nil {
		v := *r.FuelPct
		slot.lastFuelPct = &v
	}
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// SnapshotRecord is the per-vehicle summary pushed to the reporting
// collaborator; reporting reads the persisted record, so this helper simply
// formats one for logs and debugging.
func SnapshotRecord(snap *Snapshot) string {
	mpg := "n/a"
	if snap.SmoothedMPG != nil {
		mpg = fmt.Sprintf("%.1f", *snap.SmoothedMPG)
	}
	return fmt.Sprintf("vehicle %s: %.1fL, drift %.1f%%, mpg %s, mode %s, updated %s",
		snap.VehicleID, snap.LevelL, snap.DriftPct, mpg, snap.Mode,
		snap.LastUpdate.Format(time.RFC3339))
}
