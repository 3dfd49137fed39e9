package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetdata/fuelwatch/internal/fuel"
)

// Store is the SnapshotStore implementation backed by sqlite. Snapshots are
// one row per vehicle, overwritten on every cycle; events append.
type Store struct {
	db *DB
}

// NewStore wraps an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Save upserts the vehicle's snapshot row. The MPG history and source tally
// are small and change shape with tuning, so they are stored as JSON rather
// than normalized.
func (s *Store) Save(ctx context.Context, snap *fuel.Snapshot) error {
	history, err := json.Marshal(snap.MPGHistory)
	if err != nil {
		return fmt.Errorf("failed to encode mpg history: %w", err)
	}
	tally, err := json.Marshal(snap.SourceTally)
	if err != nil {
		return fmt.Errorf("failed to encode source tally: %w", err)
	}
	cooldowns, err := json.Marshal(snap.CooldownUntil)
	if err != nil {
		return fmt.Errorf("failed to encode cooldowns: %w", err)
	}

	var lastECU sql.NullFloat64
	if snap.LastECUTotalL != nil {
		lastECU = sql.NullFloat64{Float64: *snap.LastECUTotalL, Valid: true}
	}
	var anchorECU sql.NullFloat64
	if snap.AnchorECUTotalL != nil {
		anchorECU = sql.NullFloat64{Float64: *snap.AnchorECUTotalL, Valid: true}
	}
	var smoothed sql.NullFloat64
	if snap.SmoothedMPG != nil {
		smoothed = sql.NullFloat64{Float64: *snap.SmoothedMPG, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vehicle_snapshots (
			vehicle_id, taken_at, level_l, variance_p, initialized, mode,
			drift_pct, last_update, last_ecu_total_l, burn_rate_gph,
			cooldown_until, anchor_level_l, anchor_time, anchor_valid,
			anchor_ecu_total_l, fault_reported,
			distance_miles, fuel_gallons, smoothed_mpg, mpg_history, source_tally
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			taken_at           = excluded.taken_at,
			level_l            = excluded.level_l,
			variance_p         = excluded.variance_p,
			initialized        = excluded.initialized,
			mode               = excluded.mode,
			drift_pct          = excluded.drift_pct,
			last_update        = excluded.last_update,
			last_ecu_total_l   = excluded.last_ecu_total_l,
			burn_rate_gph      = excluded.burn_rate_gph,
			cooldown_until     = excluded.cooldown_until,
			anchor_level_l     = excluded.anchor_level_l,
			anchor_time        = excluded.anchor_time,
			anchor_valid       = excluded.anchor_valid,
			anchor_ecu_total_l = excluded.anchor_ecu_total_l,
			fault_reported     = excluded.fault_reported,
			distance_miles     = excluded.distance_miles,
			fuel_gallons       = excluded.fuel_gallons,
			smoothed_mpg       = excluded.smoothed_mpg,
			mpg_history        = excluded.mpg_history,
			source_tally       = excluded.source_tally`,
		snap.VehicleID, snap.TakenAt.UTC().Format(time.RFC3339Nano),
		snap.LevelL, snap.VarianceP, snap.Initialized, string(snap.Mode),
		snap.DriftPct, snap.LastUpdate.UTC().Format(time.RFC3339Nano),
		lastECU, snap.BurnRateGPH,
		string(cooldowns), snap.AnchorLevelL,
		snap.AnchorTime.UTC().Format(time.RFC3339Nano), snap.AnchorValid,
		anchorECU, snap.FaultReported,
		snap.DistanceMiles, snap.FuelGallons, smoothed,
		string(history), string(tally),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.VehicleID, err)
	}
	return nil
}

// Load returns the vehicle's snapshot, or (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context, vehicleID string) (*fuel.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT taken_at, level_l, variance_p, initialized, mode, drift_pct,
		       last_update, last_ecu_total_l, burn_rate_gph, cooldown_until,
		       anchor_level_l, anchor_time, anchor_valid, anchor_ecu_total_l,
		       fault_reported, distance_miles, fuel_gallons, smoothed_mpg,
		       mpg_history, source_tally
		FROM vehicle_snapshots WHERE vehicle_id = ?`, vehicleID)

	var (
		snap               = fuel.Snapshot{VehicleID: vehicleID}
		takenAt, upd       string
		mode               string
		lastECU, anchorECU sql.NullFloat64
		smoothed           sql.NullFloat64
		cooldowns          string
		anchorTime         string
		history, tally     string
	)
	err := row.Scan(&takenAt, &snap.LevelL, &snap.VarianceP, &snap.Initialized,
		&mode, &snap.DriftPct, &upd, &lastECU, &snap.BurnRateGPH, &cooldowns,
		&snap.AnchorLevelL, &anchorTime, &snap.AnchorValid, &anchorECU,
		&snap.FaultReported, &snap.DistanceMiles, &snap.FuelGallons,
		&smoothed, &history, &tally)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", vehicleID, err)
	}

	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return nil, fmt.Errorf("failed to parse taken_at for %s: %w", vehicleID, err)
	}
	if snap.LastUpdate, err = time.Parse(time.RFC3339Nano, upd); err != nil {
		return nil, fmt.Errorf("failed to parse last_update for %s: %w", vehicleID, err)
	}
	if snap.AnchorTime, err = time.Parse(time.RFC3339Nano, anchorTime); err != nil {
		return nil, fmt.Errorf("failed to parse anchor_time for %s: %w", vehicleID, err)
	}
	snap.Mode = fuel.OperatingMode(mode)
	if lastECU.Valid {
		v := lastECU.Float64
		snap.LastECUTotalL = &v
	}
	if anchorECU.Valid {
		v := anchorECU.Float64
		snap.AnchorECUTotalL = &v
	}
	if smoothed.Valid {
		v := smoothed.Float64
		snap.SmoothedMPG = &v
	}
	if err := json.Unmarshal([]byte(cooldowns), &snap.CooldownUntil); err != nil {
		return nil, fmt.Errorf("failed to decode cooldowns for %s: %w", vehicleID, err)
	}
	if err := json.Unmarshal([]byte(history), &snap.MPGHistory); err != nil {
		return nil, fmt.Errorf("failed to decode mpg history for %s: %w", vehicleID, err)
	}
	if err := json.Unmarshal([]byte(tally), &snap.SourceTally); err != nil {
		return nil, fmt.Errorf("failed to decode source tally for %s: %w", vehicleID, err)
	}

	return &snap, nil
}

// RecordEvent appends a confirmed event to the audit log.
func (s *Store) RecordEvent(ctx context.Context, ev *fuel.DetectedEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fuel_events (
			event_id, vehicle_id, kind, magnitude_pct, magnitude_gal,
			confidence, event_time, latitude, longitude
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.VehicleID, string(ev.Kind), ev.MagnitudePct,
		ev.MagnitudeGallons, ev.Confidence,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Latitude, ev.Longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event for %s: %w", ev.Kind, ev.VehicleID, err)
	}
	return nil
}

// Events returns the most recent events for a vehicle, newest first.
func (s *Store) Events(ctx context.Context, vehicleID string, limit int) ([]fuel.DetectedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, vehicle_id, kind, magnitude_pct, magnitude_gal,
		       confidence, event_time, latitude, longitude
		FROM fuel_events WHERE vehicle_id = ?
		ORDER BY event_time DESC LIMIT ?`, vehicleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []fuel.DetectedEvent
	for rows.Next() {
		var ev fuel.DetectedEvent
		var kind, ts string
		if err := rows.Scan(&ev.EventID, &ev.VehicleID, &kind, &ev.MagnitudePct,
			&ev.MagnitudeGallons, &ev.Confidence, &ts, &ev.Latitude, &ev.Longitude); err != nil {
			return nil, err
		}
		ev.Kind = fuel.EventKind(kind)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse event_time: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
