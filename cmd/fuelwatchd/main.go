// Command fuelwatchd runs the fleet fuel estimation pipeline: it reads
// JSONL telemetry readings from a fixture file or stdin, fans them out to
// per-vehicle estimators, and persists snapshots and confirmed events to
// sqlite. Refuel/theft/sensor-fault events are also printed as JSON lines on
// stdout for downstream alerting.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleetdata/fuelwatch/internal/config"
	"github.com/fleetdata/fuelwatch/internal/db"
	"github.com/fleetdata/fuelwatch/internal/fuel"
	"github.com/fleetdata/fuelwatch/internal/monitoring"
)

func main() {
	// Optional .env for deployment settings; flags still win.
	_ = godotenv.Load()

	dbPath := flag.String("db", envOr("FUELWATCH_DB", "fuelwatch.db"), "Path to the sqlite database")
	migrationsDir := flag.String("migrations", envOr("FUELWATCH_MIGRATIONS", "migrations"), "Path to the migrations directory")
	configPath := flag.String("config", envOr("FUELWATCH_CONFIG", config.DefaultConfigPath), "Path to the tuning config JSON")
	fixtures := flag.String("fixtures", "", "Read JSONL readings from this file instead of stdin")
	shards := flag.Int("shards", fuel.DefaultShardCount, "Worker shard count")
	statsInterval := flag.Duration("stats-interval", time.Minute, "Pipeline stats logging interval")
	debug := flag.Bool("debug", false, "Enable verbose per-cycle diagnostics")
	flag.Parse()

	monitoring.SetDebug(*debug)

	tc, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config %s: %v", *configPath, err)
	}

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbPath, err)
	}
	defer database.Close()
	if err := database.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	base := buildConfig(tc)
	pipeline, err := fuel.NewPipeline(fuel.PipelineConfig{
		Shards:     *shards,
		BaseConfig: base,
		ConfigFor:  vehicleConfigFunc(tc, base),
		Store:      db.NewStore(database),
		Sink:       printEvent,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	pipeline.Start()
	defer pipeline.Stop()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pipeline.Stats().LogStats()
			case <-stopStats:
				return
			}
		}
	}()
	defer close(stopStats)

	input := os.Stdin
	if *fixtures != "" {
		f, err := os.Open(*fixtures)
		if err != nil {
			log.Fatalf("failed to open fixtures %s: %v", *fixtures, err)
		}
		defer f.Close()
		input = f
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received %v, shutting down", s)
		pipeline.Stats().LogStats()
		os.Exit(0)
	}()

	if err := feed(pipeline, input); err != nil {
		log.Fatalf("input error: %v", err)
	}
	pipeline.Stats().LogStats()
}

// feed submits one RawReading per JSONL line. Malformed lines are logged and
// skipped; a reading batch never aborts on one bad record.
func feed(p *fuel.Pipeline, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw fuel.RawReading
		if err := json.Unmarshal(line, &raw); err != nil {
			monitoring.Logf("line %d: skipping malformed reading: %v", lineNo, err)
			continue
		}
		p.Submit(raw)
	}
	return scanner.Err()
}

func printEvent(ev fuel.DetectedEvent) {
	out, err := json.Marshal(ev)
	if err != nil {
		monitoring.Logf("failed to encode event %s: %v", ev.EventID, err)
		return
	}
	fmt.Println(string(out))
}

// buildConfig maps the tuning file onto the fleet-wide per-vehicle config.
func buildConfig(tc *config.TuningConfig) fuel.Config {
	return fuel.Config{
		TankCapacityL:           tc.GetTankCapacityLiters(),
		MinMPG:                  tc.GetMinMPG(),
		MaxMPG:                  tc.GetMaxMPG(),
		MinWindowMiles:          tc.GetMinWindowMiles(),
		MinWindowGallons:        tc.GetMinWindowGallons(),
		EMAAlpha:                tc.GetEMAAlpha(),
		AdaptiveAlpha:           tc.GetAdaptiveAlpha(),
		MPGHistorySize:          tc.GetMPGHistorySize(),
		DriftWarningPct:         tc.GetDriftWarningPct(),
		DriftEmergencyPct:       tc.GetDriftEmergencyPct(),
		RefuelMinPct:            tc.GetRefuelMinPct(),
		RefuelMinGallons:        tc.GetRefuelMinGallons(),
		TheftMinPct:             tc.GetTheftMinPct(),
		TheftMinGallons:         tc.GetTheftMinGallons(),
		EventCooldown:           tc.GetEventCooldown(),
		EventMaxGap:             tc.GetEventMaxGap(),
		IdleRPMMin:              tc.GetIdleRPMMin(),
		MovingSpeedMPH:          tc.GetMovingSpeedMPH(),
		ParkedGrace:             tc.GetParkedGrace(),
		MeasurementNoiseECU:     tc.GetMeasurementNoiseECU(),
		MeasurementNoiseTank:    tc.GetMeasurementNoiseTank(),
		MeasurementNoiseRate:    tc.GetMeasurementNoiseRate(),
		ProcessNoiseBase:        tc.GetProcessNoiseBase(),
		MaxIntervalDeltaGallons: tc.GetMaxIntervalDeltaGallons(),
		IdleBurnGPH:             tc.GetIdleBurnGPH(),
		BurnGPHPerMPH:           tc.GetBurnGPHPerMPH(),
		SnapshotStale:           tc.GetSnapshotStale(),
	}
}

// vehicleConfigFunc applies per-vehicle overrides (tank capacity, MPG class
// bounds) on top of the fleet default.
func vehicleConfigFunc(tc *config.TuningConfig, base fuel.Config) func(string) fuel.Config {
	if len(tc.Vehicles) == 0 {
		return nil
	}
	return func(vehicleID string) fuel.Config {
		cfg := base
		ov, ok := tc.Vehicles[vehicleID]
		if !ok {
			return cfg
		}
		if ov.TankCapacityLiters != nil && *ov.TankCapacityLiters > 0 {
			cfg.TankCapacityL = *ov.TankCapacityLiters
		}
		if ov.MinMPG != nil && *ov.MinMPG > 0 {
			cfg.MinMPG = *ov.MinMPG
		}
		if ov.MaxMPG != nil && *ov.MaxMPG > 0 {
			cfg.MaxMPG = *ov.MaxMPG
		}
		return cfg
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
