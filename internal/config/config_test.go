package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if got := cfg.GetTankCapacityLiters(); got != 378.541 {
		t.Errorf("GetTankCapacityLiters() = %v, want 378.541", got)
	}
	if got := cfg.GetMinMPG(); got != 3.0 {
		t.Errorf("GetMinMPG() = %v, want 3.0", got)
	}
	if got := cfg.GetMaxMPG(); got != 12.0 {
		t.Errorf("GetMaxMPG() = %v, want 12.0", got)
	}
	if got := cfg.GetEventCooldown(); got != 30*time.Minute {
		t.Errorf("GetEventCooldown() = %v, want 30m", got)
	}
	if got := cfg.GetParkedGrace(); got != 2*time.Minute {
		t.Errorf("GetParkedGrace() = %v, want 2m", got)
	}
	if cfg.GetAdaptiveAlpha() {
		t.Error("GetAdaptiveAlpha() = true, want false by default")
	}
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `{"drift_warning_pct": 20}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}
	if got := cfg.GetDriftWarningPct(); got != 20 {
		t.Errorf("GetDriftWarningPct() = %v, want file value 20", got)
	}
	// Omitted fields fall back to accessor defaults.
	if got := cfg.GetDriftEmergencyPct(); got != 30 {
		t.Errorf("GetDriftEmergencyPct() = %v, want default 30", got)
	}
	if got := cfg.GetEMAAlpha(); got != 0.2 {
		t.Errorf("GetEMAAlpha() = %v, want default 0.2", got)
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
	}{
		{
			name: "wrong extension",
			path: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "tuning.yaml")
				os.WriteFile(p, []byte("{}"), 0644)
				return p
			},
		},
		{
			name: "missing file",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope.json")
			},
		},
		{
			name: "malformed json",
			path: func(t *testing.T) string {
				return writeConfig(t, `{"tank_capacity_l": }`)
			},
		},
		{
			name: "invalid values",
			path: func(t *testing.T) string {
				return writeConfig(t, `{"tank_capacity_l": -50}`)
			},
		},
		{
			name: "mpg bounds inverted",
			path: func(t *testing.T) string {
				return writeConfig(t, `{"min_mpg": 10, "max_mpg": 4}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTuningConfig(tt.path(t)); err == nil {
				t.Error("LoadTuningConfig() err = nil, want error")
			}
		})
	}
}

func TestVehicleOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"tank_capacity_l": 378.541,
		"vehicles": {
			"VAN-7": {"tank_capacity_l": 132.5, "min_mpg": 8, "max_mpg": 24}
		}
	}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}

	if got := cfg.GetVehicleTankCapacityLiters("VAN-7"); got != 132.5 {
		t.Errorf("GetVehicleTankCapacityLiters(VAN-7) = %v, want 132.5", got)
	}
	// Unknown vehicles use the fleet default.
	if got := cfg.GetVehicleTankCapacityLiters("T-100"); got != 378.541 {
		t.Errorf("GetVehicleTankCapacityLiters(T-100) = %v, want 378.541", got)
	}

	ov, ok := cfg.Vehicles["VAN-7"]
	if !ok {
		t.Fatal("VAN-7 override missing")
	}
	if ov.MinMPG == nil || *ov.MinMPG != 8 {
		t.Errorf("MinMPG override = %v, want 8", ov.MinMPG)
	}
}

func TestDurationFields(t *testing.T) {
	path := writeConfig(t, `{
		"event_cooldown_seconds": 600,
		"parked_grace_seconds": 45,
		"snapshot_stale": "6h",
		"event_max_gap": "12h"
	}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}
	if got := cfg.GetEventCooldown(); got != 10*time.Minute {
		t.Errorf("GetEventCooldown() = %v, want 10m", got)
	}
	if got := cfg.GetParkedGrace(); got != 45*time.Second {
		t.Errorf("GetParkedGrace() = %v, want 45s", got)
	}
	if got := cfg.GetSnapshotStale(); got != 6*time.Hour {
		t.Errorf("GetSnapshotStale() = %v, want 6h", got)
	}
	if got := cfg.GetEventMaxGap(); got != 12*time.Hour {
		t.Errorf("GetEventMaxGap() = %v, want 12h", got)
	}
}
