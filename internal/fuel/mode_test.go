package fuel

import (
	"testing"
	"time"
)

func TestClassifyMode(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name         string
		speedMPH     float64
		rpm          float64
		engineOffFor time.Duration
		want         OperatingMode
	}{
		{"highway cruise", 62, 1400, 0, ModeMoving},
		{"crawling above threshold", 4, 900, 0, ModeMoving},
		{"stopped at light", 0, 650, 0, ModeIdle},
		{"creeping below threshold idles", 2, 700, 0, ModeIdle},
		{"engine just shut off", 0, 0, 30 * time.Second, ModeIdle},
		{"engine off past grace", 0, 0, 5 * time.Minute, ModeParked},
		{"overnight", 0, 0, 9 * time.Hour, ModeParked},
		// Speed wins even with a zero RPM dropout from the sender.
		{"rpm dropout while moving", 45, 0, 0, ModeMoving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyMode(tt.speedMPH, tt.rpm, tt.engineOffFor, cfg)
			if got != tt.want {
				t.Errorf("ClassifyMode(%v, %v, %v) = %v, want %v",
					tt.speedMPH, tt.rpm, tt.engineOffFor, got, tt.want)
			}
		})
	}
}
