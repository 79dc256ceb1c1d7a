package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default catalog sync interval is 15 minutes",
			check:  func(c *Config) bool { return c.CatalogSyncInterval() == 900e9 },
			expect: "900s",
		},
		{
			name:   "default maps timeout is 1500ms",
			check:  func(c *Config) bool { return c.TMaps().Milliseconds() == 1500 },
			expect: "1500ms",
		},
		{
			name:   "default quote deadline is 3s",
			check:  func(c *Config) bool { return c.TQuoteDeadline().Seconds() == 3 },
			expect: "3s",
		},
		{
			name:   "default local distance threshold is 180 miles",
			check:  func(c *Config) bool { return c.LocalDistanceThresholdMiles == 180 },
			expect: "180",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLiveReloadPreservesRestartOnlyFields(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Port = 9999
	live := NewLive(cfg)

	reloaded, err := live.Reload()
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if reloaded.Port != 9999 {
		t.Errorf("expected restart-only Port to survive reload, got %d", reloaded.Port)
	}
	if live.Get().Port != 9999 {
		t.Errorf("Get() did not reflect reloaded snapshot")
	}
}
