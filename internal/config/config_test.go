package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{name: "default mode is api", check: func(c *Config) bool { return c.Mode == "api" }},
		{name: "default host is 0.0.0.0", check: func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{name: "default port is 8080", check: func(c *Config) bool { return c.Port == 8080 }},
		{name: "default log level is info", check: func(c *Config) bool { return c.LogLevel == "info" }},
		{name: "default log format is json", check: func(c *Config) bool { return c.LogFormat == "json" }},
		{name: "default grace period is 48h", check: func(c *Config) bool { return c.DefaultGracePeriodHours == 48 }},
		{name: "default deploy timeout is 240s", check: func(c *Config) bool { return c.DeployTimeoutSeconds == 240 }},
		{name: "default lock wait is 120s", check: func(c *Config) bool { return c.LockWaitSeconds == 120 }},
		{name: "listen addr format", check: func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected config value for %s", tt.name)
			}
		})
	}
}

func TestServers(t *testing.T) {
	tests := []struct {
		name    string
		fleet   string
		wantErr bool
		wantLen int
	}{
		{name: "single server", fleet: "app=10.0.1.10", wantLen: 1},
		{name: "four servers", fleet: "app=10.0.1.10,stream=10.0.1.11,storage=10.0.1.12,backup=10.0.1.13", wantLen: 4},
		{name: "empty fleet", fleet: "", wantErr: true},
		{name: "missing host", fleet: "app=", wantErr: true},
		{name: "missing equals", fleet: "app", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Fleet: tt.fleet}
			defs, err := cfg.Servers()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Servers() error: %v", err)
			}
			if len(defs) != tt.wantLen {
				t.Errorf("got %d servers, want %d", len(defs), tt.wantLen)
			}
		})
	}
}
