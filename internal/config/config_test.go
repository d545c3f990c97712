package config

import (
	"os"
	"testing"
)

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
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default deployment pool is 4",
			check:  func(c *Config) bool { return c.DeploymentPool == 4 },
			expect: "4",
		},
		{
			name:   "default password work factor is 12",
			check:  func(c *Config) bool { return c.PasswordWorkFactor == 12 },
			expect: "12",
		},
		{
			name:   "default concurrent sessions is 5",
			check:  func(c *Config) bool { return c.ConcurrentSessionsMax == 5 },
			expect: "5",
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

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad mode", map[string]string{"AUDITOR_MODE": "bogus"}},
		{"bad port", map[string]string{"AUDITOR_PORT": "70000"}},
		{"zero deployment pool", map[string]string{"AUDITOR_WORKERS_DEPLOYMENT_POOL": "0"}},
		{"work factor below minimum", map[string]string{"AUDITOR_AUTH_PASSWORD_WORK_FACTOR": "4"}},
		{"zero concurrent sessions", map[string]string{"AUDITOR_LIMITS_SESSIONS_CONCURRENT": "0"}},
		{"zero max content bytes", map[string]string{"AUDITOR_LIMITS_MAX_CONTENT_BYTES": "0"}},
		{"bad duration", map[string]string{"AUDITOR_AUTH_SESSION_TTL": "not-a-duration"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected Load() to fail for %s", tt.name)
			}
		})
	}
}

func TestMustParseDurationPanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid duration")
		}
	}()
	MustParseDuration("not-a-duration")
}

func init() {
	// Ensure a clean environment for defaults-based assertions even if the
	// outer shell happens to export one of our variables.
	for _, k := range []string{"AUDITOR_MODE", "AUDITOR_PORT", "AUDITOR_HOST"} {
		_ = os.Unsetenv(k)
	}
}
