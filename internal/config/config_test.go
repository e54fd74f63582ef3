package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netgrove/vppbridge/internal/config"
)

// writeConfig writes a YAML config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vppbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

// TestDefaultConfigIsValid verifies the shipped defaults pass validation.
func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	if err := config.Validate(cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	if cfg.Punt.Port != config.DefaultIKEPort {
		t.Errorf("default punt port = %d, want %d", cfg.Punt.Port, config.DefaultIKEPort)
	}
	if cfg.Punt.NATTPort != config.DefaultNATTPort {
		t.Errorf("default NAT-T port = %d, want %d", cfg.Punt.NATTPort, config.DefaultNATTPort)
	}
}

// TestLoadEmptyPathUsesDefaults verifies an empty path skips the file
// layer and yields defaults.
func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): unexpected error: %v", err)
	}
	if cfg.FastPath.Addr != config.DefaultConfig().FastPath.Addr {
		t.Errorf("fastpath addr = %q, want default", cfg.FastPath.Addr)
	}
}

// TestLoadMissingFile verifies a nonexistent path is an error.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

// TestLoadYAMLOverridesDefaults verifies file values override defaults
// while unset fields inherit them.
func TestLoadYAMLOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
fastpath:
  addr: "10.0.0.2:9111"
punt:
  port: 501
  register_interval: 250ms
ipsec:
  install_routes: false
log:
  level: debug
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	if cfg.FastPath.Addr != "10.0.0.2:9111" {
		t.Errorf("fastpath addr = %q, want file value", cfg.FastPath.Addr)
	}
	if cfg.Punt.Port != 501 {
		t.Errorf("punt port = %d, want 501", cfg.Punt.Port)
	}
	if cfg.Punt.RegisterInterval != 250*time.Millisecond {
		t.Errorf("register interval = %v, want 250ms", cfg.Punt.RegisterInterval)
	}
	if cfg.IPsec.InstallRoutes {
		t.Error("install_routes not overridden to false")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}

	// Unset fields keep their defaults.
	if cfg.Punt.NATTPort != config.DefaultNATTPort {
		t.Errorf("NAT-T port = %d, want default %d", cfg.Punt.NATTPort, config.DefaultNATTPort)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics path = %q, want default", cfg.Metrics.Path)
	}
}

// TestLoadStaticTunnels verifies the tunnels list unmarshals completely.
func TestLoadStaticTunnels(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
tunnels:
  - reqid: 1
    local_addr: 192.0.2.1
    remote_addr: 198.51.100.7
    local_spi: 3221225473
    remote_spi: 4097
    encr_alg: aes-cbc
    encr_key: "30313233343536373839616263646566"
    integ_alg: sha2-256
    integ_key: "30313233343536373839616263646566"
    subnet: 10.0.0.0/24
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	if len(cfg.Tunnels) != 1 {
		t.Fatalf("tunnels = %d, want 1", len(cfg.Tunnels))
	}

	tn := cfg.Tunnels[0]
	if tn.ReqID != 1 || tn.LocalSPI != 0xc0000001 || tn.RemoteSPI != 0x1001 {
		t.Errorf("identifiers = reqid %d spi 0x%08X/0x%08X", tn.ReqID, tn.LocalSPI, tn.RemoteSPI)
	}
	if tn.LocalAddr != "192.0.2.1" || tn.RemoteAddr != "198.51.100.7" {
		t.Errorf("endpoints = %q/%q", tn.LocalAddr, tn.RemoteAddr)
	}
	if tn.EncrAlg != "aes-cbc" || tn.IntegAlg != "sha2-256" {
		t.Errorf("algorithms = %q/%q", tn.EncrAlg, tn.IntegAlg)
	}
	if tn.Subnet != "10.0.0.0/24" {
		t.Errorf("subnet = %q", tn.Subnet)
	}
}

// TestLoadEnvOverride verifies environment variables take precedence over
// the file layer.
func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
fastpath:
  addr: "10.0.0.2:9111"
`)

	t.Setenv("VPPBRIDGE_FASTPATH_ADDR", "10.9.9.9:9111")
	t.Setenv("VPPBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("VPPBRIDGE_PUNT_NATT_PORT", "4501")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	if cfg.FastPath.Addr != "10.9.9.9:9111" {
		t.Errorf("fastpath addr = %q, want env value", cfg.FastPath.Addr)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want env value", cfg.Log.Level)
	}
	if cfg.Punt.NATTPort != 4501 {
		t.Errorf("NAT-T port = %d, want env value 4501", cfg.Punt.NATTPort)
	}
}

// TestValidate verifies every validation sentinel fires on its field.
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"valid", func(*config.Config) {}, nil},
		{"empty fastpath addr", func(c *config.Config) { c.FastPath.Addr = "" }, config.ErrEmptyFastPathAddr},
		{"zero ike port", func(c *config.Config) { c.Punt.Port = 0 }, config.ErrZeroPort},
		{"zero natt port", func(c *config.Config) { c.Punt.NATTPort = 0 }, config.ErrZeroPort},
		{"empty socket path", func(c *config.Config) { c.Punt.SocketPath = "" }, config.ErrEmptySocketPath},
		{"empty natt socket path", func(c *config.Config) { c.Punt.NATTSocketPath = "" }, config.ErrEmptySocketPath},
		{"zero max packet", func(c *config.Config) { c.Punt.MaxPacket = 0 }, config.ErrInvalidMaxPacket},
		{"negative register interval", func(c *config.Config) { c.Punt.RegisterInterval = -1 }, config.ErrInvalidRegisterInterval},
		{"bad ike addr", func(c *config.Config) { c.IKE.Addr = "localhost:500" }, config.ErrInvalidIKEAddr},
		{"bad natt addr", func(c *config.Config) { c.IKE.NATTAddr = "127.0.0.1" }, config.ErrInvalidIKEAddr},
		{"zero flow timeout", func(c *config.Config) { c.IKE.FlowTimeout = 0 }, config.ErrInvalidFlowTimeout},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := config.Validate(cfg)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate: unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestParseLogLevel verifies level string mapping with the info fallback.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
