// Package config manages vppbridge daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete vppbridge configuration.
type Config struct {
	FastPath FastPathConfig `koanf:"fastpath"`
	Punt     PuntConfig     `koanf:"punt"`
	IKE      IKEConfig      `koanf:"ike"`
	IPsec    IPsecConfig    `koanf:"ipsec"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`

	// Tunnels declares manually keyed static tunnels installed at startup
	// and torn down on shutdown.
	Tunnels []TunnelConfig `koanf:"tunnels"`
}

// TunnelConfig declares one manually keyed static tunnel. Keys are hex
// octet strings, SPIs host byte order. The same key material is used in
// both directions, as is conventional for manual keying.
type TunnelConfig struct {
	// ReqID pairs the two SA halves; must be unique across tunnels.
	ReqID uint32 `koanf:"reqid"`

	// LocalAddr and RemoteAddr are the IPv4 tunnel endpoints.
	LocalAddr  string `koanf:"local_addr"`
	RemoteAddr string `koanf:"remote_addr"`

	// LocalSPI and RemoteSPI are the inbound and outbound SPIs.
	LocalSPI  uint32 `koanf:"local_spi"`
	RemoteSPI uint32 `koanf:"remote_spi"`

	// EncrAlg is "null" or "aes-cbc"; EncrKey selects the AES variant by
	// length (128/192/256 bits).
	EncrAlg string `koanf:"encr_alg"`
	EncrKey string `koanf:"encr_key"`

	// IntegAlg is one of "none", "md5-96", "sha1-96", "sha2-256",
	// "sha2-384", "sha2-512".
	IntegAlg string `koanf:"integ_alg"`
	IntegKey string `koanf:"integ_key"`

	// Subnet is the destination traffic selector routed into the tunnel.
	// Empty skips route installation for this tunnel.
	Subnet string `koanf:"subnet"`
}

// FastPathConfig holds the VPP agent gRPC client configuration.
type FastPathConfig struct {
	// Addr is the VPP agent configurator gRPC address (e.g., "127.0.0.1:9111").
	Addr string `koanf:"addr"`

	// DialTimeout bounds the initial connection attempt. Zero means no
	// timeout; connectivity is then verified on the first RPC.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// PuntConfig holds the punt socket pair configuration.
//
// Ports must be fixed: the punt registration in VPP binds a concrete UDP
// port to a socket path, so "any free port" (port 0) cannot be supported.
type PuntConfig struct {
	// Port is the IKE UDP port. The well-known port 500 enables split
	// mode, where NAT-T traffic arrives on a second socket.
	Port uint16 `koanf:"port"`

	// NATTPort is the NAT-T UDP port used only in split mode.
	NATTPort uint16 `koanf:"natt_port"`

	// MaxPacket is the maximum IP datagram size accepted on receive.
	MaxPacket int `koanf:"max_packet"`

	// SocketPath is the filesystem path of the IKE punt socket.
	SocketPath string `koanf:"socket_path"`

	// NATTSocketPath is the filesystem path of the NAT-T punt socket.
	NATTSocketPath string `koanf:"natt_socket_path"`

	// RegisterInterval is the delay between failed punt registration
	// rounds against the VPP agent.
	RegisterInterval time.Duration `koanf:"register_interval"`
}

// IKEConfig holds the relay target: the local IKE daemon that consumes
// punted datagrams and whose replies are injected back into the fast path.
type IKEConfig struct {
	// Addr is the IKE daemon UDP endpoint for IKE traffic
	// (e.g., "127.0.0.1:500" with the daemon bound to loopback).
	Addr string `koanf:"addr"`

	// NATTAddr is the IKE daemon UDP endpoint for NAT-T traffic.
	NATTAddr string `koanf:"natt_addr"`

	// FlowTimeout evicts idle relay flows. A flow is one peer endpoint's
	// UDP conversation with the IKE daemon.
	FlowTimeout time.Duration `koanf:"flow_timeout"`
}

// IPsecConfig holds the tunnel lifecycle configuration.
type IPsecConfig struct {
	// InstallRoutes enables route install/remove tied to tunnel policies.
	InstallRoutes bool `koanf:"install_routes"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// Default punt ports. 500 is the well-known IKE port; when it is
// configured, IKE_SA_INIT and NAT-T traffic use separate sockets.
const (
	DefaultIKEPort  = 500
	DefaultNATTPort = 4500
)

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FastPath: FastPathConfig{
			Addr:        "127.0.0.1:9111",
			DialTimeout: 10 * time.Second,
		},
		Punt: PuntConfig{
			Port:             DefaultIKEPort,
			NATTPort:         DefaultNATTPort,
			MaxPacket:        10000,
			SocketPath:       "/run/vpp/ike-punt.sock",
			NATTSocketPath:   "/run/vpp/natt-punt.sock",
			RegisterInterval: 1 * time.Second,
		},
		IKE: IKEConfig{
			Addr:        "127.0.0.1:500",
			NATTAddr:    "127.0.0.1:4500",
			FlowTimeout: 5 * time.Minute,
		},
		IPsec: IPsecConfig{
			InstallRoutes: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for vppbridge configuration.
// Variables are named VPPBRIDGE_<section>_<key>, e.g., VPPBRIDGE_FASTPATH_ADDR.
const envPrefix = "VPPBRIDGE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (VPPBRIDGE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips the
// file layer entirely.
//
// Environment variable mapping:
//
//	VPPBRIDGE_FASTPATH_ADDR -> fastpath.addr
//	VPPBRIDGE_PUNT_PORT     -> punt.port
//	VPPBRIDGE_LOG_LEVEL     -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// VPPBRIDGE_FASTPATH_ADDR -> fastpath.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms VPPBRIDGE_FASTPATH_ADDR -> fastpath.addr.
// Strips the VPPBRIDGE_ prefix, lowercases, and replaces the first _ with .
// so multi-word keys like natt_socket_path survive the mapping.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"fastpath.addr":          defaults.FastPath.Addr,
		"fastpath.dial_timeout":  defaults.FastPath.DialTimeout.String(),
		"punt.port":              defaults.Punt.Port,
		"punt.natt_port":         defaults.Punt.NATTPort,
		"punt.max_packet":        defaults.Punt.MaxPacket,
		"punt.socket_path":       defaults.Punt.SocketPath,
		"punt.natt_socket_path":  defaults.Punt.NATTSocketPath,
		"punt.register_interval": defaults.Punt.RegisterInterval.String(),
		"ike.addr":               defaults.IKE.Addr,
		"ike.natt_addr":          defaults.IKE.NATTAddr,
		"ike.flow_timeout":       defaults.IKE.FlowTimeout.String(),
		"ipsec.install_routes":   defaults.IPsec.InstallRoutes,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyFastPathAddr indicates the VPP agent address is empty.
	ErrEmptyFastPathAddr = errors.New("fastpath.addr must not be empty")

	// ErrZeroPort indicates a punt port of zero. Dynamic port allocation
	// is not supported because punt registration requires a fixed port.
	ErrZeroPort = errors.New("punt ports must be nonzero (dynamic ports unsupported)")

	// ErrEmptySocketPath indicates a punt socket path is empty.
	ErrEmptySocketPath = errors.New("punt socket paths must not be empty")

	// ErrInvalidMaxPacket indicates a non-positive maximum packet size.
	ErrInvalidMaxPacket = errors.New("punt.max_packet must be > 0")

	// ErrInvalidRegisterInterval indicates a non-positive registration
	// retry interval.
	ErrInvalidRegisterInterval = errors.New("punt.register_interval must be > 0")

	// ErrInvalidIKEAddr indicates an unparseable IKE daemon endpoint.
	ErrInvalidIKEAddr = errors.New("ike addresses must be host:port")

	// ErrInvalidFlowTimeout indicates a non-positive relay flow timeout.
	ErrInvalidFlowTimeout = errors.New("ike.flow_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.FastPath.Addr == "" {
		return ErrEmptyFastPathAddr
	}

	if cfg.Punt.Port == 0 || cfg.Punt.NATTPort == 0 {
		return ErrZeroPort
	}

	if cfg.Punt.SocketPath == "" || cfg.Punt.NATTSocketPath == "" {
		return ErrEmptySocketPath
	}

	if cfg.Punt.MaxPacket <= 0 {
		return ErrInvalidMaxPacket
	}

	if cfg.Punt.RegisterInterval <= 0 {
		return ErrInvalidRegisterInterval
	}

	for _, addr := range []string{cfg.IKE.Addr, cfg.IKE.NATTAddr} {
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidIKEAddr, addr)
		}
	}

	if cfg.IKE.FlowTimeout <= 0 {
		return ErrInvalidFlowTimeout
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
