// Vppbridged daemon -- IKE/IPsec bridge between an IKE daemon and VPP.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/netgrove/vppbridge/internal/config"
	"github.com/netgrove/vppbridge/internal/fastpath"
	"github.com/netgrove/vppbridge/internal/ipsec"
	bridgemetrics "github.com/netgrove/vppbridge/internal/metrics"
	"github.com/netgrove/vppbridge/internal/punt"
	"github.com/netgrove/vppbridge/internal/relay"
	"github.com/netgrove/vppbridge/internal/route"
	appversion "github.com/netgrove/vppbridge/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain connections and for static tunnel teardown during shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("vppbridged starting",
		slog.String("version", appversion.Version),
		slog.String("fastpath_addr", cfg.FastPath.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := bridgemetrics.NewCollector(reg)

	// 5. Run the bridge.
	if err := runBridge(cfg, reg, collector, *configPath, logLevel, logger); err != nil {
		logger.Error("vppbridged exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("vppbridged stopped")
	return 0
}

// runBridge wires the fast-path client, lifecycle manager, punt sockets,
// and relay together and supervises them with an errgroup under a
// signal-aware context.
func runBridge(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *bridgemetrics.Collector,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Fast-path client. The connection is lazy; punt registration below is
	// the first RPC and doubles as the connectivity check.
	client, err := fastpath.NewGRPCClient(fastpath.GRPCClientConfig{
		Addr:        cfg.FastPath.Addr,
		DialTimeout: cfg.FastPath.DialTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create fastpath client: %w", err)
	}
	defer closeQuietly(client, "fastpath client", logger)

	routes := route.NewManager(client, logger)

	mgr, err := ipsec.NewManager(client, routes, logger,
		ipsec.WithManagerMetrics(collector),
		ipsec.WithRouteInstall(cfg.IPsec.InstallRoutes),
	)
	if err != nil {
		return fmt.Errorf("create ipsec manager: %w", err)
	}
	defer closeQuietly(mgr, "ipsec manager", logger)

	// Punt sockets. Blocks on registration until the VPP agent answers or
	// a termination signal cancels the wait.
	pair, err := punt.NewSocketPair(ctx, punt.Config{
		Port:             cfg.Punt.Port,
		NATTPort:         cfg.Punt.NATTPort,
		SocketPath:       cfg.Punt.SocketPath,
		NATTSocketPath:   cfg.Punt.NATTSocketPath,
		MaxPacket:        cfg.Punt.MaxPacket,
		RegisterInterval: cfg.Punt.RegisterInterval,
	}, client, logger, punt.WithSocketMetrics(collector))
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("startup interrupted by signal")
			return nil
		}
		return fmt.Errorf("create punt sockets: %w", err)
	}

	rly := relay.New(relay.Config{
		IKEAddr:     netip.MustParseAddrPort(cfg.IKE.Addr),
		NATTAddr:    netip.MustParseAddrPort(cfg.IKE.NATTAddr),
		FlowTimeout: cfg.IKE.FlowTimeout,
	}, pair, logger, relay.WithRelayMetrics(collector))

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rly.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	startSIGHUPReload(gCtx, g, configPath, logLevel, logger)

	// Replay manually keyed tunnels from config.
	installed := installStaticTunnels(gCtx, cfg.Tunnels, mgr, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, pair, installed, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run bridge: %w", err)
	}
	return nil
}

// closer pairs Close with a log label for deferred teardown.
type closer interface {
	Close() error
}

// closeQuietly closes c, logging any error.
func closeQuietly(c closer, what string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close "+what,
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Static Tunnels — manual keying from config
// -------------------------------------------------------------------------

// encrAlgNames maps config encryption algorithm names to transforms.
var encrAlgNames = map[string]ipsec.EncrAlg{
	"null":    ipsec.EncrNull,
	"aes-cbc": ipsec.EncrAESCBC,
}

// integAlgNames maps config integrity algorithm names to transforms.
var integAlgNames = map[string]ipsec.AuthAlg{
	"none":     ipsec.AuthNone,
	"md5-96":   ipsec.AuthHMACMD5_96,
	"sha1-96":  ipsec.AuthHMACSHA1_96,
	"sha2-256": ipsec.AuthHMACSHA2_256,
	"sha2-384": ipsec.AuthHMACSHA2_384,
	"sha2-512": ipsec.AuthHMACSHA2_512,
}

// Static tunnel conversion errors.
var (
	errZeroReqID    = errors.New("reqid must be nonzero")
	errZeroSPI      = errors.New("SPIs must be nonzero")
	errUnknownAlg   = errors.New("unknown algorithm name")
	errSameEndpoint = errors.New("local and remote endpoints must differ")
)

// staticTunnel is one config tunnel converted to lifecycle events.
type staticTunnel struct {
	inbound  ipsec.SA
	outbound ipsec.SA

	// policy is set only when a destination subnet is declared.
	policy    ipsec.Policy
	hasPolicy bool
}

// convertStaticTunnel validates and converts one config tunnel declaration.
func convertStaticTunnel(tc config.TunnelConfig) (staticTunnel, error) {
	var st staticTunnel

	if tc.ReqID == 0 {
		return st, errZeroReqID
	}
	if tc.LocalSPI == 0 || tc.RemoteSPI == 0 {
		return st, errZeroSPI
	}

	local, err := netip.ParseAddr(tc.LocalAddr)
	if err != nil {
		return st, fmt.Errorf("parse local_addr: %w", err)
	}
	remote, err := netip.ParseAddr(tc.RemoteAddr)
	if err != nil {
		return st, fmt.Errorf("parse remote_addr: %w", err)
	}
	if local == remote {
		return st, errSameEndpoint
	}

	encr, ok := encrAlgNames[tc.EncrAlg]
	if !ok {
		return st, fmt.Errorf("%w: encr_alg %q", errUnknownAlg, tc.EncrAlg)
	}
	integ, ok := integAlgNames[tc.IntegAlg]
	if !ok {
		return st, fmt.Errorf("%w: integ_alg %q", errUnknownAlg, tc.IntegAlg)
	}

	encrKey, err := hex.DecodeString(tc.EncrKey)
	if err != nil {
		return st, fmt.Errorf("decode encr_key: %w", err)
	}
	integKey, err := hex.DecodeString(tc.IntegKey)
	if err != nil {
		return st, fmt.Errorf("decode integ_key: %w", err)
	}

	// Manual keying uses the same key material in both directions.
	st.inbound = ipsec.SA{
		ReqID:   tc.ReqID,
		Inbound: true,
		SPI:     tc.LocalSPI,
		Mode:    ipsec.ModeTunnel,
		Src:     remote,
		Dst:     local,
		EncrAlg: encr,
		EncrKey: encrKey,
		AuthAlg: integ,
		AuthKey: integKey,
	}
	st.outbound = ipsec.SA{
		ReqID:   tc.ReqID,
		Inbound: false,
		SPI:     tc.RemoteSPI,
		Mode:    ipsec.ModeTunnel,
		Src:     local,
		Dst:     remote,
		EncrAlg: encr,
		EncrKey: encrKey,
		AuthAlg: integ,
		AuthKey: integKey,
	}

	if tc.Subnet != "" {
		subnet, err := netip.ParsePrefix(tc.Subnet)
		if err != nil {
			return st, fmt.Errorf("parse subnet: %w", err)
		}
		st.policy = ipsec.Policy{
			Dir:   ipsec.PolicyOut,
			Type:  ipsec.PolicyIPsec,
			Mode:  ipsec.ModeTunnel,
			SPI:   tc.RemoteSPI,
			Dst:   remote,
			DstTS: subnet,
		}
		st.hasPolicy = true
	}

	return st, nil
}

// installStaticTunnels replays the declared tunnels through the lifecycle
// manager. Invalid or failing declarations are logged and skipped; the
// returned slice holds the tunnels that installed completely, for teardown
// at shutdown.
func installStaticTunnels(
	ctx context.Context,
	tunnels []config.TunnelConfig,
	mgr *ipsec.Manager,
	logger *slog.Logger,
) []staticTunnel {
	installed := make([]staticTunnel, 0, len(tunnels))

	for _, tc := range tunnels {
		st, err := convertStaticTunnel(tc)
		if err != nil {
			logger.Error("invalid static tunnel config, skipping",
				slog.Uint64("reqid", uint64(tc.ReqID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := mgr.AddSA(ctx, st.inbound); err != nil {
			logger.Error("failed to install static tunnel inbound SA, skipping",
				slog.Uint64("reqid", uint64(tc.ReqID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := mgr.AddSA(ctx, st.outbound); err != nil {
			logger.Error("failed to install static tunnel outbound SA, skipping",
				slog.Uint64("reqid", uint64(tc.ReqID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if st.hasPolicy {
			if err := mgr.AddPolicy(ctx, st.policy); err != nil {
				logger.Error("failed to install static tunnel route",
					slog.Uint64("reqid", uint64(tc.ReqID)),
					slog.String("error", err.Error()),
				)
				// Tunnel exists without its route; still torn down at
				// shutdown via the policy delete.
			}
		}

		installed = append(installed, st)
	}

	if len(tunnels) > 0 {
		logger.Info("static tunnel installation complete",
			slog.Int("declared", len(tunnels)),
			slog.Int("installed", len(installed)),
		)
	}

	return installed
}

// removeStaticTunnels tears down the tunnels installed from config.
func removeStaticTunnels(
	ctx context.Context,
	installed []staticTunnel,
	mgr *ipsec.Manager,
	logger *slog.Logger,
) {
	for _, st := range installed {
		if !st.hasPolicy {
			continue
		}
		if err := mgr.DelPolicy(ctx, st.policy); err != nil {
			logger.Warn("failed to remove static tunnel",
				slog.Uint64("reqid", uint64(st.inbound.ReqID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// startSIGHUPReload registers the SIGHUP handler goroutine. Reload covers
// the log level only: punt registrations and installed tunnels are bound
// to fast-path state and are not reconfigured live.
func startSIGHUPReload(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				reloadLogLevel(configPath, logLevel, logger)
			}
		}
	})
}

// reloadLogLevel loads a fresh configuration and applies its log level.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, tears
// down static tunnels, closes the punt sockets (which unblocks the relay),
// then drains the metrics server.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for the teardown work.
func gracefulShutdown(
	ctx context.Context,
	mgr *ipsec.Manager,
	pair *punt.SocketPair,
	installed []staticTunnel,
	metricsSrv *http.Server,
	logger *slog.Logger,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Detach from the cancelled parent so teardown RPCs get a real,
	// bounded context.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	removeStaticTunnels(shutdownCtx, installed, mgr, logger)

	var shutdownErr error
	if err := pair.Close(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close punt sockets: %w", err))
	}

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using a ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates the observability HTTP server: Prometheus
// metrics plus a standard gRPC health endpoint (grpc.health.v1) served
// over h2c for plaintext gRPC health probes.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
