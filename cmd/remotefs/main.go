// Command remotefs mounts a remote directory tree as a local POSIX
// filesystem, backed by an HTTP metadata-and-bytes service.
//
// Usage:
//
//	remotefs <server-ip> [daemon|stop] [flags]
//
// The daemon keyword detaches into the background; stop signals a
// running instance to unmount and exit. Exit codes: 0 on a clean
// unmount, non-zero on a mount error, an unreachable server at
// startup, or an unclean shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/remotefs/remotefs/internal/cache"
	"github.com/remotefs/remotefs/internal/changefeed"
	"github.com/remotefs/remotefs/internal/circuit"
	"github.com/remotefs/remotefs/internal/config"
	"github.com/remotefs/remotefs/internal/daemon"
	"github.com/remotefs/remotefs/internal/fscore"
	"github.com/remotefs/remotefs/internal/fuse"
	"github.com/remotefs/remotefs/internal/handle"
	"github.com/remotefs/remotefs/internal/inode"
	"github.com/remotefs/remotefs/internal/metrics"
	"github.com/remotefs/remotefs/internal/remote"
	"github.com/remotefs/remotefs/pkg/api"
	"github.com/remotefs/remotefs/pkg/health"
	"github.com/remotefs/remotefs/pkg/retry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("remotefs", flag.ContinueOnError)
	mountPoint := flags.String("mount", "", "mount point (default ~/mnt/remote-fs)")
	configPath := flags.String("config", "", "optional YAML configuration file")
	readOnly := flags.Bool("read-only", false, "mount read-only")
	allowOther := flags.Bool("allow-other", false, "allow other users to access the mount")
	stopTimeout := flags.Duration("stop-timeout", 10*time.Second, "how long to wait for a daemon to exit on stop")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <server-ip> [daemon|stop] [flags]\n", os.Args[0])
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return 2
	}
	positional := flags.Args()
	if len(positional) < 1 {
		flags.Usage()
		return 2
	}
	serverIP := positional[0]
	var command string
	if len(positional) >= 2 {
		command = positional[1]
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load env config: %v\n", err)
		return 1
	}

	cfg.Mount.ServerURL = serverURLFrom(serverIP)
	if *mountPoint != "" {
		cfg.Mount.MountPoint = *mountPoint
	}
	if *readOnly {
		cfg.Mount.ReadOnly = true
	}
	if *allowOther {
		cfg.Mount.AllowOther = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	stateDir := daemon.StateDir()
	pidFile := daemon.PIDFile(stateDir, cfg.Mount.MountPoint)

	switch command {
	case "stop":
		if err := daemon.Stop(pidFile, *stopTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "stop: %v\n", err)
			return 1
		}
		return 0
	case "daemon":
		childArgs := removeFirst(args, "daemon")
		logFile := daemon.LogFile(pidFile)
		pid, err := daemon.Detach(pidFile, logFile, childArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			return 1
		}
		fmt.Printf("remotefs daemon started, pid %d, log %s\n", pid, logFile)
		return 0
	}

	return runForeground(cfg, pidFile)
}

// serverURLFrom turns a bare "<server-ip>" positional argument into a
// base URL the remote client can use, tolerating a caller that already
// supplied a scheme.
func serverURLFrom(serverIP string) string {
	if strings.HasPrefix(serverIP, "http://") || strings.HasPrefix(serverIP, "https://") {
		return serverIP
	}
	return "http://" + serverIP
}

// removeFirst drops the first occurrence of target from args, used to
// strip the "daemon" keyword before re-executing in the background.
func removeFirst(args []string, target string) []string {
	out := make([]string, 0, len(args))
	removed := false
	for _, a := range args {
		if !removed && a == target {
			removed = true
			continue
		}
		out = append(out, a)
	}
	return out
}

func newLogger(cfg *config.Configuration) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Global.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	out := os.Stderr
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Monitoring.Logging.Structured {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func runForeground(cfg *config.Configuration, pidFile string) int {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpClient *http.Client
	if cfg.Network.CircuitBreaker.Enabled {
		breaker := circuit.NewCircuitBreaker("remote", circuit.Config{
			Timeout: cfg.Network.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts circuit.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Network.CircuitBreaker.FailureThreshold)
			},
		})
		httpClient = &http.Client{
			Timeout:   cfg.Network.Timeouts.Read,
			Transport: circuit.NewTransport(breaker, nil),
		}
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Network.Retry.MaxAttempts
	retryCfg.InitialDelay = cfg.Network.Retry.BaseDelay
	retryCfg.MaxDelay = cfg.Network.Retry.MaxDelay

	client := remote.New(remote.Config{
		BaseURL:     cfg.Mount.ServerURL,
		Timeout:     cfg.Network.Timeouts.Read,
		RetryConfig: retryCfg,
		HTTPClient:  httpClient,
	}, logger)

	startupCtx, cancelStartup := context.WithTimeout(ctx, cfg.Network.Timeouts.Connect)
	_, err := client.Statfs(startupCtx)
	cancelStartup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "remote service unreachable at %s: %v\n", cfg.Mount.ServerURL, err)
		return 1
	}

	var collector *metrics.Collector
	if cfg.Monitoring.Metrics.Enabled {
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: "remotefs",
			Labels:    cfg.Monitoring.Metrics.CustomLabels,
		})
		if err != nil {
			logger.Warn("metrics collector disabled", "error", err)
			collector = nil
		} else if err := collector.Start(ctx); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = collector.Stop(shutdownCtx)
			}()
		}
	}

	c := cache.New(cache.Config{AttrTTL: cfg.Cache.AttrTTL, DirTTL: cfg.Cache.DirTTL})
	it := inode.New()
	ht := handle.New(client)
	core := fscore.New(client, c, it, ht, logger)
	core.Metrics = collector

	sub := changefeed.New(cfg.Mount.ServerURL, nil, c, it, logger)
	go func() {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("change feed subscriber stopped", "error", err)
		}
	}()

	mountCfg := &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options: &fuse.MountOptions{
			ReadOnly:     cfg.Mount.ReadOnly,
			AllowOther:   cfg.Mount.AllowOther,
			MaxRead:      uint32(cfg.Mount.MaxReadAhead),
			MaxWrite:     uint32(cfg.Mount.MaxReadAhead),
			AttrTimeout:  cfg.Cache.AttrTTL,
			EntryTimeout: cfg.Cache.DirTTL,
			FSName:       "remotefs",
			Subtype:      "remotefs",
		},
		Permissions: &fuse.Permissions{
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0o644,
			DirMode:  0o755,
		},
	}
	manager := fuse.CreatePlatformMountManager(core, mountCfg, logger)
	if err := manager.Mount(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mount failed: %v\n", err)
		return 1
	}

	if err := daemon.WritePID(pidFile); err != nil {
		logger.Warn("could not write pid file", "error", err)
	}
	defer daemon.RemovePID(pidFile)

	healthTracker := health.NewTracker()
	healthTracker.Register("mount", func(context.Context) error {
		if !manager.IsMounted() {
			return fmt.Errorf("mount point not active")
		}
		return nil
	})
	healthTracker.Register("remote", func(ctx context.Context) error {
		_, err := client.Statfs(ctx)
		return err
	})

	apiServer := api.NewServer(api.ServerConfig{
		Address:      fmt.Sprintf("127.0.0.1:%d", cfg.Global.HealthPort),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}, healthTracker, collector)
	apiServer.StartBackground()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
	}()

	logger.Info("mounted", "mount_point", cfg.Mount.MountPoint, "server", cfg.Mount.ServerURL)
	<-ctx.Done()
	logger.Info("shutting down")

	if err := manager.Unmount(); err != nil {
		logger.Error("unclean unmount", "error", err)
		return 1
	}
	return 0
}
