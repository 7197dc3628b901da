package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"emulatorwatch/api"
	"emulatorwatch/config"
	"emulatorwatch/models"
	"emulatorwatch/remote"
	"emulatorwatch/service"
)

// setupLogging writes to stdout and, when logDir is set, to a
// timestamped file in it. The returned file is nil without a log dir.
func setupLogging(logDir string, verbose bool) (*slog.Logger, *os.File, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if logDir == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil, nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), opts))
	logger.Info("logging to file", "path", logPath)
	return logger, logFile, nil
}

type options struct {
	configPath string
	verbose    bool
}

// parseFlags loads the config file and applies explicitly set flags on top.
func parseFlags(args []string) (config.Config, options, error) {
	fs := pflag.NewFlagSet("emulatorwatch", pflag.ContinueOnError)
	var opts options
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	defaults := config.DefaultConfig()
	host := fs.String("host", "", "host alias to connect at startup (\"local\" runs adb here)")
	listen := fs.String("listen", defaults.ListenAddr, "HTTP listen address")
	adbPath := fs.String("adb", defaults.ADBPath, "adb executable on the remote host")
	interval := fs.Duration("interval", defaults.PollInterval, "delay between captures of one emulator")
	streamAll := fs.Bool("stream-all", false, "stream every emulator found at startup")
	insecure := fs.Bool("insecure-ignore-host-key", false, "skip SSH host key verification")
	logDir := fs.String("log-dir", defaults.LogDir, "directory for log files (empty: stdout only)")
	dbPath := fs.String("db", defaults.DBPath, "sqlite inventory path (empty: disabled)")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, opts, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			cfg.DefaultHost = *host
		case "listen":
			cfg.ListenAddr = *listen
		case "adb":
			cfg.ADBPath = *adbPath
		case "interval":
			cfg.PollInterval = *interval
		case "stream-all":
			cfg.StreamAll = *streamAll
		case "insecure-ignore-host-key":
			cfg.SSH.InsecureIgnoreHostKey = *insecure
		case "log-dir":
			cfg.LogDir = *logDir
		case "db":
			cfg.DBPath = *dbPath
		}
	})
	return cfg, opts, cfg.Validate()
}

// newDialer returns the session dialer: local commands for "local",
// SSH for everything else.
func newDialer(cfg config.Config, logger *slog.Logger) service.Dialer {
	return func(ctx context.Context, host models.SSHHost) (service.Connection, error) {
		if host.Alias == config.LocalHost {
			return remote.NewLocal(), nil
		}
		session := remote.NewSession(host, remote.SessionOptions{
			ConnectTimeout:        cfg.SSH.ConnectTimeout,
			KnownHostsPath:        cfg.SSH.KnownHostsPath,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
			Logger:                logger,
		})
		if err := session.Connect(ctx); err != nil {
			return nil, err
		}
		return session, nil
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "emulatorwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, logFile, err := setupLogging(cfg.LogDir, opts.verbose)
	if err != nil {
		logger.Warn("file logging disabled", "error", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		recorder  service.SightingRecorder
		inventory api.InventoryReader
	)
	if cfg.DBPath != "" {
		db, err := config.InitDatabase(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open inventory: %w", err)
		}
		defer db.Close()
		inv := config.NewInventory(db)
		recorder, inventory = inv, inv
		logger.Info("inventory database ready", "path", cfg.DBPath)
	}

	var sessions *service.SessionManager
	hub := api.NewWebSocketHub(func(serial string) (models.FrameEvent, bool) {
		return api.LatestFrame(sessions)(serial)
	}, logger)
	go hub.Run(ctx)

	sessions = service.NewSessionManager(newDialer(cfg, logger), service.SessionConfig{
		ADBPath:        cfg.ADBPath,
		PollInterval:   cfg.PollInterval,
		ListTimeout:    cfg.ListTimeout,
		CaptureTimeout: cfg.CaptureTimeout,
		QueueCapacity:  cfg.QueueCapacity,
		Recorder:       recorder,
		Logger:         logger,
	}, api.FrameSink(hub))
	defer func() {
		if err := sessions.Disconnect(); err != nil {
			logger.Warn("error closing session", "error", err)
		}
	}()

	hosts := config.HostDirectory{ConfigPath: cfg.SSH.ConfigPath}
	if cfg.DefaultHost != "" {
		go connectAtStartup(ctx, sessions, hosts, cfg, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.NewServer(sessions, hosts, inventory, hub, logger))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "interval", cfg.PollInterval)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func connectAtStartup(ctx context.Context, sessions *service.SessionManager, hosts config.HostDirectory, cfg config.Config, logger *slog.Logger) {
	host, err := hosts.Resolve(cfg.DefaultHost)
	if err != nil {
		logger.Warn("cannot resolve startup host", "host", cfg.DefaultHost, "error", err)
		return
	}
	session, err := sessions.Connect(ctx, host)
	if err != nil {
		logger.Warn("startup connect failed", "host", host.DisplayName(), "error", err)
		return
	}
	devices, err := session.Refresh(ctx)
	if err != nil {
		logger.Warn("device scan failed", "error", err)
		return
	}
	logger.Info("devices found", "count", len(devices))
	if cfg.StreamAll {
		if err := session.StartAll(); err != nil {
			logger.Warn("failed to start streams", "error", err)
		}
	}
}
