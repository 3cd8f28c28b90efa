package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/paf/internal/api"
	"github.com/allaspectsdev/paf/internal/config"
	"github.com/allaspectsdev/paf/internal/credtest"
	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/freeze"
	"github.com/allaspectsdev/paf/internal/health"
	"github.com/allaspectsdev/paf/internal/metrics"
	"github.com/allaspectsdev/paf/internal/proxy"
	"github.com/allaspectsdev/paf/internal/results"
	"github.com/allaspectsdev/paf/internal/selector"
	"github.com/allaspectsdev/paf/internal/store"
	"github.com/allaspectsdev/paf/internal/tokenizer"
	"github.com/allaspectsdev/paf/internal/vault"
	"github.com/allaspectsdev/paf/internal/version"
)

// Run starts all three listeners and the background loops, blocking until a
// shutdown signal arrives. The whole construction graph lives here: no
// package carries mutable globals besides the config snapshot.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// 1. Logging.
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	logPath := filepath.Join(dataDir, "paf.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("service", "paf").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("paf starting")

	// 2. Single-instance check.
	if IsRunning(dataDir) {
		return fmt.Errorf("paf is already running (PID file exists at %s)", pidPath(dataDir))
	}

	// 3. Per-family config store. A missing family file gets the default
	// written; anything else is fatal at startup.
	families, err := family.NewStore(dataDir)
	if err != nil {
		return err
	}
	for _, svc := range family.Services {
		if err := families.Init(svc); err != nil {
			return fmt.Errorf("loading %s config: %w", svc, err)
		}
	}

	// 4. Request-log store and its background writer.
	dbPath := filepath.Join(dataDir, "data", "paf.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening request log store: %w", err)
	}
	defer db.Close()
	logWriter := store.NewAsyncWriter(db, log.Logger, 256)
	defer logWriter.Close()
	log.Info().Str("db_path", dbPath).Msg("request log store opened")

	// 5. Routing core.
	tracker := health.NewTracker()
	freezer := freeze.NewManager(families, tracker, log.Logger)
	sel := selector.New(families, tracker)
	v := vault.New()
	res, err := results.NewCache(128)
	if err != nil {
		return fmt.Errorf("creating results cache: %w", err)
	}

	collector := metrics.NewCollector()
	client := proxy.NewUpstreamClient(
		cfg.Upstream.RequestTimeoutDuration(),
		cfg.Upstream.ConnectTimeoutDuration(),
	)
	fwd := proxy.NewForwarder(
		families, tracker, freezer, sel, v, client,
		logWriter, tokenizer.New(), res, collector, log.Logger,
		cfg.Logs.StoreBodies,
	)
	freezer.SetProber(fwd)
	runner := credtest.NewRunner(v, logWriter, res, log.Logger)

	// 6. PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Re-probe loop.
	if err := freezer.Start(ctx); err != nil {
		return fmt.Errorf("starting re-probe loop: %w", err)
	}
	defer freezer.Stop()

	// 8. System-config hot reload (log level and friends).
	if configFile := config.ConfigFilePath(); configFile != "" {
		if watcher, watchErr := config.Watch(configFile); watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer watcher.Close()
			watcher.OnChange(func(_, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 9. Periodic log pruning.
	go runPruner(ctx, db, cfg.Logs.RetentionDays)

	// 10. Listeners.
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second

	claudeSrv := proxy.NewServer(fwd, family.Claude, addr(cfg.Server.ClaudePort), readTimeout, writeTimeout, idleTimeout)
	codexSrv := proxy.NewServer(fwd, family.Codex, addr(cfg.Server.CodexPort), readTimeout, writeTimeout, idleTimeout)
	webSrv := api.NewServer(addr(cfg.Server.WebPort), families, sel, tracker, freezer, fwd, runner, db, res, collector, log.Logger)

	errCh := make(chan error, 3)
	go func() { errCh <- claudeSrv.Start() }()
	go func() { errCh <- codexSrv.Start() }()
	go func() { errCh <- webSrv.Start() }()

	log.Info().
		Int("web_port", cfg.Server.WebPort).
		Int("claude_port", cfg.Server.ClaudePort).
		Int("codex_port", cfg.Server.CodexPort).
		Msg("listeners started")

	// 11. Wait for a signal or a listener failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("listener failed")
			shutdownAll(claudeSrv, codexSrv, webSrv)
			return err
		}
	}

	shutdownAll(claudeSrv, codexSrv, webSrv)
	log.Info().Msg("paf stopped")
	return nil
}

func addr(port int) string {
	return fmt.Sprintf("0.0.0.0:%d", port)
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownAll(servers ...shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}

// runPruner deletes old request records once a day.
func runPruner(ctx context.Context, db *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	prune := func() {
		n, err := db.Prune(retentionDays)
		if err != nil {
			log.Error().Err(err).Msg("request log pruning failed")
			return
		}
		if n > 0 {
			log.Info().Int64("removed", n).Msg("pruned old request logs")
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// Status prints a human-readable daemon status summary.
func Status(cfg *config.Config) {
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("paf is stopped")
		fmt.Println("Use 'paf start' to start the services.")
		return
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("paf is running (PID: %d)\n\n", pid)
	fmt.Printf("  Web UI:       http://localhost:%d\n", cfg.Server.WebPort)
	fmt.Printf("  Claude proxy: port %d\n", cfg.Server.ClaudePort)
	fmt.Printf("  Codex proxy:  port %d\n", cfg.Server.CodexPort)

	families, err := family.NewStore(dataDir)
	if err != nil {
		return
	}
	fmt.Println()
	fmt.Println("Active configurations:")
	for _, svc := range family.Services {
		state, err := families.Load(svc)
		if err != nil {
			continue
		}
		active := state.Active.Name
		if active == "" {
			active = "(none)"
		}
		fmt.Printf("  %-7s %s [%s]\n", svc+":", active, state.Mode)
	}
}

// parseLogLevel maps a config log level string to a zerolog level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
