// Sessiond manages conversational engine sessions and exposes them as MCP
// tools over stdio. An MCP client spawns it, speaks JSON-RPC on stdin/stdout,
// and drives sessions through session_start, session_continue, session_status,
// session_list, and session_stop.
//
// On startup:
//  1. Loads the YAML config and applies flag overrides.
//  2. Reaps engine processes abandoned by a previous run.
//  3. Opens the session store and fails over sessions left live.
//  4. Serves MCP on stdio until EOF or SIGINT/SIGTERM.
//
// Logs go to a file under the state directory; stdout carries only protocol
// traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bobmatnyc/sessiond/config"
	"github.com/bobmatnyc/sessiond/engine"
	"github.com/bobmatnyc/sessiond/exec"
	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/manager"
	"github.com/bobmatnyc/sessiond/mcp"
	"github.com/bobmatnyc/sessiond/paths"
	"github.com/bobmatnyc/sessiond/process"
	"github.com/bobmatnyc/sessiond/store"
)

// shutdownGrace bounds how long in-flight turns get to record their final
// state after the serve loop ends.
const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		engineProfile string
		logLevel      string
		maxConcurrent int
		storeBackend  string
		dbPath        string
		showVersion   bool
	)

	flags := pflag.NewFlagSet("sessiond", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "config file path (default: XDG config directory)")
	flags.StringVar(&engineProfile, "engine", "", "engine profile name from engines.toml")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error")
	flags.IntVar(&maxConcurrent, "max-concurrent", 0, "simultaneously running engine turns")
	flags.StringVar(&storeBackend, "store", "", "session store backend: sqlite or memory")
	flags.StringVar(&dbPath, "db", "", "SQLite database path")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("sessiond %s\n", mcp.ServerVersion)
		return nil
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if engineProfile != "" {
		cfg.SetEngineProfile(engineProfile)
	}
	if logLevel != "" {
		cfg.SetLogLevel(logLevel)
	}
	if maxConcurrent > 0 {
		cfg.SetMaxConcurrent(maxConcurrent)
	}
	if storeBackend != "" {
		cfg.SetStoreBackend(storeBackend)
	}
	if dbPath != "" {
		cfg.SetDatabasePath(dbPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return err
	}
	if err := logger.Init(logPath); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	level, err := logger.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	log := logger.Get()

	enginesPath, err := paths.EnginesFilePath()
	if err != nil {
		return err
	}
	profiles, err := engine.LoadProfiles(enginesPath)
	if err != nil {
		return err
	}
	profileName := cfg.GetEngineProfile()
	profile, ok := profiles[profileName]
	if !ok {
		return fmt.Errorf("unknown engine profile %q", profileName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reap engine processes a previous run abandoned, before this run spawns
	// anything of its own.
	binary := cfg.GetEngineBinary()
	if binary == "" {
		binary = profile.Binary
	}
	if killed, err := process.CleanupOrphanedProcesses(ctx, exec.NewRealExecutor(), binary); err != nil {
		log.Warn("orphan cleanup failed", "error", err)
	} else if killed > 0 {
		log.Info("reaped orphaned engine processes", "count", killed)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := manager.New(cfg, st, engine.NewCLILauncher(), profile)
	if _, err := mgr.Reconcile(); err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}
	if _, err := mgr.PruneNow(); err != nil {
		log.Warn("startup retention sweep failed", "error", err)
	}

	go config.Watch(ctx, cfg)
	go mgr.Janitor(ctx)

	log.Info("sessiond serving",
		"version", mcp.ServerVersion,
		"engine", profileName,
		"store", cfg.GetStoreBackend(),
		"max_concurrent", cfg.GetMaxConcurrent(),
	)

	// Run blocks on stdin, so a signal cannot unblock it directly. Serve on
	// a goroutine and let the signal context race the client hanging up.
	serveDone := make(chan error, 1)
	server := mcp.NewServer(os.Stdin, os.Stdout, mgr)
	go func() { serveDone <- server.Run(ctx) }()

	var serveErr error
	select {
	case serveErr = <-serveDone:
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}

	log.Info("sessiond stopped")
	return serveErr
}

// loadConfig reads the config from the explicit path when one is given,
// otherwise from the default location.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// openStore opens the configured persistence backend. SQLite is the default;
// the database lands in the data directory unless the config overrides it.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.GetStoreBackend() {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		dbPath := cfg.GetDatabasePath()
		if dbPath == "" {
			var err error
			dbPath, err = paths.DatabasePath()
			if err != nil {
				return nil, err
			}
		}
		return store.NewSQLiteStore(dbPath)
	}
}
