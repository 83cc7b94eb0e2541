package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/agent/droid"
	"github.com/dizzyvn/kumiai/internal/agent/echo"
	"github.com/dizzyvn/kumiai/internal/agent/opencode"
	"github.com/dizzyvn/kumiai/internal/audit"
	"github.com/dizzyvn/kumiai/internal/broadcast"
	"github.com/dizzyvn/kumiai/internal/config"
	"github.com/dizzyvn/kumiai/internal/executor"
	"github.com/dizzyvn/kumiai/internal/janitor"
	"github.com/dizzyvn/kumiai/internal/logger"
	"github.com/dizzyvn/kumiai/internal/mcp"
	"github.com/dizzyvn/kumiai/internal/persist"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/ratelimit"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "--version", "-v", "version":
			fmt.Printf("kumiai %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`kumiai %s - session execution and streaming server

Usage: kumiai [command] [options]

Commands:
  (default)    Start the HTTP/MCP server
  init         Write a starter kumiai.jsonc

Server Options:
  --dir <path>       Directory holding kumiai.jsonc (or kumiai.yaml)
  --config <file>    Explicit config file; overrides --dir

Config Precedence:
  1. --config / --dir flags
  2. $KUMIAI_HOME/config
  3. ./config
  4. ~/.kumiai/config
`, Version)
}

func loadConfig(configFile, configDir string) (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	path, err := config.FindConfigPath(configDir)
	if err != nil {
		if configDir != "" {
			return nil, err
		}
		// Nothing on disk: run with defaults
		log.Printf("%v; using defaults", err)
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Directory holding kumiai.jsonc")
	configFlag := flag.String("config", "", "Path to a config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kumiai %s\n", Version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFlag, *dirFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON); err != nil {
		logger.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Printf("kumiai %s", Version)

	st, err := store.NewSQLiteStore(cfg.Store.DataDir)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	logger.Printf("Store: %s", cfg.Store.DataDir)

	factory := agent.NewFactory()
	factory.Register(agent.RuntimeTypeOpenCode, opencode.New)
	factory.Register(agent.RuntimeTypeDroid, droid.New)
	factory.Register(agent.RuntimeTypeEcho, echo.New)

	runtime, err := factory.Create(agent.FactoryConfig{
		Type:      agent.RuntimeType(cfg.Engine.Type),
		BaseURL:   cfg.Engine.BaseURL,
		Model:     cfg.Engine.Model,
		Command:   cfg.Engine.Command,
		APIKey:    cfg.Engine.APIKey,
		WorkDir:   cfg.Engine.WorkDir,
		Autonomy:  cfg.Engine.Autonomy,
		Reasoning: cfg.Engine.Reasoning,
	})
	if err != nil {
		logger.Fatalf("Failed to create engine runtime: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runtime.Ping(pingCtx); err != nil {
		logger.Printf("Engine %s not reachable yet: %v", runtime.Name(), err)
	} else {
		logger.Printf("Engine: %s", runtime.Name())
	}
	pingCancel()

	broadcaster := broadcast.NewManager(cfg.Broadcast.SubscriberBuffer, logger.Component("broadcast"))
	queues := queue.NewManager(logger.Component("queue"))
	locks := session.NewLockMap()
	status := session.NewStatusManager(st, broadcaster, locks, logger.Component("status"))
	gateway := persist.NewGateway(st, broadcaster, locks, logger.Component("persist"))

	exec := executor.New(executor.Config{
		WaitTimeout:      cfg.Session.WaitTimeout,
		ExecutionTimeout: cfg.Session.ExecutionTimeout,
		LiveDeltas:       cfg.Session.LiveDeltas,
		Model:            cfg.Engine.Model,
	}, executor.Deps{
		Runtime:     runtime,
		Store:       st,
		Queue:       queues,
		Broadcaster: broadcaster,
		Status:      status,
		Gateway:     gateway,
		Audit:       audit.Default(),
		Logger:      logger.Component("executor"),
	})

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	sweeper, err := janitor.New(janitor.Config{
		Schedule:   cfg.Janitor.Schedule,
		StaleAfter: cfg.Janitor.StaleAfter,
	}, janitor.Deps{
		Store:     st,
		Status:    status,
		Queue:     queues,
		Limiter:   limiter,
		IsRunning: exec.IsRunning,
		Logger:    logger.Slog(),
	})
	if err != nil {
		logger.Fatalf("Invalid janitor schedule: %v", err)
	}
	sweeper.Start()
	logger.Printf("Janitor: %s (stale after %s)", cfg.Janitor.Schedule, cfg.Janitor.StaleAfter)

	server := mcp.NewServer(mcp.ServerConfig{
		Executor: exec,
		Runtime:  runtime,
		Limiter:  limiter,
		Logger:   logger.Component("server"),
		Version:  Version,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("Listening on %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Errorf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("Received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Streams are long-lived; stop accepting first, then end executions so
	// broadcaster close releases the SSE handlers.
	logger.Println("   Stopping HTTP server...")
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Errorf("http shutdown: %v", err)
		}
	}()

	logger.Println("   Stopping janitor...")
	sweeper.Stop()

	logger.Println("   Closing executions...")
	if err := exec.Close(); err != nil {
		logger.Errorf("executor close: %v", err)
	}

	<-shutdownDone
	logger.Println("   Closing engine runtime...")
	_ = runtime.Close()

	logger.Println("   Closing store...")
	_ = st.Close()

	logger.Println("Shutdown complete")
}

const starterConfig = `{
  // kumiai configuration
  "server": { "address": ":8080" },
  "session": {
    "wait_timeout": "300s",
    "execution_timeout": "15m",
    "live_deltas": false
  },
  "broadcast": { "subscriber_buffer": 64 },
  "store": { "data_dir": "data" },
  "engine": {
    // opencode, droid or echo
    "type": "opencode",
    "base_url": "${OPENCODE_URL}",
    "model": ""
    // droid: "api_key": "${FACTORY_API_KEY}", "work_dir": ".", "autonomy": "high"
  },
  "ratelimit": { "requests_per_second": 10, "burst": 20 },
  "janitor": { "schedule": "*/5 * * * *", "stale_after": "30m" },
  "logging": { "dir": "data/logs", "json": false }
}
`

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.kumiai)")
	force := fs.Bool("force", false, "Overwrite an existing config")
	_ = fs.Parse(args)

	home := *dirFlag
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		home = filepath.Join(homeDir, ".kumiai")
	}

	configDir := filepath.Join(home, "config")
	configFile := filepath.Join(configDir, "kumiai.jsonc")
	if _, err := os.Stat(configFile); err == nil && !*force {
		fmt.Printf("%s already exists (use --force to overwrite)\n", configFile)
		return
	}

	for _, dir := range []string{configDir, filepath.Join(home, "data", "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	if err := os.WriteFile(configFile, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", configFile)
	fmt.Printf("Start the server with: kumiai --dir %s\n", configDir)
}
