package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HyphaGroup/marionette/internal/api"
	"github.com/HyphaGroup/marionette/internal/budget"
	"github.com/HyphaGroup/marionette/internal/config"
	"github.com/HyphaGroup/marionette/internal/conversation"
	"github.com/HyphaGroup/marionette/internal/dispatch"
	"github.com/HyphaGroup/marionette/internal/feed"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/schedule"
	"github.com/HyphaGroup/marionette/internal/state"
	"github.com/HyphaGroup/marionette/internal/subchat"
	"github.com/HyphaGroup/marionette/internal/tools"
	"github.com/HyphaGroup/marionette/internal/tools/mcpbridge"
	"github.com/HyphaGroup/marionette/internal/turnctl"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "--version", "-v":
			fmt.Printf("marionette %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run the event loop
	runServer()
}

func printUsage() {
	fmt.Printf(`Marionette %s - Agent Conversation Runtime

Usage: marionette [command] [options]

Commands:
  (default)    Start the runtime
  init         Initialize Marionette directory structure

Server Options:
  --dir <path>       Marionette home directory
  --daemon           Start the runtime in background and exit when ready

Config Precedence (for the runtime):
  1. --dir flag
  2. MARIONETTE_HOME env var
  3. ./.marionette (if initialized in current directory)
  4. ~/.marionette (default)

Examples:
  marionette                              Start the runtime (auto-detect config)
  marionette --dir /path/to/marionette    Start with specific config directory
  marionette --daemon                     Start in background
  marionette init                         Set up ~/.marionette
  marionette init --dir .                 Set up in current directory
`, Version)
}

func runServer() {
	// Parse command-line flags
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Marionette home directory (default: ~/.marionette)")
	daemonFlag := flag.Bool("daemon", false, "Run in background and exit after the runtime is ready")
	flag.Parse()

	if *showVersion {
		fmt.Printf("marionette %s\n", Version)
		os.Exit(0)
	}

	// Daemon mode: re-exec in background and wait for health check
	if *daemonFlag {
		runDaemon(*dirFlag)
		return
	}

	// Determine marionette directory with precedence:
	// 1. --dir flag
	// 2. MARIONETTE_HOME env var
	// 3. ./.marionette (current directory)
	// 4. ~/.marionette (default)
	marionetteDir := resolveMarionetteDir(*dirFlag)
	dataDir := filepath.Join(marionetteDir, "data")
	configDir := filepath.Join(marionetteDir, "config")

	// Check if initialized
	if _, err := os.Stat(filepath.Join(configDir, "marionette.jsonc")); errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Marionette not initialized. Run 'marionette init' first.")
		os.Exit(1)
	}

	// Load configuration
	cfg, configPath, err := config.LoadDir(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize loggers
	logDir := cfg.Logs.Dir
	if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(dataDir, logDir)
	}
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if err := logger.InitSlog(logDir, cfg.Logs.JSON); err != nil {
		log.Fatalf("Failed to initialize structured logger: %v", err)
	}

	logger.Println("🎭 Marionette - Agent Conversation Runtime")
	logger.Println("   \"Every string leads back to the same hand.\"")
	logger.Println("")

	// State database backs budget ledgers and child groups across restarts
	store, err := state.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open state database: %v", err)
	}
	logger.Printf("🗄️  State database: %s/marionette.db\n", dataDir)

	tracker, err := budget.NewTracker(store, cfg.Budget.CeilingUSD, cfg.Budget.SoftRatio)
	if err != nil {
		logger.Fatalf("Failed to initialize budget tracker: %v", err)
	}

	// Tool registry: builtins first, then bridged MCP servers. A duplicate
	// name at startup is a config mistake, not something to limp past.
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Budget:      tracker,
		MaxChildren: cfg.Subchat.MaxChildren,
	}); err != nil {
		logger.Fatalf("Failed to register builtin tools: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var bridge *mcpbridge.Bridge
	if len(cfg.MCP.Servers) > 0 {
		bridge, err = mcpbridge.Connect(ctx, cfg.MCP.Servers, registry)
		if err != nil {
			logger.Fatalf("Failed to bridge MCP tools: %v", err)
		}
		logger.Printf("🔌 Bridged %d MCP tool(s)\n", bridge.Tools())
	}

	policy, err := dispatch.ParseUnregisteredPolicy(cfg.Dispatch.OnUnregistered)
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}
	d := dispatch.New(
		dispatch.WithIdleSleep(time.Duration(cfg.Dispatch.IdleSleepMS)*time.Millisecond),
		dispatch.WithUnregisteredPolicy(policy),
	)

	fd, err := feed.Open(ctx, cfg.Feed, store, d)
	if err != nil {
		logger.Fatalf("Failed to open feed: %v", err)
	}
	logger.Printf("📡 Feed: %s (%s)\n", fd.Name(), cfg.Feed.URL)

	router := tools.NewRouter(registry, fd, tools.WithExternalTools(cfg.Dispatch.ExternalTools))

	orch := subchat.New(store, router, fd, d)
	router.SetSpawner(orch)
	if recovered, err := orch.RecoverOpenGroups(); err != nil {
		logger.Printf("⚠️  Failed to recover child groups: %v", err)
	} else if recovered > 0 {
		logger.Printf("🔄 Recovered %d open child group(s) from previous run", recovered)
	}

	controls := turnctl.NewRegistry()
	controls.LoadPolicies(turnctl.PoliciesFromConfig(cfg.Control.Profiles))
	eval := turnctl.NewEvaluator(controls, cfg.Control.Profile, time.Duration(cfg.Control.TurnBudgetMS)*time.Millisecond)

	engine := conversation.NewEngine(fd, router, orch, tracker, eval, conversation.Settings{
		Model:          cfg.Agent.Model,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		MaxHistory:     cfg.Agent.MaxHistory,
		DefaultProfile: cfg.Control.Profile,
		OnUnregistered: policy,
	})
	if err := engine.Register(d); err != nil {
		logger.Fatalf("Failed to register event handlers: %v", err)
	}
	d.OnIdle(orch.CheckDeadlines)

	runner, err := schedule.NewRunner(cfg.Schedules, d)
	if err != nil {
		logger.Fatalf("Failed to build schedule runner: %v", err)
	}
	if len(cfg.Schedules) > 0 {
		logger.Printf("📅 Schedule runner: %d entries\n", len(cfg.Schedules))
	}

	// Hot-swap control profiles and external tool claims on config save.
	// Everything else takes a restart.
	watcher, err := config.Watch(configPath, func(next *config.Config) {
		controls.LoadPolicies(turnctl.PoliciesFromConfig(next.Control.Profiles))
		router.SetExternalTools(next.Dispatch.ExternalTools)
		logger.Printf("🔁 Config reloaded: %d control profile(s), %d external tool(s)",
			len(next.Control.Profiles), len(next.Dispatch.ExternalTools))
	})
	if err != nil {
		logger.Printf("⚠️  Config watching disabled: %v", err)
	}

	addr := cfg.Server.Address
	apiSrv := api.NewServer(addr, api.Sources{
		Dispatch:      d.Stats,
		Subchat:       orch.Stats,
		Budgets:       tracker.List,
		Conversations: engine.Conversations,
		Pending:       router.Pending,
		Schedules:     runner.Statuses,
		Trigger:       runner.Trigger,
	})

	logger.Printf("📝 Logs directory: %s\n", logDir)
	logger.Println("")
	logger.Println("🚀 Starting Marionette event loop...")
	logger.Printf("📡 Ops surface: http://localhost%s/status\n", addr)
	logger.Println("")

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	feedErr := make(chan error, 1)
	go func() { feedErr <- fd.Run(ctx) }()

	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSrv.Start() }()

	runner.Start()

	loopErr := make(chan error, 1)
	go func() { loopErr <- d.Run(ctx) }()

	// Wait for shutdown signal, a halted loop, or a failed subsystem
	exitCode := 0
	loopDone := false
	select {
	case err := <-loopErr:
		loopDone = true
		if err != nil {
			logger.Printf("⚠️  Dispatch loop halted: %v", err)
			exitCode = 1
		}
	case err := <-feedErr:
		if err != nil {
			logger.Printf("⚠️  Feed stopped: %v", err)
			exitCode = 1
		}
	case err := <-apiErr:
		if err != nil {
			logger.Printf("⚠️  Ops server stopped: %v", err)
			exitCode = 1
		}
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)
	}

	// Stop intake first so the loop can drain what it already parked
	logger.Println("   Stopping schedule runner...")
	runner.Stop()

	cancel()
	if !loopDone {
		<-loopErr
	}

	logger.Println("   Shutting down ops server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = apiSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	logger.Println("   Closing feed...")
	_ = fd.Close()

	if watcher != nil {
		logger.Println("   Stopping config watcher...")
		_ = watcher.Close()
	}

	if bridge != nil {
		logger.Println("   Closing MCP sessions...")
		_ = bridge.Close()
	}

	logger.Println("   Closing state database...")
	_ = store.Close()

	logger.Println("✅ Shutdown complete")
	_ = logger.Close()
	_ = logger.CloseSlog()
	os.Exit(exitCode) //nolint:gocritic // intentional exit after manual cleanup
}

func cmdInit() {
	// Parse init flags
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.marionette)")
	_ = fs.Parse(os.Args[2:])

	var marionetteDir string
	if *dirFlag != "" {
		// Use specified directory
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		marionetteDir = absDir
	} else {
		// Default to ~/.marionette
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		marionetteDir = filepath.Join(homeDir, ".marionette")
	}

	configDir := filepath.Join(marionetteDir, "config")
	dataDir := filepath.Join(marionetteDir, "data")

	// Check if already initialized (look for config file, not just directory)
	configFile := filepath.Join(configDir, "marionette.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("⚠️  %s is already initialized.\n", marionetteDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("🎭 Initializing Marionette")
	fmt.Println("")

	// Create directory structure
	dirs := []string{
		configDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	starterConfig := `{
  // Marionette Configuration

  "server": {
    "address": ":8321"
  },

  // The URL scheme selects the transport: nats:// for JetStream,
  // ws:// or wss:// for the websocket relay.
  "feed": {
    "url": "nats://localhost:4222",
    "source": "primary",
    "stream": "MARIONETTE",
    "subject_prefix": "marionette",
    "dials_per_minute": 12
  },

  "dispatch": {
    // "stop" halts the runtime on an unregistered tool, "leave-pending" logs and moves on
    "on_unregistered": "stop",
    "external_tools": [],
    "idle_sleep_ms": 250
  },

  "agent": {
    "model": "claude-sonnet-4-5",
    "system_prompt": "",
    "max_history": 200
  },

  "budget": {
    "ceiling_usd": 10.0,
    "soft_ratio": 0.8
  },

  "control": {
    "profile": "default",
    "turn_budget_ms": 750,
    "profiles": {
      "cautious": {
        "max_turns": 20,
        "warn_instruction": "Wrap up: summarize what you have and finish.",
        "deny_tools": []
      }
    }
  },

  "subchat": {
    "max_children": 8
  },

  // Cron-driven emissions into the event loop, for example:
  //   { "name": "morning-brief", "cron": "0 9 * * *", "action": "prompt",
  //     "conversation_id": "briefing", "content": "Summarize overnight activity." }
  "schedules": [],

  // External MCP servers whose tools are bridged into the registry, e.g.
  //   "files": { "command": "mcp-filesystem", "args": ["/srv/shared"] }
  "mcp": {
    "servers": {}
  },

  "logs": {
    "dir": "logs",
    "json": false
  }
}
`
	if err := os.WriteFile(configFile, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating marionette.jsonc: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)

	fmt.Println("")
	fmt.Println("✅ Marionette initialized!")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Edit %s and point feed.url at your event source\n", configFile)
	fmt.Println("   2. Run 'marionette' to start the runtime")
	fmt.Println("   3. Check http://localhost:8321/status once it is up")
}

func resolveMarionetteDir(flagDir string) string {
	// 1. Explicit flag takes highest precedence
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return absDir
	}

	// 2. MARIONETTE_HOME env var
	if envDir := os.Getenv("MARIONETTE_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("Invalid MARIONETTE_HOME: %v", err)
		}
		return absDir
	}

	// 3. Check current directory for config/marionette.jsonc (direct) or .marionette/config/marionette.jsonc
	cwd, err := os.Getwd()
	if err == nil {
		directConfig := filepath.Join(cwd, "config", "marionette.jsonc")
		if _, err := os.Stat(directConfig); err == nil {
			return cwd
		}
		localDir := filepath.Join(cwd, ".marionette")
		configFile := filepath.Join(localDir, "config", "marionette.jsonc")
		if _, err := os.Stat(configFile); err == nil {
			return localDir
		}
	}

	// 4. Default to ~/.marionette
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".marionette")
}

// runDaemon starts the runtime in background and waits for it to be ready
func runDaemon(dirFlag string) {
	// Get the path to this executable
	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	// Resolve config to get the server address for health check
	marionetteDir := resolveMarionetteDir(dirFlag)
	configDir := filepath.Join(marionetteDir, "config")
	cfg, _, err := config.LoadDir(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	serverAddr := cfg.Server.Address
	if serverAddr == "" {
		serverAddr = ":8321"
	}
	// Extract port
	port := serverAddr
	if idx := strings.LastIndex(serverAddr, ":"); idx >= 0 {
		port = serverAddr[idx+1:]
	}
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)

	// Check if already running
	resp, err := http.Get(healthURL)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("✅ Marionette already running on port %s\n", port)
			os.Exit(0)
		}
	}

	// Build command string for nohup
	logFile := filepath.Join(marionetteDir, "data", "logs", "daemon.log")
	cmdStr := fmt.Sprintf("nohup %s", executable)
	if dirFlag != "" {
		cmdStr += fmt.Sprintf(" --dir %s", dirFlag)
	}
	cmdStr += fmt.Sprintf(" > %s 2>&1 &", logFile)

	// Start via shell with nohup
	cmd := exec.Command("sh", "-c", cmdStr)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting runtime: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting marionette on port %s...\n", port)

	// Wait for health check to pass
	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		resp, err := http.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✅ Marionette running on port %s\n", port)
				os.Exit(0)
			}
		}
		time.Sleep(checkInterval)
	}

	fmt.Fprintf(os.Stderr, "Error: runtime failed to start within %v\n", maxWait)
	fmt.Fprintf(os.Stderr, "Check logs at: %s\n", logFile)
	os.Exit(1)
}
