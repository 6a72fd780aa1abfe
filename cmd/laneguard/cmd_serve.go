package main

// ---------------------------------------------------------------------------
// cmd_serve.go — run the laneguard daemon
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/laneguard-project/laneguard/internal/api"
	"github.com/laneguard-project/laneguard/internal/collect"
	"github.com/laneguard-project/laneguard/internal/core"
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "laneguard.yaml", "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	// A .env next to the binary can hold LANEGUARD_JWT_SECRET and friends.
	_ = godotenv.Load()

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *dryRun {
		if err := cfg.Validate(); err != nil {
			errorf("config validation failed: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid. Listening on %s, %d rate limit policies, %d sinks enabled.\n",
			green("✓"), cfg.ListenAddr(), len(cfg.RateLimit.Policies), cfg.EnabledSinks())
		os.Exit(0)
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	// Remember where the config came from so SIGHUP can reload it.
	engine.ConfigPath = envConfig(*configPath)

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting laneguard...\n", dim("▸"))
	}

	srv := api.NewServer(engine)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	collectors := collect.NewManager(engine.Logger)
	if err := collectors.StartAll(engine.Context(), cfg.Collectors, engine.Log); err != nil {
		errorf("starting collectors: %v", err)
	}

	if !*quiet {
		authMode := green("jwt")
		switch {
		case cfg.Auth.JWTSecret == "" && len(cfg.Auth.APIKeys) == 0:
			authMode = yellow("open")
		case cfg.Auth.JWTSecret == "":
			authMode = green("api-key")
		case len(cfg.Auth.APIKeys) > 0:
			authMode = green("jwt+api-key")
		}
		fmt.Fprintf(os.Stderr, "%s laneguard running on %s, auth %s, audit capacity %d\n",
			green("✓"), cfg.ListenAddr(), authMode, cfg.Audit.Capacity)
		if n := collectors.Count(); n > 0 {
			fmt.Fprintf(os.Stderr, "%s %d collectors running\n", dim("▸"), n)
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop, send SIGHUP to reload config\n", dim("▸"))
	}

	// Blocks until SIGINT/SIGTERM, then drains the audit queue.
	if err := engine.Run(); err != nil {
		errorf("engine: %v", err)
	}
	collectors.StopAll()
	srv.Stop()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s laneguard stopped.\n", green("✓"))
	}
}
