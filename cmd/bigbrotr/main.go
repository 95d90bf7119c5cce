package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/scheduler"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// runner is a long-running service: iterate until the context dies.
type runner interface {
	Run(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" {
		usage()
		os.Exit(1)
	}
	service := os.Args[1]

	if service == "example-config" {
		example, err := config.GetExampleConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(example))
		return
	}

	fs := flag.NewFlagSet(service, flag.ExitOnError)
	var (
		showVersion = fs.Bool("version", false, "Show version information")
		configPath  = fs.String("config", "bigbrotr.yaml", "Path to configuration file")
		envFile     = fs.String("env-file", "", "Optional .env file with credentials")
	)
	fs.Parse(os.Args[2:])

	if service == "version" || *showVersion {
		fmt.Printf("bigbrotr %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		// Best effort: a .env alongside the binary is common in deployments.
		godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := ops.NewLogger(&cfg.Logging)
	log.Info("starting", "service", service, "version", version)

	if err := run(service, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service failed", "service", service, "error", err)
		os.Exit(1)
	}
}

func run(service string, cfg *config.Config, log *ops.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if service == "init" {
		return scheduler.RunInitializer(ctx, cfg, log)
	}

	ready := ops.NewEvent()

	var r runner
	var err error
	switch service {
	case "synchronizer":
		r, err = scheduler.NewSynchronizer(ctx, cfg, ready, log)
	case "prioritizer":
		r, err = scheduler.NewPrioritizer(ctx, cfg, ready, log)
	case "monitor":
		r, err = scheduler.NewMonitor(ctx, cfg, ready, log)
	case "finder":
		r, err = scheduler.NewFinder(ctx, cfg, ready, log)
	default:
		usage()
		return fmt.Errorf("unknown service %q", service)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	health := ops.NewHealthServer(&cfg.Health, ready, r, log)
	if err := health.Start(); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health.Stop(shutCtx)
	}()

	err = r.Run(ctx)
	log.LogShutdown(service, shutdownReason(ctx, err))
	return err
}

func shutdownReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "signal"
	}
	if err != nil {
		return "error"
	}
	return "done"
}

func usage() {
	fmt.Println("bigbrotr - Nostr relay network archiver")
	fmt.Println()
	fmt.Println("Usage: bigbrotr <service> [flags]")
	fmt.Println()
	fmt.Println("Services:")
	fmt.Println("  init           Apply schema, load seed relays, sweep orphans")
	fmt.Println("  synchronizer   Archive events from every readable relay")
	fmt.Println("  prioritizer    Archive events from the configured priority relays")
	fmt.Println("  monitor        Probe relays and record metadata snapshots")
	fmt.Println("  finder         Discover new relay URLs")
	fmt.Println("  example-config Print an example configuration file")
	fmt.Println("  version        Show version information")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config <path>     Configuration file (default bigbrotr.yaml)")
	fmt.Println("  --env-file <path>   .env file with BIGBROTR_DB_USER etc.")
}
