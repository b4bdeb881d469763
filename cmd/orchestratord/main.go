package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuemby/orchestrator/internal/adminapi"
	"github.com/cuemby/orchestrator/internal/config"
	"github.com/cuemby/orchestrator/internal/daemon"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orchestratord",
	Short:   "orchestratord runs the PaaS deployment orchestration control plane",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orchestratord %s (%s)\n", Version, Commit))
	rootCmd.Flags().StringP("config", "c", "", "Path to the daemon's YAML configuration file (uses built-in single-node defaults if omitted)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	rootCmd.Flags().String("admin-addr", "127.0.0.1:9091", "Admin API listen address (orchestratorctl target)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	var cfg config.Config
	if configPath == "" {
		cfg = config.Default()
		fmt.Println("No --config given, running single-node with built-in defaults")
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log.Init(log.Config{Level: cfg.LogLevel(), JSONOutput: cfg.Log.JSONOutput})

	store, err := storage.NewBoltStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	d, err := daemon.New(cfg, store)
	if err != nil {
		store.Close()
		return fmt.Errorf("construct daemon: %w", err)
	}

	if err := d.Bootstrap(); err != nil {
		store.Close()
		return fmt.Errorf("bootstrap control plane: %w", err)
	}
	fmt.Printf("✓ Control plane bootstrapped (node %s)\n", cfg.Node.ID)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Errorf("metrics server", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

	admin := adminapi.New(d)
	go func() {
		if err := http.ListenAndServe(adminAddr, admin.Handler()); err != nil {
			log.Errorf("admin API server", err)
		}
	}()
	fmt.Printf("✓ Admin API: http://%s/admin\n", adminAddr)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runDone)
	}()
	fmt.Println("✓ Reconciler, build pipeline, budget gate, event bus, and webhook dispatcher started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	cancel()
	<-runDone
	if err := d.Shutdown(); err != nil {
		log.Errorf("shutdown", err)
	}
	if err := store.Close(); err != nil {
		log.Errorf("close store", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
