package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/visezion/hcai-mini/internal/bus"
	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/engine"
	httpiface "github.com/visezion/hcai-mini/internal/interfaces/http"
	"github.com/visezion/hcai-mini/internal/metrics"
	"github.com/visezion/hcai-mini/internal/persistence/sqlite"
	"github.com/visezion/hcai-mini/internal/scheduler"
)

const (
	appName = "hcai"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Supervisory controller for data-center cooling",
		Version: version,
		Long: `hcai is a closed-loop supervisory controller for data-center cooling.

It ingests rack telemetry off an MQTT bus, forecasts short-horizon
temperature evolution, flags anomalies, and emits bounded setpoint
commands. Operators approve commands in non-auto modes; every transition
lands in a durable audit trail.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller",
		Long:  "Connect to the bus, open the ledger, and serve the operator HTTP/WebSocket surface.",
		RunE:  runServe,
	}
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().String("config-dir", "", "Directory holding policy.yaml, devices.yaml and scheduler.yaml")
	serveCmd.Flags().String("db", "", "Path to the SQLite ledger (overrides DB_PATH)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	settings := config.LoadSettings()
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		settings.HTTPAddr = addr
	}
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		settings.PolicyPath = filepath.Join(dir, "policy.yaml")
		settings.DevicesPath = filepath.Join(dir, "devices.yaml")
		settings.SweepPath = filepath.Join(dir, "scheduler.yaml")
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		settings.DBPath = db
	}

	pol, err := config.LoadPolicy(settings.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	log.Info().
		Str("site", pol.Site).
		Float64("temp_max", pol.Limits.TempC.Max).
		Float64("power_alarm_kw", pol.PowerAlarmKW).
		Msg("Policy loaded")

	registry, err := config.NewRegistry(settings.DevicesPath)
	if err != nil {
		return fmt.Errorf("failed to load device registry: %w", err)
	}
	defer registry.Close()
	if err := registry.Watch(); err != nil {
		log.Warn().Err(err).Msg("Registry watch unavailable, falling back to mtime polling")
	}

	store, err := sqlite.Open(settings.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	clientID := appName + "-" + uuid.New().String()[:8]
	mqttBus, err := bus.NewMQTT(settings.MQTTURL, settings.MQTTUser, settings.MQTTPass, clientID)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	busClient := bus.NewBreakerBus(mqttBus)
	defer busClient.Close()

	m := metrics.NewRegistry()
	eng := engine.New(settings, pol, registry, store, busClient, m)
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep, err := config.LoadSweep(settings.SweepPath)
	if err != nil {
		log.Warn().Err(err).Str("path", settings.SweepPath).Msg("Scheduler config unreadable, using defaults")
	}
	sweepEnabled, sweepHours, sweepSubnet := sweep.Resolve(settings)

	sched := scheduler.New()
	if sweepEnabled && sweepHours > 0 {
		sched.Add(scheduler.Job{
			Name:  "discovery-sweep",
			Every: time.Duration(sweepHours) * time.Hour,
			Run: func(ctx context.Context) error {
				return eng.StartDiscovery(ctx, sweepSubnet, "scheduler")
			},
		})
	}
	go sched.Run(ctx)

	server := httpiface.NewServer(settings.HTTPAddr, eng, m)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("mode", settings.Mode).
		Str("http", settings.HTTPAddr).
		Str("mqtt", settings.MQTTURL).
		Str("db", settings.DBPath).
		Msg("Controller running")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("Controller stopped")
	return nil
}
