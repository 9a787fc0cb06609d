// roastd control plane — hosts the event-inference, mission, command, and
// governance services in one process, connected by the telemetry bus and a
// shared database.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/roastops/roastd/pkg/api"
	"github.com/roastops/roastd/pkg/bus"
	"github.com/roastops/roastd/pkg/command"
	"github.com/roastops/roastd/pkg/config"
	"github.com/roastops/roastd/pkg/database"
	"github.com/roastops/roastd/pkg/governance"
	"github.com/roastops/roastd/pkg/inference"
	"github.com/roastops/roastd/pkg/mission"
	"github.com/roastops/roastd/pkg/signing"
	"github.com/roastops/roastd/pkg/storage"
	"github.com/roastops/roastd/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	slog.Info("Starting roastd", "version", version.Full())

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "dialect", string(dbClient.Dialect()))

	// Repositories
	configRepo := storage.NewMachineConfigRepo(dbClient)
	missionRepo := storage.NewMissionRepo(dbClient)
	proposalRepo := storage.NewProposalRepo(dbClient)
	governanceRepo := storage.NewGovernanceRepo(dbClient)

	// Signing
	signer, err := signing.NewSigner(signing.Mode(cfg.Signing.Mode), cfg.Signing.Kid, cfg.Signing.PrivateKeyB64)
	if err != nil {
		slog.Error("Failed to initialize signer", "error", err)
		os.Exit(1)
	}
	keys := map[string]ed25519.PublicKey{}
	if pub := signer.PublicKey(); pub != nil {
		keys[signer.Kid()] = pub
	}
	verifier := signing.NewVerifier(signing.Mode(cfg.Signing.Mode), keys)

	// Message bus: MQTT when configured, in-process otherwise
	var msgBus bus.Bus
	if cfg.Bus.MQTTURL != "" {
		msgBus, err = bus.NewMQTTBus(cfg.Bus, slog.Default())
		if err != nil {
			slog.Error("Failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
	} else {
		msgBus = bus.NewInprocBus()
		slog.Info("MQTT_URL not set, using in-process bus")
	}
	defer func() {
		if err := msgBus.Close(); err != nil {
			slog.Error("Error closing bus", "error", err)
		}
	}()

	// Inference engine and its bus runner
	engine := inference.NewEngine(configRepo, slog.Default())
	runner := inference.NewRunner(engine, msgBus, verifier, signer, slog.Default())
	if err := runner.Start(ctx); err != nil {
		slog.Error("Failed to start inference runner", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	// Mission store and lease reaper
	missionStore := mission.NewStore(missionRepo, cfg.Mission, slog.Default())
	reaper := mission.NewReaper(missionStore, cfg.Mission.ReaperInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	// Governance: governor, metrics, breaker
	governor := governance.NewGovernor(governanceRepo, slog.Default())
	aggregator := governance.NewAggregator(proposalRepo)
	breaker := governance.NewBreaker(governanceRepo, aggregator, cfg.Breaker, slog.Default())
	breaker.Start(ctx)
	defer breaker.Stop()
	governanceService := governance.NewService(governanceRepo, aggregator, breaker, cfg.Breaker)

	// Command service and approval sweeper. No hardware state provider is
	// wired here; the state gate activates when an executor registers one.
	commandService := command.NewService(proposalRepo, governor, nil, proposalRepo, cfg.Command, slog.Default())
	sweeper := command.NewSweeper(commandService, cfg.Command.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// HTTP surfaces
	servers := buildServers(cfg.Servers, dbClient, engine, configRepo, missionStore, commandService, governanceService)

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			slog.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	slog.Info("roastd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Servers.ShutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

func buildServers(
	cfg *config.ServerConfig,
	db *database.Client,
	engine *inference.Engine,
	configRepo *storage.MachineConfigRepo,
	missionStore *mission.Store,
	commandService *command.Service,
	governanceService *governance.Service,
) []*http.Server {
	inferenceRouter := api.NewRouter()
	api.NewInferenceServer(engine, configRepo, db).Routes(inferenceRouter)

	missionRouter := api.NewRouter()
	api.NewMissionServer(missionStore, db).Routes(missionRouter)

	commandRouter := api.NewRouter()
	api.NewCommandServer(commandService, db).Routes(commandRouter)

	governanceRouter := api.NewRouter()
	api.NewGovernanceServer(governanceService, db).Routes(governanceRouter)

	return []*http.Server{
		api.NewHTTPServer(cfg.InferencePort, inferenceRouter),
		api.NewHTTPServer(cfg.MissionPort, missionRouter),
		api.NewHTTPServer(cfg.CommandPort, commandRouter),
		api.NewHTTPServer(cfg.GovernancePort, governanceRouter),
	}
}
