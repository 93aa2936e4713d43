package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rollmarket/config"
	"rollmarket/core/events"
	"rollmarket/crypto"
	"rollmarket/native/marketplace"
	"rollmarket/observability"
	"rollmarket/observability/logging"
	"rollmarket/rpc"
	"rollmarket/state"
	"rollmarket/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ROLLMARKET_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("rollmarketd", env, cfg.LogFile)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	vault, err := cfg.Vault(*configFile)
	if err != nil {
		logger.Error("resolve vault address", "error", err)
		os.Exit(1)
	}

	manager := state.NewManager(db)
	token := marketplace.NewLedgerToken(manager, cfg.TokenDecimals)
	recorder := events.NewRecorder()

	engine := marketplace.NewEngine()
	engine.SetState(manager)
	engine.SetToken(token)
	engine.SetVault(vault)
	engine.SetEmitter(recorder)
	engine.SetFulfillmentPeriod(cfg.FulfillmentPeriodSeconds)
	engine.SetVerificationPeriod(cfg.VerificationPeriodSeconds)
	if fee, ok := cfg.DeploymentFeeAmount(); ok {
		engine.SetDeploymentFee(fee)
	}

	logger.Info("marketplace node starting",
		"network", cfg.NetworkName,
		"vault", crypto.NewAddress(crypto.MarketPrefix, vault[:]).String(),
		"dataDir", cfg.DataDir)

	if strings.TrimSpace(cfg.MetricsAddress) != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddress)
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	server := rpc.NewServer(engine, token, recorder, logger)
	go func() {
		if err := server.Start(cfg.RPCAddress); err != nil {
			logger.Error("rpc server stopped", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
