package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/node"
	"github.com/capnetwork/capnode/types"
)

func main() {
	var (
		help        bool
		configPath  string
		nodeName    string
		dataDir     string
		keyFile     string
		coordinator string
		totalGiB    uint64
		maxUnitGiB  uint64
		telemetry   string
		logLevel    string
		logModules  string
		logJSON     bool
	)
	flag.BoolVar(&help, "help", false, "Displays help information about the commands and flags.")
	flag.BoolVar(&help, "h", false, "Displays help information about the commands and flags.")
	flag.StringVar(&configPath, "config", "", "Path to the YAML node config; flags override its values.")
	flag.StringVar(&nodeName, "nodename", "", "Node name reported to the coordinator.")
	flag.StringVar(&dataDir, "datadir", "", "Directory for the key file and the local store.")
	flag.StringVar(&keyFile, "keyfile", "", "Path to the hex-encoded node key (created if missing).")
	flag.StringVar(&coordinator, "coordinator", "", "Coordinator websocket URL.")
	flag.Uint64Var(&totalGiB, "total", 0, "Total committed capacity in GiB.")
	flag.Uint64Var(&maxUnitGiB, "maxunit", 0, "Per-unit commitment ceiling in GiB.")
	flag.StringVar(&telemetry, "telemetry", "", "Telemetry collector endpoint (host:port).")
	flag.StringVar(&logLevel, "loglevel", "", "Log level: trace, debug, info, warn, error.")
	flag.StringVar(&logModules, "logmodules", "", "Comma-separated modules with Debug/Trace enabled.")
	flag.BoolVar(&logJSON, "logjson", false, "Logs output in JSON format.")
	flag.Parse()

	if help {
		fmt.Println("Usage: capnode [options]")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, err := types.LoadNodeConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if nodeName != "" {
		cfg.NodeName = nodeName
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		if keyFile == "" {
			keyFile = filepath.Join(dataDir, "node.key")
		}
	}
	if keyFile != "" {
		cfg.KeyFile = keyFile
	}
	if coordinator != "" {
		cfg.CoordinatorURL = coordinator
	}
	if totalGiB > 0 {
		cfg.TotalCapacityBytes = totalGiB << 30
	}
	if maxUnitGiB > 0 {
		cfg.MaxUnitCapacityBytes = maxUnitGiB << 30
	}
	if telemetry != "" {
		cfg.TelemetryAddr = telemetry
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logModules != "" {
		cfg.LogModules = logModules
	}
	if logJSON {
		cfg.LogJSON = true
	}

	if cfg.LogJSON {
		log.InitJSONLogger(cfg.LogLevel, os.Stdout)
	} else {
		log.InitLogger(cfg.LogLevel)
	}
	if cfg.LogModules != "" {
		log.EnableModules(cfg.LogModules)
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Error(log.NodeModule, "node init failed", "err", err)
		os.Exit(1)
	}
	if err := n.Start(context.Background()); err != nil {
		log.Error(log.NodeModule, "node start failed", "err", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info(log.NodeModule, "shutdown signal received")
	n.Stop()
}
