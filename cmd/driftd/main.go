package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"driftproxy/internal/app"
	"driftproxy/internal/shared/config"
	"driftproxy/internal/shared/logger"
	"driftproxy/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "driftproxy.ini")
	peersPath := filepath.Join(*configDir, "peers.json")
	settingsPath := filepath.Join(*configDir, "settings.json")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	server, err := app.New(cfg, peersPath, settingsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build application")
	}
	if err := server.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}
