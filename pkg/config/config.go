package config

import (
	"errors"
	"flag"
	"log/slog"
	"os"
)

var configFilePath = flag.String("config_file", "config.txtpb", "Path to the configuration file.")

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them. Values in the config file override the
// command line. A missing or broken config file is logged and the flag values are kept as they are.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	configBytes, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil {
		slog.Error("Failed to read config file.", "path", *configFilePath, "error", err)
		return
	}
	if err := Apply(configBytes); err != nil {
		slog.Error("Failed to set flags from config file.", "path", *configFilePath, "error", err)
		return
	}
	slog.Debug("Loaded config file.", "path", *configFilePath)
}
