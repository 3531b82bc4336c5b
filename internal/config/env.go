package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file values
const (
	EnvActuatorHost = "DANTIC_ACTUATOR_HOST"
	EnvActuatorPort = "DANTIC_ACTUATOR_PORT"
	EnvMQTTBroker   = "DANTIC_MQTT_BROKER"
	EnvMaxError     = "DANTIC_MAX_ERROR"
	EnvReferenceLog = "DANTIC_REFERENCE_LOG"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are not overwritten.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no env file found, using process environment", "path", path)
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	slog.Info("loaded environment overrides", "path", path)
	return nil
}

// ApplyEnv copies DANTIC_* overrides into cfg
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvActuatorHost); v != "" {
		cfg.Actuator.Host = v
	}
	if v := os.Getenv(EnvActuatorPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Errorf(EnvActuatorPort, "not an integer: %q", v)
		}
		cfg.Actuator.Port = port
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		cfg.Telemetry.Broker = v
	}
	if v := os.Getenv(EnvMaxError); v != "" {
		maxErr, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Errorf(EnvMaxError, "not a number: %q", v)
		}
		cfg.Scoring.MaxError = maxErr
	}
	if v := os.Getenv(EnvReferenceLog); v != "" {
		cfg.Reference.LogPath = v
	}
	return nil
}
