// Package config loads eyeflowd's process configuration from a .env file
// plus the environment, following the flat getEnvOrDefault style of
// codeready-toolchain-tarsy's pkg/database/config.go and its cmd/tarsy
// main.go godotenv.Load bootstrap.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is eyeflowd's full process configuration.
type Config struct {
	HTTPAddr string

	StateStoreDSN string // sqlite DSN for fsmstate, empty disables persistence

	NATSURL           string
	TriggerSubject    string
	RemoteCommandSubject string

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string

	DefaultGateTimeout time.Duration
	MaxPipelineRetries int
}

// Load reads envPath (if present; a missing .env is not fatal — the
// process environment may already be fully populated, e.g. under a
// container orchestrator) and then builds Config from the environment.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	maxRetries, err := strconv.Atoi(getEnvOrDefault("EYEFLOW_MAX_PIPELINE_RETRIES", "3"))
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid EYEFLOW_MAX_PIPELINE_RETRIES: %w", err)
	}
	gateTimeout, err := time.ParseDuration(getEnvOrDefault("EYEFLOW_DEFAULT_GATE_TIMEOUT", "5m"))
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid EYEFLOW_DEFAULT_GATE_TIMEOUT: %w", err)
	}

	return Config{
		HTTPAddr:             getEnvOrDefault("EYEFLOW_HTTP_ADDR", ":8080"),
		StateStoreDSN:        os.Getenv("EYEFLOW_STATE_STORE_DSN"),
		NATSURL:              getEnvOrDefault("EYEFLOW_NATS_URL", "nats://127.0.0.1:4222"),
		TriggerSubject:       getEnvOrDefault("EYEFLOW_TRIGGER_SUBJECT", "eyeflow.triggers.>"),
		RemoteCommandSubject: getEnvOrDefault("EYEFLOW_REMOTE_COMMAND_SUBJECT", "eyeflow.commands"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:         os.Getenv("GOOGLE_API_KEY"),
		DefaultGateTimeout:   gateTimeout,
		MaxPipelineRetries:   maxRetries,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
