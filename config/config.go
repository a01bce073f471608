// Package config contains everything related to run configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the training run configuration.
type Config struct {
	RunID          string
	DataDir        string
	HistoryPath    string
	CheckpointDir  string
	Epochs         int
	BatchSize      int
	Workers        int
	LogInterval    int
	ValidateEvery  int
	Patience       int
	LearningRate   float64
	Momentum       float64
	WeightDecay    float64
	ReportAUC      bool
	EarlyStopping  bool
	ShowProgress   bool
	MetricsAddress string // empty disables the exporter
	Seed           int64
}

// Default values
const (
	defaultEpochs        = 20
	defaultBatchSize     = 16
	defaultWorkers       = 2
	defaultLogInterval   = 50
	defaultValidateEvery = 1
	defaultPatience      = 3
	defaultLearningRate  = 0.1
	defaultSeed          = 42
)

// Load reads configuration from a .env file (if present) and environment
// variables.
func Load() (*Config, error) {
	if cwd, err := os.Getwd(); err == nil {
		envPath := filepath.Join(cwd, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}

	cfg := &Config{
		RunID:          getEnvString("RUN_ID", "default"),
		DataDir:        getEnvString("DATA_DIR", "data"),
		HistoryPath:    getEnvString("HISTORY_PATH", filepath.Join("runs", "history.db")),
		CheckpointDir:  getEnvString("CHECKPOINT_DIR", "checkpoints"),
		Epochs:         getEnvInt("EPOCHS", defaultEpochs),
		BatchSize:      getEnvInt("BATCH_SIZE", defaultBatchSize),
		Workers:        getEnvInt("WORKERS", defaultWorkers),
		LogInterval:    getEnvInt("LOG_INTERVAL", defaultLogInterval),
		ValidateEvery:  getEnvInt("VALIDATE_EVERY", defaultValidateEvery),
		Patience:       getEnvInt("PATIENCE", defaultPatience),
		LearningRate:   getEnvFloat("LEARNING_RATE", defaultLearningRate),
		Momentum:       getEnvFloat("MOMENTUM", 0),
		WeightDecay:    getEnvFloat("WEIGHT_DECAY", 0),
		ReportAUC:      getEnvBool("REPORT_AUC", true),
		EarlyStopping:  getEnvBool("EARLY_STOPPING", true),
		ShowProgress:   getEnvBool("SHOW_PROGRESS", false),
		MetricsAddress: getEnvString("METRICS_ADDRESS", ""),
		Seed:           int64(getEnvInt("SEED", defaultSeed)),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("EPOCHS must be positive: %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive: %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive: %d", c.Workers)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("LEARNING_RATE must be positive: %f", c.LearningRate)
	}
	return nil
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default.
// Accepts 1/0, true/false, yes/no.
func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	}
	return defaultValue
}
