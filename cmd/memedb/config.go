package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sorenkell/memedb/internal/model"
	"github.com/sorenkell/memedb/internal/report"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/viper"
)

// GetConfigString retrieves a string config value with proper precedence:
// 1. Command-line flag (if set)
// 2. Environment variable (MEMEDB_*)
// 3. Config file
// 4. Default value
func GetConfigString(key string, defaultValue string) string {
	val := viper.GetString(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// GetConfigInt retrieves an int config value with proper precedence
func GetConfigInt(key string, defaultValue int) int {
	val := viper.GetInt(key)
	if val == 0 {
		return defaultValue
	}
	return val
}

// GetConfigFloat retrieves a float config value with proper precedence
func GetConfigFloat(key string, defaultValue float64) float64 {
	val := viper.GetFloat64(key)
	if val == 0 {
		return defaultValue
	}
	return val
}

// defaultDBPath returns the XDG-style default index location
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memedb.db"
	}
	return filepath.Join(home, ".local", "share", "memedb", "memedb.db")
}

// dbPath resolves the index database path and ensures its directory
// exists
func dbPath() (string, error) {
	path := GetConfigString("db", defaultDBPath())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return path, nil
}

// setupLogging applies the --verbose/--quiet flags to the logger and
// disables colors for pipes and NO_COLOR environments
func setupLogging() {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))
	if os.Getenv("NO_COLOR") != "" || !util.IsTerminal(os.Stderr.Fd()) {
		util.SetColors(false)
	}
}

// openStore opens the index database at the configured location
func openStore() (*store.Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	util.DebugLog("Opening index: %s", path)

	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return db, nil
}

// newGateway builds the Ollama model gateway from configuration
func newGateway() *model.OllamaGateway {
	timeout := time.Duration(GetConfigInt("model_timeout_seconds", 120)) * time.Second

	return model.NewOllamaGateway(&model.OllamaConfig{
		BaseURL:      GetConfigString("ollama_url", ""),
		CaptionModel: GetConfigString("caption_model", ""),
		EmbedModel:   GetConfigString("embed_model", ""),
		Timeout:      timeout,
	})
}

// newEventLogger creates the per-run JSONL event log next to the
// database. A logger failure degrades to a null logger, never aborts.
func newEventLogger() *report.EventLogger {
	logLevel := report.LevelInfo
	if viper.GetBool("quiet") {
		logLevel = report.LevelWarning
	} else if viper.GetBool("verbose") {
		logLevel = report.LevelDebug
	}

	path, err := dbPath()
	if err != nil {
		return report.NullLogger()
	}
	logger, err := report.NewEventLogger(filepath.Join(filepath.Dir(path), "events"), logLevel)
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		return report.NullLogger()
	}
	return logger
}
