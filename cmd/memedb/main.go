package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sorenkell/memedb/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "memedb",
		Short: "memedb - index and semantically search your meme collection",
		Long: `memedb indexes directories of image files and makes them searchable
with natural language. Every image is captioned and tagged by a local
vision model, embedded as a vector, and stored in a single SQLite file.

Search for "cat wearing sunglasses" instead of remembering filenames.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/memedb/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "index database file (default is ~/.local/share/memedb/memedb.db)")
	rootCmd.PersistentFlags().String("ollama-url", "", "Ollama server URL (default is http://localhost:11434)")
	rootCmd.PersistentFlags().String("caption-model", "", "vision model used for captions and tags")
	rootCmd.PersistentFlags().String("embed-model", "", "text embedding model")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")

	// Bind flags to viper
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("ollama_url", rootCmd.PersistentFlags().Lookup("ollama-url"))
	viper.BindPFlag("caption_model", rootCmd.PersistentFlags().Lookup("caption-model"))
	viper.BindPFlag("embed_model", rootCmd.PersistentFlags().Lookup("embed-model"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/memedb")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Read in environment variables that match
	viper.SetEnvPrefix("MEMEDB")
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && !viper.GetBool("quiet") {
		util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

// Exit codes: 0 success, 1 fatal error, 2 completed with per-file
// failures. Scripts can tell a degraded run from a broken one.
func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, util.ErrPartialIndex) {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
