package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Branching chat client for OpenAI-compatible streaming backends",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "arbor.db"
	}
	return filepath.Join(home, ".arbor", "arbor.db")
}

func setupLogging(level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func initViper() error {
	viper.SetEnvPrefix("ARBOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".arbor"))
	}
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return viper.BindPFlags(rootCmd.PersistentFlags())
}

func main() {
	rootCmd.PersistentFlags().String("db", defaultDBPath(), "Path to the conversation database")
	rootCmd.PersistentFlags().String("base-url", "http://localhost:8080", "Base URL of the completion backend")
	rootCmd.PersistentFlags().String("api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newConversationsCommand())

	cobra.CheckErr(initViper())
	cobra.CheckErr(rootCmd.Execute())
}
