package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "redirectory",
	Short: "Package registry backed by GitHub Releases",
	Long:  "Serves the Conan remote protocol while storing recipes and binaries as GitHub release assets.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/redirectory/config.yaml)")
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REDIRECTORY")
	viper.AutomaticEnv()

	viper.SetDefault("addr", ":9300")
	viper.SetDefault("backend", "github")
	viper.SetDefault("concurrency", 4)
	viper.SetDefault("retry_max", 4)
	viper.SetDefault("retry_initial", "500ms")
	viper.SetDefault("session_ttl", "30m")
	viper.SetDefault("log_level", "info")

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "redirectory")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "redirectory")
	}
	return ".redirectory"
}
