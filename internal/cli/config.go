// Package cli provides shared helpers for the service's command line surface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitViperConfig wires the configuration file and environment into vip.
//
// An explicit --config flag wins. Otherwise a file named after the command is
// searched for in the working directory and /etc/<cmdName>, the two places
// this service is deployed from. A missing file is fine, a malformed one is
// not.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if path, err := cmd.Flags().GetString("config"); err == nil && path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName(cmdName)
		vip.AddConfigPath(".")
		vip.AddConfigPath("/etc/" + cmdName)
	}

	err := vip.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		slog.Info("No configuration file found, using defaults, environment and flags")
	case err != nil:
		return fmt.Errorf("invalid configuration file: %w", err)
	default:
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	// Environment overrides, e.g. THREATSTASH_ETL_SERVICE_APIKEY.
	vip.SetEnvPrefix(cmdName)
	vip.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys to Unmarshal, so bind
	// every matching variable explicitly.
	// See https://github.com/spf13/viper/pull/1429.
	prefix := strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
	for _, e := range os.Environ() {
		name, _, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		key := strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", ".")
		if err := vip.BindEnv(key, name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
	}

	return nil
}

// InstallConfigFlag adds the --config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}
