// Command hook-recorder attaches the connect, openat and PQexec probes,
// decodes what they publish and records it to sqlite, per-service
// integration manifests and a small JSON API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "hook-recorder",
		Short: "Record connects, file opens and SQL statements of running services",
		Long: `hook-recorder attaches kernel and client-library probes, decodes the
records they publish and stores them for inspection.

Services opt in by setting CODEINT_SERVICE in their environment; their
database, filesystem and network integrations are written to one manifest
per service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")

	load := func(v *viper.Viper) (config.Config, *zap.Logger, error) {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return cfg, nil, err
		}
		log, err := cfg.Logger()
		if err != nil {
			return cfg, nil, err
		}
		return cfg, log, nil
	}

	rootCmd.AddCommand(
		newRunCmd(load),
		newSelftestCmd(load),
		newDecodeCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

type loader func(v *viper.Viper) (config.Config, *zap.Logger, error)

func withConfig(cmd *cobra.Command, load loader, run func(cmd *cobra.Command, cfg config.Config, log *zap.Logger, args []string) error) *cobra.Command {
	v := config.New()
	if err := config.BindFlags(cmd, v); err != nil {
		panic(err)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load(v)
		if err != nil {
			return err
		}
		defer log.Sync()
		return run(cmd, cfg, log, args)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
