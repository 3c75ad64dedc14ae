package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuuki/pathflip/internal/config"
	"github.com/yuuki/pathflip/internal/controller"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "controller",
		Short:        "Fast failover demo controller for a four switch diamond",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	config.SetupControllerFlags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	flagSet := cmd.Flags()

	// Handle version flag
	if version, _ := flagSet.GetBool("version"); version {
		fmt.Fprintln(cmd.OutOrStdout(), "Pathflip Controller v0.1.0")
		return nil
	}

	// Handle create-config flag
	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultControllerConfig(configOutput); err != nil {
			return fmt.Errorf("creating default config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", configOutput)
		return nil
	}

	// Load configuration
	cfg, err := config.LoadControllerConfigWithFlags(flagSet)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	config.InitLogging(cfg.LogLevel)

	log.Info().
		Str("instanceID", cfg.InstanceID).
		Str("ingress", cfg.Topology.Ingress.String()).
		Str("midA", cfg.Topology.MidA.String()).
		Str("midB", cfg.Topology.MidB.String()).
		Str("egress", cfg.Topology.Egress.String()).
		Msg("Starting controller")

	// Create and run controller
	c, err := controller.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	return c.RunWithSignals()
}
