package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuuki/pathflip/internal/client"
	"github.com/yuuki/pathflip/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.ClientConfig

	root := &cobra.Command{
		Use:          "ffctl",
		Short:        "Drive the fast failover demo controller",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "create-config" {
				return nil
			}
			c, err := config.LoadClientConfig(cmd.Flags())
			if err != nil {
				return err
			}
			config.InitLogging(c.LogLevel)
			cfg = c
			return nil
		},
	}
	config.SetupClientFlags(root.PersistentFlags())

	newClient := func() *client.Client {
		return client.New(cfg.APIAddr, cfg.HealthAddr, cfg.Timeout())
	}
	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), cfg.Timeout())
	}

	root.AddCommand(&cobra.Command{
		Use:   "toggle",
		Short: "Make the other path live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := newClient().TogglePath(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Re-enable every port on both edge switches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := newClient().Reset(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show switches, links and the live path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := newClient().Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	})

	var wait bool
	var interval time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether every switch is connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			c := newClient()
			defer c.Close()

			if wait {
				if err := c.WaitReady(ctx, interval); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
				return nil
			}
			ready, err := c.Ready(ctx)
			if err != nil {
				return err
			}
			if !ready {
				fmt.Fprintln(cmd.OutOrStdout(), "NOT_SERVING")
				return fmt.Errorf("controller is not ready")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return nil
		},
	}
	healthCmd.Flags().BoolVar(&wait, "wait", false, "Poll until the controller is ready or the timeout expires")
	healthCmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --wait")
	root.AddCommand(healthCmd)

	var output string
	createCmd := &cobra.Command{
		Use:   "create-config",
		Short: "Write a default ffctl configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultClientConfig(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", output)
			return nil
		},
	}
	createCmd.Flags().StringVar(&output, "output", "ffctl.yaml", "Path where to write the default configuration")
	root.AddCommand(createCmd)

	return root
}

// printResult prints the response fields in a stable order and fails if
// any node reported an error
func printResult(cmd *cobra.Command, res client.Result) error {
	keys := make([]string, 0, len(res))
	for k := range res {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, res[k])
	}
	if !res.OK() {
		return fmt.Errorf("controller reported an error")
	}
	return nil
}
