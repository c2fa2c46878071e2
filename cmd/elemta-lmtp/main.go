package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "elemta-lmtp",
		Short: "Elemta LMTP - local mail delivery server",
		Long: `Elemta LMTP accepts mail over LMTP and delivers it to local mailboxes,
or proxies each recipient to the backend LMTP/SMTP server that owns it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the LMTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, configPath)
		},
	}
	serverCmd.Flags().String("listen", "", "LMTP listen address (overrides config)")
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Elemta LMTP %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})
	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := configPath
			if len(args) > 0 {
				configFile = args[0]
			}
			return validateConfig(cmd, configFile)
		},
	}
	validateCmd.Flags().Bool("strict", false, "treat unknown configuration keys as errors")
	configCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(serverCmd, versionCmd, configCmd)
	return rootCmd
}
