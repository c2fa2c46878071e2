package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-lmtp/internal/config"
)

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "elemta-lmtp.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, configFile string) error {
	out := cmd.OutOrStdout()

	cfg, result, err := config.LoadConfig(configFile)
	if err != nil && result == nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if strict, _ := cmd.Flags().GetBool("strict"); strict && cfg != nil && cfg.Path() != "" {
		keys, err := config.UndecodedKeys(cfg.Path())
		if err != nil {
			return err
		}
		for _, key := range keys {
			result.AddError(key, nil, "unknown configuration key")
		}
	}

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
		fmt.Fprintln(out)
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
		fmt.Fprintln(out)
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	fmt.Fprintf(out, "Configuration Summary:\n")
	if cfg.Path() != "" {
		fmt.Fprintf(out, "  File: %s\n", cfg.Path())
	} else {
		fmt.Fprintf(out, "  File: none found, using defaults\n")
	}
	fmt.Fprintf(out, "  Server: %s on %s\n", cfg.Server.Hostname, cfg.Server.Listen)
	if cfg.TLS.Enabled {
		fmt.Fprintf(out, "  STARTTLS: Enabled\n")
	} else {
		fmt.Fprintf(out, "  STARTTLS: Disabled\n")
	}
	if cfg.Server.Proxy {
		fmt.Fprintf(out, "  Proxy: Enabled (passdb: %s)\n", cfg.Passdb.Type)
	} else {
		fmt.Fprintf(out, "  Proxy: Disabled\n")
	}
	fmt.Fprintf(out, "  Userdb: %s\n", cfg.Userdb.Type)
	fmt.Fprintf(out, "  Storage: %s at %s\n", cfg.Storage.Type, cfg.Storage.Path)
	if cfg.Server.UserConcurrencyLimit > 0 {
		fmt.Fprintf(out, "  Concurrency limit: %d per user (%s)\n", cfg.Server.UserConcurrencyLimit, cfg.Admission.Type)
	}
	return nil
}
