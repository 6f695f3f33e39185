// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"httpdns/config"
	"httpdns/logger"
	"httpdns/service"
)

var appversion = "0.3.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logFile    string
	accountID  string
	secretKey  string
	region     string
	jsonOutput bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           "httpdns",
	Short:         "Resolve host names over HTTPDNS with caching and failover",
	Version:       fmt.Sprintf("%s (sdk %s)", appversion, service.SDKVersion),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file or directory (default: search executable dir, user config dir, /etc)")
	pf.StringVar(&flags.logFile, "log-file", "", "write client logs to this file or directory")
	pf.StringVar(&flags.accountID, "account", "", "account id (overrides config)")
	pf.StringVar(&flags.secretKey, "secret", "", "secret key for signed requests (overrides config)")
	pf.StringVar(&flags.region, "region", "", "service region: "+strings.Join(config.Regions, ", "))
	pf.BoolVar(&flags.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(resolveCmd, prefetchCmd, clearCmd, serversCmd, serveCmd, shellCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the command-line overrides.
func loadConfig() (*config.Loaded, error) {
	var (
		loaded *config.Loaded
		err    error
	)
	if flags.configPath != "" {
		loaded, err = config.LoadFromPath(flags.configPath)
	} else {
		loaded, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if loaded.Created {
		fmt.Fprintf(os.Stderr, "created default config at %s\n", loaded.Path)
	}
	applyOverrides(&loaded.Config, flags)
	return loaded, nil
}

func applyOverrides(cfg *config.Config, f globalFlags) {
	if v := strings.TrimSpace(f.accountID); v != "" {
		cfg.AccountID = v
	}
	if v := strings.TrimSpace(f.secretKey); v != "" {
		cfg.SecretKey = v
	}
	if v := strings.ToLower(strings.TrimSpace(f.region)); v != "" {
		cfg.Region = v
	}
}

// commandLogger is the file logger of one-shot commands, nil to use the
// service log settings from the config.
func commandLogger() *slog.Logger {
	if flags.logFile == "" {
		return nil
	}
	return logger.NewClientLogger(flags.logFile)
}

// openService loads the config and builds a service for one-shot commands.
func openService(ctx context.Context) (*service.Service, *config.Loaded, error) {
	loaded, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(ctx, service.Options{Config: loaded.Config, Logger: commandLogger()})
	if err != nil {
		return nil, nil, err
	}
	return svc, loaded, nil
}
