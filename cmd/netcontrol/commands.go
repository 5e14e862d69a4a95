// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/netcontrol/pkg/logging"
	"github.com/AleutianAI/netcontrol/services/engine"
	"github.com/AleutianAI/netcontrol/services/engine/ttl"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "netcontrol",
		Short:        "Batch entity lifecycle and cascading consistency engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
		newAuditCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// setup loads configuration and builds the logger every command uses.
func (o *rootOptions) setup() (engine.Config, *logging.Logger, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "netcontrol"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}

// withEngine builds an engine, runs fn, and releases everything.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(context.Context, *engine.Engine) error) error {
	cfg, logger, err := o.setup()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(ctx, eng)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run job workers and maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch && opts.configPath != "" {
				if err := watchLogLevel(ctx, opts.configPath, logger); err != nil {
					logger.Slog().Warn("netcontrol: config watch disabled", slog.String("error", err.Error()))
				}
			}

			logger.Slog().Info("netcontrol: starting",
				slog.Int("port", engine.WithDefaults(cfg).Port),
				slog.String("jobs_backend", cfg.Jobs.Backend),
				slog.String("config", opts.configPath))

			eng, err := engine.New(ctx, cfg, logger.Slog())
			if err != nil {
				return err
			}
			return eng.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload logging.level when the config file changes")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance cycle and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.Sweep(ctx)
				if encErr := writeJSON(cmd, res); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resubmit background tasks that never reached the job queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.Reconcile(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resubmitted %d task(s)\n", n)
				return nil
			})
		},
	}
}

// errChainBroken is returned by "audit verify" for a tampered log.
var errChainBroken = errors.New("audit log hash chain is broken")

func newAuditCmd(opts *rootOptions) *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the deletion audit log",
	}
	var path string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of the deletion audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := loadConfig(opts.configPath)
				if err != nil {
					return err
				}
				path = cfg.TTL.AuditLogPath
			}
			if path == "" {
				return errors.New("no audit log configured (set ttl.audit_log_path or --file)")
			}
			auditLog, err := ttl.OpenAuditLog(path)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			valid, at, err := auditLog.VerifyChain()
			if err != nil {
				return err
			}
			count, err := auditLog.Count()
			if err != nil {
				return err
			}
			if !valid {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: chain broken at record %d of %d\n", path, at, count)
				return errChainBroken
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d record(s), chain intact\n", path, count)
			return nil
		},
	}
	verify.Flags().StringVar(&path, "file", "", "audit log path (default: ttl.audit_log_path)")
	audit.AddCommand(verify)
	return audit
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			cfg = engine.WithDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
