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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/netcontrol/pkg/logging"
	"github.com/fsnotify/fsnotify"
)

// watchLogLevel re-reads the config file whenever it changes and applies
// its logging.level to logger. Other settings need a restart.
//
// The directory is watched rather than the file so that editors which
// replace the file by rename are still seen. Returns once ctx is done.
func watchLogLevel(ctx context.Context, path string, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reloadLogLevel(abs, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Slog().Warn("netcontrol: config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

func reloadLogLevel(path string, logger *logging.Logger) {
	cfg, err := loadConfig(path)
	if err != nil {
		logger.Slog().Warn("netcontrol: config reload failed", slog.String("error", err.Error()))
		return
	}
	before := logger.Level()
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Slog().Warn("netcontrol: config reload failed", slog.String("error", err.Error()))
		return
	}
	if after := logger.Level(); after != before {
		logger.Slog().Info("netcontrol: log level changed",
			slog.String("from", before.String()),
			slog.String("to", after.String()))
	}
}
