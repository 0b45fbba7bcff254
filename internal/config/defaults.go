package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Defaults holds the settings that can change while the process runs.
type Defaults struct {
	LogLevel     string            `yaml:"log_level"`
	StaticFields map[string]string `yaml:"static_fields"`
}

func LoadDefaults(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read defaults file: %w", err)
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse defaults file %s: %w", path, err)
	}
	if d.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(d.LogLevel))); err != nil {
			return nil, fmt.Errorf("defaults file %s: log_level: %w", path, err)
		}
	}
	return &d, nil
}

// WatchDefaults reloads path whenever it is written or recreated and passes
// the result to onChange. A file that fails to load is logged and skipped,
// leaving the previous defaults in place. It runs until ctx is cancelled.
func WatchDefaults(ctx context.Context, path string, logger *slog.Logger, onChange func(*Defaults)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info("watching defaults file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			d, err := LoadDefaults(path)
			if err != nil {
				logger.Error("defaults reload failed, keeping previous", "path", path, "error", err)
				continue
			}
			logger.Info("defaults reloaded", "path", path)
			onChange(d)

			// Atomic saves replace the inode.
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("defaults watcher error", "error", err)
		}
	}
}
