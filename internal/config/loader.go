package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/agpool/agpool/internal/logging"
)

var log = logging.With("component", "config")

// Load reads a config file at path, accepting either plain YAML or
// JSONC (JSON with comments and trailing commas, via hujson). A
// sibling ".env" file, if present, is loaded into the process
// environment before parsing so `${VAR}`-style overlays resolve.
func Load(path string) (Config, error) {
	cfg := Default()

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warnf("loading %s: %v", envPath, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := parseInto(&cfg, path, raw); err != nil {
		return cfg, err
	}

	cfg.SchedulingMode = normalizePolicy(cfg.SchedulingMode)
	cfg.AccountSelectionStrategy = normalizePolicy(cfg.AccountSelectionStrategy)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseInto(cfg *Config, path string, raw []byte) error {
	if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".jsonc") {
		standardized, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("config: parsing %s as JSONC: %w", path, err)
		}
		if err := yaml.Unmarshal(standardized, cfg); err != nil {
			return fmt.Errorf("config: unmarshaling %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	return nil
}

// Watch loads the config once, then re-loads and publishes every
// subsequent validated snapshot whenever path changes on disk. The
// returned channel is closed when ctx-independent Stop is unreachable;
// callers should read until the watcher's process exits.
func Watch(path string) (<-chan Config, func() error, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	out := make(chan Config, 1)
	out <- initial

	go func() {
		defer close(out)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := Load(path)
				if err != nil {
					log.Warnf("reloading %s: %v", path, err)
					continue
				}
				out <- next
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watching %s: %v", path, err)
			}
		}
	}()

	return out, watcher.Close, nil
}
