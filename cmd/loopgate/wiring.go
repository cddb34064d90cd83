package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/loopgate/core/pkg/budget"
	"github.com/loopgate/core/pkg/config"
	"github.com/loopgate/core/pkg/evidence"
	"github.com/loopgate/core/pkg/gate"
	"github.com/loopgate/core/pkg/loop"
	"github.com/loopgate/core/pkg/oracle"
	"github.com/loopgate/core/pkg/surface"
)

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func openEvidenceStore(ctx context.Context, cfg *config.Config) (evidence.Store, func() error, error) {
	switch cfg.EvidenceBackend {
	case "memory":
		return evidence.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := evidence.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "s3":
		s, err := evidence.NewS3Store(ctx, evidence.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "evidence/",
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown evidence backend %q", cfg.EvidenceBackend)
	}
}

func openEventLog(cfg *config.Config) (loop.EventLog, func() error, error) {
	switch cfg.EventLogBackend {
	case "memory":
		return loop.NewMemoryEventLog(), func() error { return nil }, nil
	case "postgres":
		l, err := loop.OpenPostgresEventLog(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown event log backend %q", cfg.EventLogBackend)
	}
}

func openCounterStore(cfg *config.Config) (budget.CounterStore, func() error, error) {
	switch cfg.CounterBackend {
	case "memory":
		return budget.NewMemoryCounterStore(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return budget.NewRedisCounterStore(client, "loopgate:budget:"), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown counter backend %q", cfg.CounterBackend)
	}
}

// loadSuites registers every *.yaml suite definition under dir.
func loadSuites(dir string, reg *oracle.Registry, logger *slog.Logger) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		suite, err := oracle.LoadSuite(path)
		if err != nil {
			return fmt.Errorf("load suite %s: %w", path, err)
		}
		if err := reg.Register(suite); err != nil {
			return fmt.Errorf("register suite %s: %w", path, err)
		}
		logger.Info("suite registered", "suite_id", suite.SuiteID, "version", suite.Version)
	}
	return nil
}

// loadTemplates returns every *.yaml work surface template under dir, keyed
// by template id.
func loadTemplates(dir string, logger *slog.Logger) (map[string]*surface.Template, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	templates := make(map[string]*surface.Template, len(paths))
	for _, path := range paths {
		tmpl, err := surface.LoadTemplate(path)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", path, err)
		}
		if _, dup := templates[tmpl.TemplateID]; dup {
			return nil, fmt.Errorf("duplicate template id %s in %s", tmpl.TemplateID, path)
		}
		templates[tmpl.TemplateID] = tmpl
		logger.Info("template loaded", "template_id", tmpl.TemplateID, "stages", len(tmpl.Stages))
	}
	return templates, nil
}

// loadGates registers every *.yaml gate definition under dir.
func loadGates(dir string, engine *loop.Engine, logger *slog.Logger) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var g gate.Gate
		if err := yaml.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("parse gate %s: %w", path, err)
		}
		if err := engine.RegisterGate(&g); err != nil {
			return fmt.Errorf("register gate %s: %w", path, err)
		}
		logger.Info("gate registered", "gate_id", g.GateID)
	}
	return nil
}

// loadGate reads a single gate definition file (yaml or json; yaml parses both).
func loadGate(path string) (*gate.Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g gate.Gate
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse gate %s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
