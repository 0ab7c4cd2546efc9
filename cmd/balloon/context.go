package main

import (
	"log/slog"
	"strings"
	"sync"

	"balloon/internal/backup"
	"balloon/internal/config"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/run"
	"balloon/internal/watch"
	"balloon/internal/workflow"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) newLogger(quiet bool) (*slog.Logger, error) {
	if quiet {
		return logging.NewNop(), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewFromConfig(cfg)
}

// withStore opens the queue store, runs fn, and always closes the store.
func (c *commandContext) withStore(fn func(cfg *config.Config, store *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// newSupervisor assembles the full pipeline over an open store. The monitor
// is attached only when withMonitor is set and a device is configured.
func newSupervisor(cfg *config.Config, store *queue.Store, logger *slog.Logger, withMonitor bool) (*run.Supervisor, error) {
	manager := workflow.NewManager(cfg, store, logger, workflow.Handlers{
		Extractor:   backup.NewExtractor(cfg, store, logger),
		Checksummer: backup.NewChecksummer(cfg, store, logger),
		Encoder:     backup.NewEncoder(cfg, store, logger),
		Verifier:    backup.NewVerifier(cfg, store, logger),
	})

	var monitor *watch.Monitor
	if withMonitor {
		monitor = watch.NewMonitor(cfg, logger, run.InsertionHandler(cfg, store, logger), nil)
	}
	return run.New(cfg, store, logger, manager, monitor)
}
