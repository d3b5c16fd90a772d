package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/ledger"
	"github.com/lehigh-university-libraries/labasset/internal/workflow"
)

// runtime holds the collaborators shared by the commands. The inventory,
// label and image collaborators re-read their settings section on every
// call, so configuration edits apply without a restart.
type runtime struct {
	store    *config.Store
	settings config.Settings
	elab     *configuredInventory
	labels   *configuredLabels
	ledger   *ledger.Store
	images   *configuredImages
	logger   *slog.Logger
}

// loadConfig opens the configuration. A malformed file is reported and the
// defaults are used instead.
func loadConfig(opts *rootOptions) (*config.Store, config.Settings, error) {
	store, err := config.Open(opts.configPath)
	if err != nil {
		if !errors.Is(err, config.ErrMalformed) || store == nil {
			return nil, config.Settings{}, err
		}
		opts.logger.Warn("Configuration file is malformed, using defaults", "path", opts.configPath, "error", err)
	}
	settings, err := store.Settings()
	if err != nil {
		return nil, config.Settings{}, err
	}
	return store, settings, nil
}

func newRuntime(opts *rootOptions) (*runtime, error) {
	store, settings, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		store:    store,
		settings: settings,
		elab:     &configuredInventory{store: store, logger: opts.logger},
		labels:   &configuredLabels{store: store, logger: opts.logger},
		images:   &configuredImages{store: store},
		logger:   opts.logger,
	}
	if _, err := rt.labels.renderer(); err != nil {
		return nil, fmt.Errorf("label renderer: %w", err)
	}

	if settings.Storage.LedgerPath != "" {
		led, err := ledger.Open(settings.Storage.LedgerPath)
		if err != nil {
			opts.logger.Warn("Asset ledger unavailable", "path", settings.Storage.LedgerPath, "error", err)
		} else {
			rt.ledger = led
		}
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	if rt.ledger != nil {
		return rt.ledger.Close()
	}
	return nil
}

// workflow builds an orchestrator over the runtime collaborators.
func (rt *runtime) workflow() (*workflow.Orchestrator, error) {
	deps := workflow.Deps{
		Analyzer:  &configuredAnalyzer{store: rt.store, logger: rt.logger},
		Inventory: rt.elab,
		Labels:    rt.labels,
		Images:    rt.images,
		Logger:    rt.logger,
	}
	if rt.ledger != nil {
		deps.Recorder = rt.ledger
	}
	return workflow.New(deps)
}
