// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/confsync/config"
	"github.com/cardinalhq/confsync/internal/replica"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load settings and watch the store for changes",
		RunE: func(_ *cobra.Command, _ []string) error {
			doneCtx, doneFx := setupTelemetry("confsync-watch")
			defer doneFx()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			mgr, err := buildManager(doneCtx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Close(); err != nil {
					slog.Error("Error closing replica clients", slog.Any("error", err))
				}
			}()

			w := newWatcher(cfg, mgr)
			return w.Run(doneCtx)
		},
	}

	rootCmd.AddCommand(cmd)
}

// watcher drives refresh cycles sequentially against the replica set.
// It owns the sentinel maps between cycles; the core transfers them
// back on every call.
type watcher struct {
	cfg *config.Config
	mgr *replica.Manager

	selectors   []replica.Selector
	ffSelectors []replica.Selector

	sentinels   replica.SentinelMap
	ffSentinels replica.SentinelMap
	headers     http.Header
}

func newWatcher(cfg *config.Config, mgr *replica.Manager) *watcher {
	ffSelectors := selectors(cfg.FeatureFlags.Selectors)
	if cfg.FeatureFlags.Enabled && len(ffSelectors) == 0 {
		ffSelectors = []replica.Selector{{KeyFilter: "*"}}
	}
	return &watcher{
		cfg:         cfg,
		mgr:         mgr,
		selectors:   selectors(cfg.Selectors),
		ffSelectors: ffSelectors,
		sentinels:   watchedSentinels(cfg.Refresh.Watched),
		headers:     replica.CorrelationHeaders(replica.RequestTypeWatch, mgr.Len()-1, cfg.FeatureFlags.Enabled),
	}
}

// Run performs the initial load and then refreshes on the configured
// interval until the context is cancelled.
func (w *watcher) Run(ctx context.Context) error {
	if err := w.initialLoad(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	ticker := time.NewTicker(w.cfg.Refresh.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down watch loop")
			return nil
		case <-ticker.C:
			if err := w.refresh(ctx); err != nil {
				slog.Error("Refresh cycle failed", slog.Any("error", err))
			}
		}
	}
}

func (w *watcher) initialLoad(ctx context.Context) error {
	headers := replica.CorrelationHeaders(replica.RequestTypeStartup, w.mgr.Len()-1, w.cfg.FeatureFlags.Enabled)

	type loaded struct {
		settings  []replica.Setting
		sentinels replica.SentinelMap
	}
	res, err := replica.Execute(ctx, w.mgr,
		func(ctx context.Context, c *replica.Client) (loaded, error) {
			settings, sentinels, err := c.LoadSettings(ctx, w.selectors, w.sentinels, headers)
			return loaded{settings: settings, sentinels: sentinels}, err
		})
	if err != nil {
		return err
	}
	w.sentinels = res.sentinels
	slog.Info("Loaded configuration settings", slog.Int("count", len(res.settings)))

	if !w.cfg.FeatureFlags.Enabled {
		return nil
	}

	type loadedFlags struct {
		flags     []replica.FeatureFlag
		sentinels replica.SentinelMap
	}
	ffRes, err := replica.Execute(ctx, w.mgr,
		func(ctx context.Context, c *replica.Client) (loadedFlags, error) {
			flags, sentinels, err := c.LoadFeatureFlags(ctx, w.ffSelectors, w.cfg.FeatureFlags.Refresh, headers)
			return loadedFlags{flags: flags, sentinels: sentinels}, err
		})
	if err != nil {
		return err
	}
	w.ffSentinels = ffRes.sentinels
	slog.Info("Loaded feature flags", slog.Int("count", len(ffRes.flags)))
	return nil
}

func (w *watcher) refresh(ctx context.Context) error {
	if len(w.sentinels) > 0 {
		type result struct {
			changed   bool
			sentinels replica.SentinelMap
			settings  []replica.Setting
		}
		res, err := replica.Execute(ctx, w.mgr,
			func(ctx context.Context, c *replica.Client) (result, error) {
				changed, sentinels, settings, err := c.RefreshSettings(ctx, w.selectors, w.sentinels, w.headers)
				return result{changed: changed, sentinels: sentinels, settings: settings}, err
			})
		if err != nil {
			return err
		}
		w.sentinels = res.sentinels
		if res.changed {
			slog.Info("Configuration settings changed", slog.Int("count", len(res.settings)))
		}
	}

	if w.cfg.FeatureFlags.Enabled && w.cfg.FeatureFlags.Refresh && len(w.ffSentinels) > 0 {
		type result struct {
			changed   bool
			sentinels replica.SentinelMap
			flags     []replica.FeatureFlag
		}
		res, err := replica.Execute(ctx, w.mgr,
			func(ctx context.Context, c *replica.Client) (result, error) {
				changed, sentinels, flags, err := c.RefreshFeatureFlags(ctx, w.ffSentinels, w.ffSelectors, w.headers)
				return result{changed: changed, sentinels: sentinels, flags: flags}, err
			})
		if err != nil {
			return err
		}
		w.ffSentinels = res.sentinels
		if res.changed {
			slog.Info("Feature flags changed", slog.Int("count", len(res.flags)))
		}
	}
	return nil
}
