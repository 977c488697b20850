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
	"slices"

	"github.com/cardinalhq/confsync/config"
	"github.com/cardinalhq/confsync/internal/azureclient"
	"github.com/cardinalhq/confsync/internal/discovery"
	"github.com/cardinalhq/confsync/internal/logctx"
	"github.com/cardinalhq/confsync/internal/replica"
)

// buildManager resolves the replica set from configuration and wraps
// every endpoint in a client. Configured endpoints keep their order;
// discovered replicas are appended after them.
func buildManager(ctx context.Context, cfg *config.Config) (*replica.Manager, error) {
	azmgr, err := azureclient.NewManager(ctx, azureclient.WithUserAgent("confsync"))
	if err != nil {
		return nil, err
	}

	endpoints := append([]string{}, cfg.Endpoints...)
	if len(endpoints) == 0 && cfg.ConnectionString != "" {
		primary, err := azureclient.EndpointFromConnectionString(cfg.ConnectionString)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, primary)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}

	if cfg.Discovery.Enabled {
		finder := discovery.NewFinder()
		found, err := finder.FailoverEndpoints(ctx, endpoints[0])
		if err != nil {
			logctx.FromContext(ctx).Warn("replica discovery failed, continuing with configured endpoints",
				"error", err.Error())
		}
		for _, ep := range found {
			if !slices.Contains(endpoints, ep) {
				endpoints = append(endpoints, ep)
			}
		}
	}

	clients := make([]*replica.Client, 0, len(endpoints))
	for i, ep := range endpoints {
		var opts []azureclient.AppConfigOption
		if i == 0 && cfg.ConnectionString != "" && len(cfg.Endpoints) == 0 {
			opts = append(opts, azureclient.WithConnectionString(cfg.ConnectionString))
		} else {
			opts = append(opts, azureclient.WithEndpoint(ep))
		}
		transport, err := azmgr.GetAppConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating client for %s: %w", ep, err)
		}
		clients = append(clients, replica.NewClient(ep, transport))
	}

	return replica.NewManager(clients,
		replica.WithBackoffBounds(cfg.Backoff.Min, cfg.Backoff.Max)), nil
}

func selectors(cfgs []config.SelectorConfig) []replica.Selector {
	out := make([]replica.Selector, 0, len(cfgs))
	for _, s := range cfgs {
		out = append(out, replica.Selector{KeyFilter: s.KeyFilter, LabelFilter: s.LabelFilter})
	}
	return out
}

func watchedSentinels(cfgs []config.WatchedConfig) replica.SentinelMap {
	out := make(replica.SentinelMap, len(cfgs))
	for _, w := range cfgs {
		out[replica.KeyLabel{Key: w.Key, Label: w.Label}] = nil
	}
	return out
}
