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

package azureclient

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azappconfig"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/confsync/internal/replica"
)

// appConfigClient adapts the azappconfig SDK client to the transport
// contract the replica core expects. Conditional-get outcomes (304, 404)
// pass through as *azcore.ResponseError values for the core to classify.
type appConfigClient struct {
	endpoint string
	client   *azappconfig.Client
	tracer   trace.Tracer
}

var _ replica.SettingsClient = (*appConfigClient)(nil)

func (c *appConfigClient) GetSetting(ctx context.Context, key string, opts replica.GetOptions) (replica.Setting, error) {
	ctx, span := c.tracer.Start(ctx, "azureclient.GetSetting",
		trace.WithAttributes(
			attribute.String("endpoint", c.endpoint),
			attribute.String("key", key),
		),
	)
	defer span.End()

	if len(opts.Headers) > 0 {
		ctx = policy.WithHTTPHeader(ctx, opts.Headers)
	}

	getOpts := &azappconfig.GetSettingOptions{
		OnlyIfChanged: opts.OnlyIfChanged,
	}
	if opts.Label != "" {
		getOpts.Label = &opts.Label
	}

	resp, err := c.client.GetSetting(ctx, key, getOpts)
	if err != nil {
		return replica.Setting{}, err
	}
	return fromSDKSetting(resp.Setting), nil
}

func (c *appConfigClient) ListSettings(ctx context.Context, sel replica.Selector, opts replica.ListOptions) ([]replica.Setting, error) {
	ctx, span := c.tracer.Start(ctx, "azureclient.ListSettings",
		trace.WithAttributes(
			attribute.String("endpoint", c.endpoint),
			attribute.String("keyFilter", sel.KeyFilter),
			attribute.String("labelFilter", sel.LabelFilter),
		),
	)
	defer span.End()

	if len(opts.Headers) > 0 {
		ctx = policy.WithHTTPHeader(ctx, opts.Headers)
	}

	selector := azappconfig.SettingSelector{}
	if sel.KeyFilter != "" {
		selector.KeyFilter = &sel.KeyFilter
	}
	if sel.LabelFilter != "" {
		selector.LabelFilter = &sel.LabelFilter
	}

	var settings []replica.Setting
	pager := c.client.NewListSettingsPager(selector, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing settings from %s: %w", c.endpoint, err)
		}
		for _, s := range page.Settings {
			settings = append(settings, fromSDKSetting(s))
		}
	}
	return settings, nil
}

// Close satisfies the transport contract. The SDK client holds no
// resources that outlive its requests.
func (c *appConfigClient) Close() error {
	return nil
}

func fromSDKSetting(s azappconfig.Setting) replica.Setting {
	out := replica.Setting{ETag: s.ETag}
	if s.Key != nil {
		out.Key = *s.Key
	}
	if s.Label != nil {
		out.Label = *s.Label
	}
	if s.Value != nil {
		out.Value = *s.Value
	}
	if s.ContentType != nil {
		out.ContentType = *s.ContentType
	}
	return out
}
