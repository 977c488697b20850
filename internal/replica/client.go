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

package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/cardinalhq/confsync/internal/logctx"
)

// Client wraps one configuration store endpoint. The failure-tracking
// fields are owned by the Manager and must only be touched through its
// Backoff and Succeed methods.
type Client struct {
	Endpoint  string
	transport SettingsClient

	failedAttempts uint64
	backoffEnd     time.Time
}

// NewClient wraps transport for the given endpoint URI.
func NewClient(endpoint string, transport SettingsClient) *Client {
	return &Client{
		Endpoint:  endpoint,
		transport: transport,
	}
}

// CheckSettingChanged performs a conditional fetch of one setting. It
// returns (true, setting) when the remote version differs from etag,
// (false, nil) when the remote reports not-modified, and (true, nil)
// when the setting was deleted after a version was known. A 404 with no
// prior etag is not observable as a change. Any other transport error
// propagates unchanged.
func (c *Client) CheckSettingChanged(ctx context.Context, kl KeyLabel, etag *azcore.ETag, headers http.Header) (bool, *Setting, error) {
	updated, err := c.transport.GetSetting(ctx, kl.Key, GetOptions{
		Label:         kl.Label,
		OnlyIfChanged: etag,
		Headers:       headers,
	})
	if err != nil {
		if isNotModified(err) {
			return false, nil, nil
		}
		if isNotFound(err) {
			if etag != nil {
				// The watched setting was deleted; its prior presence
				// is the change.
				logctx.FromContext(ctx).Debug("full refresh triggered by deleted setting",
					"endpoint", c.Endpoint, "key", kl.Key, "label", kl.Label)
				return true, nil, nil
			}
			return false, nil, nil
		}
		return false, nil, err
	}
	logctx.FromContext(ctx).Debug("full refresh triggered by updated setting",
		"endpoint", c.Endpoint, "key", kl.Key, "label", kl.Label)
	return true, &updated, nil
}

// LoadSettings lists every setting matched by the selectors, skipping
// feature flags (those are loaded separately). Settings whose identity
// is in watched get their sentinel etag refreshed in the returned map,
// so sentinels stay current on every full load.
func (c *Client) LoadSettings(ctx context.Context, selectors []Selector, watched SentinelMap, headers http.Header) ([]Setting, SentinelMap, error) {
	sentinels := watched.Clone()
	var settings []Setting
	for _, sel := range selectors {
		listed, err := c.transport.ListSettings(ctx, sel, ListOptions{Headers: headers})
		if err != nil {
			return nil, nil, fmt.Errorf("listing settings %q/%q: %w", sel.KeyFilter, sel.LabelFilter, err)
		}
		for _, s := range listed {
			if s.IsFeatureFlag() {
				continue
			}
			settings = append(settings, s)
			if _, ok := watched[s.ID()]; ok {
				sentinels[s.ID()] = s.ETag
			}
		}
	}
	return settings, sentinels, nil
}

// LoadFeatureFlags lists and decodes every feature flag matched by the
// selectors. Selector key filters are rewritten into the feature flag
// namespace. When trackChanges is set the returned sentinel map records
// the etag of every loaded flag; otherwise it is empty.
func (c *Client) LoadFeatureFlags(ctx context.Context, selectors []Selector, trackChanges bool, headers http.Header) ([]FeatureFlag, SentinelMap, error) {
	sentinels := make(SentinelMap)
	var flags []FeatureFlag
	for _, sel := range selectors {
		ffSel := Selector{
			KeyFilter:   FeatureFlagPrefix + sel.KeyFilter,
			LabelFilter: sel.LabelFilter,
		}
		listed, err := c.transport.ListSettings(ctx, ffSel, ListOptions{Headers: headers})
		if err != nil {
			return nil, nil, fmt.Errorf("listing feature flags %q/%q: %w", sel.KeyFilter, sel.LabelFilter, err)
		}
		for _, s := range listed {
			var flag FeatureFlag
			if err := json.Unmarshal([]byte(s.Value), &flag); err != nil {
				return nil, nil, fmt.Errorf("decoding feature flag %q: %w", s.Key, err)
			}
			flags = append(flags, flag)
			if trackChanges {
				sentinels[s.ID()] = s.ETag
			}
		}
	}
	return flags, sentinels, nil
}

// RefreshSettings checks every watched sentinel for changes and, when at
// least one changed, performs exactly one full reload regardless of how
// many sentinels moved. On no change it returns (false, watched, nil).
func (c *Client) RefreshSettings(ctx context.Context, selectors []Selector, watched SentinelMap, headers http.Header) (bool, SentinelMap, []Setting, error) {
	needRefresh := false
	for kl, etag := range watched {
		changed, _, err := c.CheckSettingChanged(ctx, kl, etag, headers)
		if err != nil {
			return false, nil, nil, err
		}
		if changed {
			needRefresh = true
		}
	}
	if !needRefresh {
		return false, watched, nil, nil
	}
	// The reload refreshes every watched sentinel, so tokens observed
	// during the checks above do not need to be carried over.
	settings, sentinels, err := c.LoadSettings(ctx, selectors, watched, headers)
	if err != nil {
		return false, nil, nil, err
	}
	return true, sentinels, settings, nil
}

// RefreshFeatureFlags checks watched sentinels and reloads all feature
// flags as soon as the first change is found; remaining sentinels are
// not checked. On no change it returns (false, watched, nil), keeping
// the caller's sentinel map intact.
func (c *Client) RefreshFeatureFlags(ctx context.Context, watched SentinelMap, selectors []Selector, headers http.Header) (bool, SentinelMap, []FeatureFlag, error) {
	for kl, etag := range watched {
		changed, _, err := c.CheckSettingChanged(ctx, kl, etag, headers)
		if err != nil {
			return false, nil, nil, err
		}
		if !changed {
			continue
		}
		flags, sentinels, err := c.LoadFeatureFlags(ctx, selectors, true, headers)
		if err != nil {
			return false, nil, nil, err
		}
		return true, sentinels, flags, nil
	}
	return false, watched, nil, nil
}

// GetSetting fetches one setting unconditionally.
func (c *Client) GetSetting(ctx context.Context, kl KeyLabel) (Setting, error) {
	return c.transport.GetSetting(ctx, kl.Key, GetOptions{Label: kl.Label})
}
