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
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func etag(s string) *azcore.ETag {
	e := azcore.ETag(s)
	return &e
}

func notFoundErr() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound}
}

func notModifiedErr() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotModified}
}

// fakeTransport serves settings out of an in-memory store with the same
// conditional-get semantics the real transport surfaces.
type fakeTransport struct {
	store map[KeyLabel]Setting

	getErr   error
	listErr  error
	closeErr error

	getCalls  int
	listCalls int
	closed    bool

	lastGetHeaders  http.Header
	lastListHeaders http.Header
}

func (f *fakeTransport) GetSetting(_ context.Context, key string, opts GetOptions) (Setting, error) {
	f.getCalls++
	f.lastGetHeaders = opts.Headers
	if f.getErr != nil {
		return Setting{}, f.getErr
	}
	s, ok := f.store[KeyLabel{Key: key, Label: opts.Label}]
	if !ok {
		return Setting{}, notFoundErr()
	}
	if opts.OnlyIfChanged != nil && s.ETag != nil && *s.ETag == *opts.OnlyIfChanged {
		return Setting{}, notModifiedErr()
	}
	return s, nil
}

func (f *fakeTransport) ListSettings(_ context.Context, sel Selector, opts ListOptions) ([]Setting, error) {
	f.listCalls++
	f.lastListHeaders = opts.Headers
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Setting
	for _, s := range f.store {
		if matchFilter(sel.KeyFilter, s.Key) && matchFilter(sel.LabelFilter, s.Label) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return f.closeErr
}

func matchFilter(filter, v string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(v, prefix)
	}
	return filter == v
}

func setting(key, label, value, tag string) Setting {
	return Setting{Key: key, Label: label, Value: value, ETag: etag(tag)}
}

func featureFlagSetting(name, label, value, tag string) Setting {
	return Setting{
		Key:         FeatureFlagPrefix + name,
		Label:       label,
		Value:       value,
		ContentType: FeatureFlagContentType,
		ETag:        etag(tag),
	}
}

func TestCheckSettingChanged(t *testing.T) {
	ctx := context.Background()
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}

	t.Run("updated", func(t *testing.T) {
		ft := &fakeTransport{store: map[KeyLabel]Setting{
			kl: setting(kl.Key, kl.Label, "30", "v2"),
		}}
		c := NewClient("https://a.azconfig.io", ft)

		changed, updated, err := c.CheckSettingChanged(ctx, kl, etag("v1"), nil)
		require.NoError(t, err)
		assert.True(t, changed)
		require.NotNil(t, updated)
		assert.Equal(t, azcore.ETag("v2"), *updated.ETag)
	})

	t.Run("not modified", func(t *testing.T) {
		ft := &fakeTransport{store: map[KeyLabel]Setting{
			kl: setting(kl.Key, kl.Label, "30", "v1"),
		}}
		c := NewClient("https://a.azconfig.io", ft)

		changed, updated, err := c.CheckSettingChanged(ctx, kl, etag("v1"), nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Nil(t, updated)
	})

	t.Run("deleted with known etag", func(t *testing.T) {
		ft := &fakeTransport{store: map[KeyLabel]Setting{}}
		c := NewClient("https://a.azconfig.io", ft)

		changed, updated, err := c.CheckSettingChanged(ctx, kl, etag("v1"), nil)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Nil(t, updated)
	})

	t.Run("not found without etag", func(t *testing.T) {
		ft := &fakeTransport{store: map[KeyLabel]Setting{}}
		c := NewClient("https://a.azconfig.io", ft)

		changed, updated, err := c.CheckSettingChanged(ctx, kl, nil, nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Nil(t, updated)
	})

	t.Run("transport error propagates", func(t *testing.T) {
		transportErr := errors.New("connection refused")
		ft := &fakeTransport{getErr: transportErr}
		c := NewClient("https://a.azconfig.io", ft)

		_, _, err := c.CheckSettingChanged(ctx, kl, etag("v1"), nil)
		require.ErrorIs(t, err, transportErr)
	})
}

func TestLoadSettings(t *testing.T) {
	ctx := context.Background()
	watchedKL := KeyLabel{Key: "app/timeout", Label: "prod"}
	otherKL := KeyLabel{Key: "app/name", Label: "prod"}

	ft := &fakeTransport{store: map[KeyLabel]Setting{
		watchedKL: setting("app/timeout", "prod", "30", "v7"),
		otherKL:   setting("app/name", "prod", "demo", "v1"),
		{Key: FeatureFlagPrefix + "beta", Label: "prod"}: featureFlagSetting("beta", "prod", `{"enabled":true}`, "v1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	watched := SentinelMap{
		watchedKL:                       etag("v1"),
		{Key: "gone", Label: "missing"}: etag("v9"),
	}
	settings, sentinels, err := c.LoadSettings(ctx, []Selector{{KeyFilter: "app/*", LabelFilter: "prod"}, {KeyFilter: ".appconfig*", LabelFilter: "prod"}}, watched, nil)
	require.NoError(t, err)

	// Feature flags never land in the plain settings list, even when a
	// selector matches them.
	require.Len(t, settings, 2)
	for _, s := range settings {
		assert.False(t, s.IsFeatureFlag())
	}

	// Watched pair refreshed to the loaded etag, unmatched pair untouched.
	assert.Equal(t, azcore.ETag("v7"), *sentinels[watchedKL])
	assert.Equal(t, azcore.ETag("v9"), *sentinels[KeyLabel{Key: "gone", Label: "missing"}])

	// Input map was not mutated.
	assert.Equal(t, azcore.ETag("v1"), *watched[watchedKL])

	// The sentinel set is never enlarged past what the caller watches.
	assert.Len(t, sentinels, 2)
}

func TestLoadFeatureFlags(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		{Key: FeatureFlagPrefix + "beta", Label: "prod"}:  featureFlagSetting("beta", "prod", `{"id":"beta","enabled":true}`, "f1"),
		{Key: FeatureFlagPrefix + "gamma", Label: "prod"}: featureFlagSetting("gamma", "prod", `{"id":"gamma","enabled":false}`, "f2"),
		{Key: "app/timeout", Label: "prod"}:               setting("app/timeout", "prod", "30", "v1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	flags, sentinels, err := c.LoadFeatureFlags(ctx, []Selector{{KeyFilter: "*", LabelFilter: "prod"}}, true, nil)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Len(t, sentinels, 2)
	assert.Contains(t, sentinels, KeyLabel{Key: FeatureFlagPrefix + "beta", Label: "prod"})

	flags, sentinels, err = c.LoadFeatureFlags(ctx, []Selector{{KeyFilter: "*", LabelFilter: "prod"}}, false, nil)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Empty(t, sentinels)
}

func TestLoadSendsCorrelationHeaders(t *testing.T) {
	ctx := context.Background()
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: setting("app/timeout", "prod", "30", "v1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	headers := CorrelationHeaders(RequestTypeStartup, 2, true)
	_, _, err := c.LoadSettings(ctx, []Selector{{KeyFilter: "*"}}, nil, headers)
	require.NoError(t, err)
	assert.Equal(t, "RequestType=Startup,ReplicaCount=2,Features=FF",
		ft.lastListHeaders.Get("Correlation-Context"))

	_, _, err = c.LoadFeatureFlags(ctx, []Selector{{KeyFilter: "*"}}, false, headers)
	require.NoError(t, err)
	assert.Equal(t, "RequestType=Startup,ReplicaCount=2,Features=FF",
		ft.lastListHeaders.Get("Correlation-Context"))
}

func TestRefreshSendsCorrelationHeaders(t *testing.T) {
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: setting("app/timeout", "prod", "45", "v2"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	headers := CorrelationHeaders(RequestTypeWatch, 1, false)
	changed, _, _, err := c.RefreshSettings(context.Background(),
		[]Selector{{KeyFilter: "*"}}, SentinelMap{kl: etag("v1")}, headers)
	require.NoError(t, err)
	require.True(t, changed)
	// Both the conditional probe and the reload carry the headers.
	assert.Equal(t, "RequestType=Watch,ReplicaCount=1", ft.lastGetHeaders.Get("Correlation-Context"))
	assert.Equal(t, "RequestType=Watch,ReplicaCount=1", ft.lastListHeaders.Get("Correlation-Context"))
}

func TestLoadFeatureFlagsBadJSON(t *testing.T) {
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		{Key: FeatureFlagPrefix + "broken", Label: ""}: featureFlagSetting("broken", "", `{not json`, "f1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	_, _, err := c.LoadFeatureFlags(context.Background(), []Selector{{KeyFilter: "*"}}, true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding feature flag")
}

func TestRefreshSettingsNoChange(t *testing.T) {
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: setting("app/timeout", "prod", "30", "v1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	watched := SentinelMap{kl: etag("v1")}
	changed, sentinels, settings, err := c.RefreshSettings(context.Background(), []Selector{{KeyFilter: "app/*"}}, watched, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, settings)
	assert.Equal(t, watched, sentinels)
	assert.Zero(t, ft.listCalls, "no reload on no change")
}

func TestRefreshSettingsChanged(t *testing.T) {
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: setting("app/timeout", "prod", "45", "v2"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	watched := SentinelMap{kl: etag("v1")}
	changed, sentinels, settings, err := c.RefreshSettings(context.Background(),
		[]Selector{{KeyFilter: "app/*", LabelFilter: "prod"}},
		watched, http.Header{})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, settings, 1)
	assert.Equal(t, "45", settings[0].Value)
	// The returned sentinel comes from the reload, not the conditional
	// check; the caller's map is left untouched.
	assert.Equal(t, azcore.ETag("v2"), *sentinels[kl])
	assert.Equal(t, azcore.ETag("v1"), *watched[kl])
	assert.Equal(t, 1, ft.listCalls, "exactly one reload per refresh")
}

func TestRefreshSettingsMultipleChangesSingleReload(t *testing.T) {
	a := KeyLabel{Key: "app/a", Label: ""}
	b := KeyLabel{Key: "app/b", Label: ""}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		a: setting("app/a", "", "1", "a2"),
		b: setting("app/b", "", "2", "b2"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	changed, _, _, err := c.RefreshSettings(context.Background(),
		[]Selector{{KeyFilter: "app/*"}},
		SentinelMap{a: etag("a1"), b: etag("b1")}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, ft.listCalls)
}

func TestRefreshSettingsDeletedSentinel(t *testing.T) {
	kl := KeyLabel{Key: "app/removed", Label: ""}
	still := KeyLabel{Key: "app/kept", Label: ""}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		still: setting("app/kept", "", "1", "k1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	changed, sentinels, settings, err := c.RefreshSettings(context.Background(),
		[]Selector{{KeyFilter: "app/*"}},
		SentinelMap{kl: etag("v1")}, nil)
	require.NoError(t, err)
	assert.True(t, changed, "deletion of a watched setting is a change")
	require.Len(t, settings, 1)
	assert.Equal(t, 1, ft.listCalls)
	// The deleted pair keeps its stale token until something replaces it.
	assert.Contains(t, sentinels, kl)
}

func TestRefreshSettingsTransportError(t *testing.T) {
	transportErr := errors.New("tls handshake timeout")
	ft := &fakeTransport{getErr: transportErr}
	c := NewClient("https://a.azconfig.io", ft)

	_, _, _, err := c.RefreshSettings(context.Background(), nil,
		SentinelMap{{Key: "k", Label: ""}: etag("v1")}, nil)
	require.ErrorIs(t, err, transportErr)
}

func TestRefreshFeatureFlagsNoChange(t *testing.T) {
	kl := KeyLabel{Key: FeatureFlagPrefix + "beta", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: featureFlagSetting("beta", "prod", `{"enabled":true}`, "f1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	watched := SentinelMap{kl: etag("f1")}
	changed, sentinels, flags, err := c.RefreshFeatureFlags(context.Background(), watched,
		[]Selector{{KeyFilter: "*", LabelFilter: "prod"}}, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, flags)
	// No-change keeps the caller's sentinel map intact.
	assert.Equal(t, watched, sentinels)
	assert.Zero(t, ft.listCalls)
}

func TestRefreshFeatureFlagsChanged(t *testing.T) {
	kl := KeyLabel{Key: FeatureFlagPrefix + "beta", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: featureFlagSetting("beta", "prod", `{"id":"beta","enabled":false}`, "f2"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	changed, sentinels, flags, err := c.RefreshFeatureFlags(context.Background(),
		SentinelMap{kl: etag("f1")},
		[]Selector{{KeyFilter: "*", LabelFilter: "prod"}}, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, flags, 1)
	assert.Equal(t, false, flags[0]["enabled"])
	assert.Equal(t, azcore.ETag("f2"), *sentinels[kl])
	assert.Equal(t, 1, ft.listCalls, "reload happens once, on the first detected change")
}

func TestGetSetting(t *testing.T) {
	kl := KeyLabel{Key: "app/timeout", Label: "prod"}
	ft := &fakeTransport{store: map[KeyLabel]Setting{
		kl: setting("app/timeout", "prod", "30", "v1"),
	}}
	c := NewClient("https://a.azconfig.io", ft)

	s, err := c.GetSetting(context.Background(), kl)
	require.NoError(t, err)
	assert.Equal(t, "30", s.Value)

	_, err = c.GetSetting(context.Background(), KeyLabel{Key: "nope"})
	require.Error(t, err)
}
