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
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

const (
	// FeatureFlagPrefix is the reserved key namespace for feature flag
	// settings in the configuration store.
	FeatureFlagPrefix = ".appconfig.featureflag/"

	// FeatureFlagContentType tags a setting whose value is a JSON-encoded
	// feature flag document.
	FeatureFlagContentType = "application/vnd.microsoft.appconfig.ff+json;charset=utf-8"
)

// KeyLabel identifies one configuration setting. Label may be empty.
type KeyLabel struct {
	Key   string
	Label string
}

// SentinelMap tracks the last-observed version token for each watched
// setting. A nil etag means the setting has not been observed yet.
type SentinelMap map[KeyLabel]*azcore.ETag

// Clone returns a shallow copy so callers can hand a SentinelMap to a
// refresh operation without it mutating their copy.
func (s SentinelMap) Clone() SentinelMap {
	out := make(SentinelMap, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Selector picks a set of settings by key and label filter patterns.
type Selector struct {
	KeyFilter   string
	LabelFilter string
}

// Setting is one configuration entry in the remote store.
type Setting struct {
	Key         string
	Label       string
	Value       string
	ContentType string
	ETag        *azcore.ETag
}

// ID returns the setting's identity pair.
func (s Setting) ID() KeyLabel {
	return KeyLabel{Key: s.Key, Label: s.Label}
}

// IsFeatureFlag reports whether the setting lives in the feature flag
// namespace. Both the key prefix and content type are checked so that a
// flag returned by a non-prefixed selector is still recognized.
func (s Setting) IsFeatureFlag() bool {
	return strings.HasPrefix(s.Key, FeatureFlagPrefix) && s.ContentType == FeatureFlagContentType
}

// FeatureFlag is a decoded feature flag document. Flag schemas are not
// fixed, so values stay loosely typed.
type FeatureFlag map[string]any
