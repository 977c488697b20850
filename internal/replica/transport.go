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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// GetOptions narrows a single-setting fetch.
type GetOptions struct {
	Label string
	// OnlyIfChanged makes the fetch conditional: the transport reports
	// not-modified instead of returning a body when the remote etag
	// still matches.
	OnlyIfChanged *azcore.ETag
	Headers       http.Header
}

// ListOptions carries extra request headers for list calls.
type ListOptions struct {
	Headers http.Header
}

// SettingsClient is the transport for one endpoint of the configuration
// store. Implementations own connection and credential handling; see
// internal/azureclient for the production implementation. Not-modified
// and not-found outcomes surface as *azcore.ResponseError values with
// status 304 and 404 respectively.
type SettingsClient interface {
	GetSetting(ctx context.Context, key string, opts GetOptions) (Setting, error)
	ListSettings(ctx context.Context, sel Selector, opts ListOptions) ([]Setting, error)
	Close() error
}

func isNotModified(err error) bool {
	return hasStatusCode(err, http.StatusNotModified)
}

func isNotFound(err error) bool {
	return hasStatusCode(err, http.StatusNotFound)
}

func hasStatusCode(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
