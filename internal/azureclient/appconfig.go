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
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azappconfig"

	"github.com/cardinalhq/confsync/internal/replica"
)

type appConfigConfig struct {
	Endpoint         string
	ConnectionString string
}

// AppConfigOption configures a GetAppConfig call.
type AppConfigOption func(*appConfigConfig)

// WithEndpoint selects credential-based auth against the given store
// endpoint.
func WithEndpoint(endpoint string) AppConfigOption {
	return func(c *appConfigConfig) {
		c.Endpoint = endpoint
	}
}

// WithConnectionString selects access-key auth. The endpoint is parsed
// out of the connection string.
func WithConnectionString(cs string) AppConfigOption {
	return func(c *appConfigConfig) {
		c.ConnectionString = cs
	}
}

// GetAppConfig returns a settings transport for one store endpoint,
// creating and caching the underlying client on first use.
func (m *Manager) GetAppConfig(ctx context.Context, opts ...AppConfigOption) (replica.SettingsClient, error) {
	cc := appConfigConfig{}
	for _, o := range opts {
		o(&cc)
	}

	endpoint := cc.Endpoint
	if endpoint == "" && cc.ConnectionString != "" {
		var err error
		endpoint, err = EndpointFromConnectionString(cc.ConnectionString)
		if err != nil {
			return nil, err
		}
	}
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint or connection string is required")
	}

	key := clientKey{Endpoint: endpoint}
	m.RLock()
	client, ok := m.clients[key]
	m.RUnlock()
	if !ok {
		m.Lock()
		if client, ok = m.clients[key]; !ok {
			clientOpts := &azappconfig.ClientOptions{
				ClientOptions: azcore.ClientOptions{
					Telemetry: policy.TelemetryOptions{ApplicationID: m.userAgent},
				},
			}

			var (
				sdkClient *azappconfig.Client
				err       error
			)
			if cc.ConnectionString != "" {
				sdkClient, err = azappconfig.NewClientFromConnectionString(cc.ConnectionString, clientOpts)
			} else {
				sdkClient, err = azappconfig.NewClient(endpoint, m.baseCred, clientOpts)
			}
			if err != nil {
				m.Unlock()
				return nil, fmt.Errorf("failed to create app configuration client: %w", err)
			}

			client = &appConfigClient{
				endpoint: endpoint,
				client:   sdkClient,
				tracer:   m.tracer,
			}
			m.clients[key] = client
		}
		m.Unlock()
	}

	return client, nil
}

// EndpointFromConnectionString extracts the Endpoint segment of an App
// Configuration connection string.
func EndpointFromConnectionString(cs string) (string, error) {
	for _, seg := range strings.Split(cs, ";") {
		if v, ok := strings.CutPrefix(seg, "Endpoint="); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("connection string has no Endpoint segment")
}
