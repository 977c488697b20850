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
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns the Azure credential and caches one App Configuration
// client per endpoint.
type Manager struct {
	baseCred  *azidentity.DefaultAzureCredential
	userAgent string

	sync.RWMutex
	clients map[clientKey]*appConfigClient
	tracer  trace.Tracer
}

type clientKey struct {
	Endpoint string
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithUserAgent sets the application id reported on every request.
func WithUserAgent(ua string) ManagerOption {
	return func(mgr *Manager) {
		mgr.userAgent = ua
	}
}

// NewManager initializes Azure credential management.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("loading Azure credentials: %w", err)
	}

	tracer := otel.Tracer("github.com/cardinalhq/confsync/internal/azureclient")
	mgr := &Manager{
		baseCred:  cred,
		userAgent: "confsync",
		clients:   make(map[clientKey]*appConfigClient),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(mgr)
	}

	return mgr, nil
}
