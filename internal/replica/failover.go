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
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/confsync/internal/logctx"
)

// ErrNoActiveReplicas is returned when every endpoint is in a backoff
// window and no request can be attempted.
var ErrNoActiveReplicas = errors.New("no active replica endpoints")

// Execute runs op against the active clients in priority order until
// one succeeds. Each failing endpoint is reported to the manager for
// backoff before moving on; a success resets that endpoint's failure
// counter. When every active endpoint fails the individual errors are
// returned together.
func Execute[T any](ctx context.Context, m *Manager, op func(context.Context, *Client) (T, error)) (T, error) {
	var zero T

	clients := m.ActiveClients()
	if len(clients) == 0 {
		return zero, ErrNoActiveReplicas
	}

	var errs *multierror.Error
	for _, c := range clients {
		v, err := op(ctx, c)
		if err != nil {
			logctx.FromContext(ctx).Warn("replica request failed, backing off",
				"endpoint", c.Endpoint, "error", err.Error())
			m.Backoff(c)
			replicaFailovers.Add(ctx, 1,
				metric.WithAttributes(attribute.String("endpoint", c.Endpoint)))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.Endpoint, err))
			continue
		}
		m.Succeed(c)
		return v, nil
	}
	return zero, fmt.Errorf("all active replicas failed: %w", errs.ErrorOrNil())
}
