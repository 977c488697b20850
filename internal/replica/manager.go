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
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMinBackoff = 30 * time.Second
	DefaultMaxBackoff = 10 * time.Minute

	// maxBackoffShift caps the exponent so the doubling never overflows.
	maxBackoffShift = 63
)

var (
	backoffsApplied  metric.Int64Counter
	replicaFailovers metric.Int64Counter
	clientsClosed    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/confsync/internal/replica")

	var err error
	backoffsApplied, err = meter.Int64Counter(
		"confsync_backoffs_applied_total",
		metric.WithDescription("Total number of backoff windows applied to replica endpoints"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create backoffsApplied counter: %w", err))
	}

	replicaFailovers, err = meter.Int64Counter(
		"confsync_replica_failovers_total",
		metric.WithDescription("Total number of failed replica requests that caused a failover"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create replicaFailovers counter: %w", err))
	}

	clientsClosed, err = meter.Int64Counter(
		"confsync_clients_closed_total",
		metric.WithDescription("Total number of replica clients closed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create clientsClosed counter: %w", err))
	}
}

// Manager owns the replica set. It selects which endpoints are eligible
// to serve requests and records failure outcomes reported by callers; it
// never retries operations itself.
type Manager struct {
	mu         sync.Mutex
	clients    []*Client
	minBackoff time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithBackoffBounds sets the backoff window bounds. When max <= min
// every backoff is exactly min.
func WithBackoffBounds(minBackoff, maxBackoff time.Duration) ManagerOption {
	return func(m *Manager) {
		m.minBackoff = minBackoff
		m.maxBackoff = maxBackoff
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager wraps the given clients, in failover priority order. The
// first client is the primary; callers fall back through the rest in
// order.
func NewManager(clients []*Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		clients:    clients,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveClients returns the clients whose backoff window has expired, in
// configured order. Eligibility is recomputed on every call; endpoints
// re-enter the active set purely by wall-clock time passing.
func (m *Manager) ActiveClients() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	active := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		if !c.backoffEnd.After(now) {
			active = append(active, c)
		}
	}
	return active
}

// Backoff records a failure against c and excludes it from the active
// set for an exponentially growing, jittered window.
func (m *Manager) Backoff(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.failedAttempts++
	d := m.calculateBackoff(c.failedAttempts)
	// Jitter may draw a shorter window than the one already in force;
	// the window only ever extends.
	if end := m.clock.Now().Add(d); end.After(c.backoffEnd) {
		c.backoffEnd = end
	}
	backoffsApplied.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("endpoint", c.Endpoint)))
}

// Succeed records a successful operation against c, resetting its
// failure counter so a later failure starts the backoff progression
// from the beginning.
func (m *Manager) Succeed(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.failedAttempts = 0
	c.backoffEnd = time.Time{}
}

// Len returns the number of managed clients, active or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// calculateBackoff computes a jittered exponential backoff duration for
// the given attempt count. The result is uniformly distributed between
// the configured minimum and the (capped) exponential ceiling, so a
// fleet of clients that all failed at once does not retry in lockstep.
func (m *Manager) calculateBackoff(attempts uint64) time.Duration {
	minMS := m.minBackoff.Milliseconds()
	maxMS := m.maxBackoff.Milliseconds()

	if maxMS <= minMS {
		return time.Duration(minMS) * time.Millisecond
	}

	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	calculated := max(1, minMS) * (int64(1) << shift)
	if calculated <= 0 || calculated > maxMS {
		// Overflowed or past the cap.
		calculated = maxMS
	}

	ms := float64(minMS) + rand.Float64()*float64(calculated-minMS)
	return time.Duration(ms) * time.Millisecond
}

// Close releases every managed client's transport. Closing continues
// past individual failures so cleanup is attempted for every endpoint;
// the collected errors are returned together.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs *multierror.Error
	for _, c := range m.clients {
		if err := c.transport.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", c.Endpoint, err))
			continue
		}
		clientsClosed.Add(context.Background(), 1)
	}
	return errs.ErrorOrNil()
}
