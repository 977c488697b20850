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

package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver serves SRV answers out of a map; names not present
// resolve as not-found unless a wildcard answer is configured.
type fakeResolver struct {
	records  map[string][]*net.SRV
	wildcard []*net.SRV
	err      error
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	if r.err != nil {
		return "", nil, r.err
	}
	recs, ok := r.records[name]
	if !ok {
		if r.wildcard != nil {
			return name, r.wildcard, nil
		}
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, recs, nil
}

func srv(target string) *net.SRV {
	return &net.SRV{Target: target, Port: 443}
}

func TestTrustedHost(t *testing.T) {
	assert.True(t, TrustedHost("example.azconfig.io"))
	assert.True(t, TrustedHost("example.appconfig.eu"))
	assert.True(t, TrustedHost("EXAMPLE.AZCONFIG.IO"))
	assert.False(t, TrustedHost("example.com"))
	assert.False(t, TrustedHost("azconfig.example.com"))
}

func TestFailoverEndpoints(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.SRV{
		"_origin._tcp.store.azconfig.io": {srv("store.azconfig.io.")},
		"_alt0._tcp.store.azconfig.io":   {srv("store-replica-1.azconfig.io.")},
		"_alt1._tcp.store.azconfig.io":   {srv("store-replica-2.azconfig.io.")},
	}}
	f := NewFinder(WithResolver(resolver))

	endpoints, err := f.FailoverEndpoints(context.Background(), "https://store.azconfig.io")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://store-replica-1.azconfig.io",
		"https://store-replica-2.azconfig.io",
	}, endpoints)
}

func TestFailoverEndpointsExcludesUntrustedTargets(t *testing.T) {
	resolver := &fakeResolver{records: map[string][]*net.SRV{
		"_origin._tcp.store.azconfig.io": {srv("store.azconfig.io.")},
		"_alt0._tcp.store.azconfig.io":   {srv("evil.example.com.")},
		"_alt1._tcp.store.azconfig.io":   {srv("store-replica-1.azconfig.io.")},
	}}
	f := NewFinder(WithResolver(resolver))

	endpoints, err := f.FailoverEndpoints(context.Background(), "https://store.azconfig.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://store-replica-1.azconfig.io"}, endpoints)
}

func TestFailoverEndpointsUntrustedOrigin(t *testing.T) {
	f := NewFinder(WithResolver(&fakeResolver{}))

	endpoints, err := f.FailoverEndpoints(context.Background(), "https://config.example.com")
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestFailoverEndpointsNoRecords(t *testing.T) {
	f := NewFinder(WithResolver(&fakeResolver{records: map[string][]*net.SRV{}}))

	endpoints, err := f.FailoverEndpoints(context.Background(), "https://store.azconfig.io")
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestFailoverEndpointsResolverFailure(t *testing.T) {
	f := NewFinder(WithResolver(&fakeResolver{err: errors.New("dns timeout")}))

	_, err := f.FailoverEndpoints(context.Background(), "https://store.azconfig.io")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dns timeout")
}

func TestFailoverEndpointsWildcardZoneBounded(t *testing.T) {
	// A zone that answers every _altN name must not keep the walk
	// going forever; the finder stops at its alternate cap.
	resolver := &fakeResolver{
		records: map[string][]*net.SRV{
			"_origin._tcp.store.azconfig.io": {srv("store.azconfig.io.")},
		},
		wildcard: []*net.SRV{srv("store-replica.azconfig.io.")},
	}
	f := NewFinder(WithResolver(resolver))

	endpoints, err := f.FailoverEndpoints(context.Background(), "https://store.azconfig.io")
	require.NoError(t, err)
	assert.Len(t, endpoints, maxAlternates)
	for _, ep := range endpoints {
		assert.Equal(t, "https://store-replica.azconfig.io", ep)
	}
}

func TestFailoverEndpointsBadEndpoint(t *testing.T) {
	f := NewFinder(WithResolver(&fakeResolver{}))

	_, err := f.FailoverEndpoints(context.Background(), "://not-a-url")
	require.Error(t, err)
}
