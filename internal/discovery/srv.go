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

// Package discovery finds auto-failover replica endpoints for a
// configuration store through the SRV records the service publishes:
// one origin record plus numbered alternates.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cardinalhq/confsync/internal/logctx"
)

const (
	originSRVPrefix = "_origin._tcp."
	altSRVFormat    = "_alt%d._tcp."

	// maxAlternates bounds the _altN walk so a wildcard zone that
	// answers every name cannot keep the loop going forever.
	maxAlternates = 64
)

// Only hosts under these domains are trusted as replica targets.
var trustedDomainLabels = []string{".azconfig.", ".appconfig."}

// Resolver is the subset of net.Resolver used here.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Finder discovers failover endpoints for a store endpoint.
type Finder struct {
	resolver Resolver
}

// FinderOption is a functional option for configuring the Finder.
type FinderOption func(*Finder)

// WithResolver substitutes the DNS resolver, for tests.
func WithResolver(r Resolver) FinderOption {
	return func(f *Finder) {
		f.resolver = r
	}
}

// NewFinder returns a Finder backed by the system resolver.
func NewFinder(opts ...FinderOption) *Finder {
	f := &Finder{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FailoverEndpoints returns the replica endpoints published for the
// given endpoint, excluding the endpoint itself. Endpoints outside the
// trusted domains are never returned, and an endpoint whose own host is
// not under a trusted domain yields nothing. Absent SRV records are not
// an error; only resolution failures other than not-found propagate.
func (f *Finder) FailoverEndpoints(ctx context.Context, endpoint string) ([]string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	if !TrustedHost(host) {
		return nil, nil
	}

	origin, err := f.lookupOrigin(ctx, host)
	if err != nil {
		return nil, err
	}
	if origin == "" {
		return nil, nil
	}

	hosts := []string{origin}
	alts, err := f.lookupAlternates(ctx, origin)
	if err != nil {
		return nil, err
	}
	hosts = append(hosts, alts...)

	var endpoints []string
	for _, h := range hosts {
		if strings.EqualFold(h, host) || !TrustedHost(h) {
			continue
		}
		endpoints = append(endpoints, "https://"+h)
	}
	logctx.FromContext(ctx).Debug("replica discovery finished",
		"endpoint", endpoint, "found", len(endpoints))
	return endpoints, nil
}

func (f *Finder) lookupOrigin(ctx context.Context, host string) (string, error) {
	_, recs, err := f.resolver.LookupSRV(ctx, "", "", originSRVPrefix+host)
	if err != nil {
		if srvNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("resolving origin record for %s: %w", host, err)
	}
	if len(recs) == 0 {
		return "", nil
	}
	return strings.TrimSuffix(recs[0].Target, "."), nil
}

// lookupAlternates walks _alt0, _alt1, ... until a record is absent or
// the alternate cap is reached.
func (f *Finder) lookupAlternates(ctx context.Context, origin string) ([]string, error) {
	var hosts []string
	for i := 0; i < maxAlternates; i++ {
		name := fmt.Sprintf(altSRVFormat, i) + origin
		_, recs, err := f.resolver.LookupSRV(ctx, "", "", name)
		if err != nil {
			if srvNotFound(err) {
				return hosts, nil
			}
			return nil, fmt.Errorf("resolving alternate record %s: %w", name, err)
		}
		if len(recs) == 0 {
			return hosts, nil
		}
		for _, rec := range recs {
			hosts = append(hosts, strings.TrimSuffix(rec.Target, "."))
		}
	}
	return hosts, nil
}

// TrustedHost reports whether host sits under one of the domains replica
// targets may come from.
func TrustedHost(host string) bool {
	h := strings.ToLower(host)
	for _, label := range trustedDomainLabels {
		if strings.Contains(h, label) {
			return true
		}
	}
	return false
}

func srvNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
