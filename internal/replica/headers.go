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
	"fmt"
	"net/http"
	"strings"
)

// RequestType labels why a request is being made, for store-side usage
// telemetry.
type RequestType string

const (
	RequestTypeStartup RequestType = "Startup"
	RequestTypeWatch   RequestType = "Watch"
)

const correlationContextHeader = "Correlation-Context"

// CorrelationHeaders builds the Correlation-Context request header the
// configuration store uses to attribute traffic. replicaCount is the
// number of failover endpoints beyond the primary.
func CorrelationHeaders(rt RequestType, replicaCount int, featureFlagsUsed bool) http.Header {
	parts := []string{fmt.Sprintf("RequestType=%s", rt)}
	if replicaCount > 0 {
		parts = append(parts, fmt.Sprintf("ReplicaCount=%d", replicaCount))
	}
	if featureFlagsUsed {
		parts = append(parts, "Features=FF")
	}
	h := http.Header{}
	h.Set(correlationContextHeader, strings.Join(parts, ","))
	return h
}
