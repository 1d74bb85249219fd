// Copyright 2024 The RVKern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"fmt"
	"sync"

	"rvkern.dev/rvkern/pkg/tcpip"
)

// routeTableSize is the capacity of the static route table.
const routeTableSize = 8

// Route is a row in the routing table. A row is viable for a destination if
// the masked destination matches the row's masked target; ties between
// viable rows break toward the longest mask.
type Route struct {
	// Destination must contain the target address for this row to be
	// viable.
	Destination tcpip.Subnet

	// Gateway is the next hop, if any. An empty gateway means the
	// destination is on-link.
	Gateway tcpip.Address

	// Device is the name of the device to route through.
	Device string
}

// String implements the fmt.Stringer interface.
func (r Route) String() string {
	if len(r.Gateway) > 0 {
		return fmt.Sprintf("%s via %s dev %s", r.Destination, r.Gateway, r.Device)
	}
	return fmt.Sprintf("%s dev %s", r.Destination, r.Device)
}

// routeTable is a fixed-capacity set of routes. Rows are only ever added;
// duplicates are not rejected.
type routeTable struct {
	mu     sync.Mutex
	routes [routeTableSize]Route
	used   [routeTableSize]bool
}

func (t *routeTable) add(r Route) *tcpip.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.routes {
		if !t.used[i] {
			t.routes[i] = r
			t.used[i] = true
			return nil
		}
	}
	return tcpip.ErrStorageFull
}

func (t *routeTable) lookup(dst tcpip.Address) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best Route
	bestLen := -1
	for i := range t.routes {
		if !t.used[i] {
			continue
		}
		r := t.routes[i]
		if !r.Destination.Contains(dst) {
			continue
		}
		if l := r.Destination.Prefix(); l > bestLen {
			best = r
			bestLen = l
		}
	}
	return best, bestLen >= 0
}

// AddRoute adds a row to the routing table.
func (s *Stack) AddRoute(r Route) *tcpip.Error {
	return s.routes.add(r)
}

// FindRoute returns the longest-prefix matching route for dst.
func (s *Stack) FindRoute(dst tcpip.Address) (Route, *tcpip.Error) {
	r, ok := s.routes.lookup(dst)
	if !ok {
		return Route{}, tcpip.ErrNoSuchNode
	}
	return r, nil
}
