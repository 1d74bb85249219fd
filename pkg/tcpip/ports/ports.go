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

// Package ports provides the ephemeral port allocator shared by the
// transport layers.
package ports

import "rvkern.dev/rvkern/pkg/tcpip"

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 49152

	// LastEphemeral is the last ephemeral port.
	LastEphemeral = 65535

	// numEphemeral is the number of ports in the ephemeral range.
	numEphemeral = LastEphemeral - FirstEphemeral + 1
)

// Allocator hands out ephemeral ports from a monotonically advancing
// cursor that wraps within [FirstEphemeral, LastEphemeral].
//
// Allocator is not synchronized; the owner serialises access under the same
// lock that guards its port-consumer table so that picking and recording a
// port is one atomic step.
type Allocator struct {
	next uint16
}

// NewAllocator creates an Allocator with the cursor at the start of the
// ephemeral range.
func NewAllocator() *Allocator {
	return &Allocator{next: FirstEphemeral}
}

// PickEphemeral returns the first port from the cursor that inUse reports
// free, advancing the cursor past it. At most one full pass over the range
// is attempted before failing with NoPortAvailable.
func (a *Allocator) PickEphemeral(inUse func(port uint16) bool) (uint16, *tcpip.Error) {
	if a.next < FirstEphemeral {
		a.next = FirstEphemeral
	}
	for i := 0; i < numEphemeral; i++ {
		port := a.next
		if a.next++; a.next < FirstEphemeral {
			// The uint16 wrapped past LastEphemeral.
			a.next = FirstEphemeral
		}
		if !inUse(port) {
			return port, nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}
