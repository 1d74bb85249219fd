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

// Package faketime provides clocks for deterministic tests.
package faketime

import (
	"runtime"
	"sync/atomic"

	"rvkern.dev/rvkern/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Ticks implements tcpip.Clock.Ticks.
func (*NullClock) Ticks() uint64 { return 0 }

// ManualClock implements tcpip.Clock and only advances when Advance is
// called.
type ManualClock struct {
	ticks atomic.Uint64
}

var _ tcpip.Clock = (*ManualClock)(nil)

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// Ticks implements tcpip.Clock.Ticks.
func (mc *ManualClock) Ticks() uint64 {
	return mc.ticks.Load()
}

// Advance moves the clock forward by n ticks.
func (mc *ManualClock) Advance(n uint64) {
	mc.ticks.Add(n)
}

// YieldAdvancer is a Scheduler whose every yield advances a ManualClock by
// one tick, so bounded poll loops run their full deadline in tests without
// real time passing. It also reschedules, giving other test goroutines a
// turn.
type YieldAdvancer struct {
	Clock *ManualClock
}

var _ tcpip.Scheduler = (*YieldAdvancer)(nil)

// Yield implements tcpip.Scheduler.Yield.
func (y *YieldAdvancer) Yield() {
	y.Clock.Advance(1)
	runtime.Gosched()
}
