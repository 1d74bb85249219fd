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

// Package loopback provides the loopback link driver. Transmitting just
// turns the packet around and delivers it back up the stack on the same
// device: no queue, no interrupt, no framing.
package loopback

import (
	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

type driver struct {
	dev   *stack.Device
	stack *stack.Stack
}

// New creates a new loopback driver.
func New() stack.LinkDriver {
	return &driver{}
}

// NewDevice constructs the canonical "lo" device around a fresh driver.
func NewDevice() *stack.Device {
	return stack.NewDevice(stack.DeviceOptions{
		Name:   "lo",
		Kind:   stack.DeviceKindLoopback,
		MTU:    0xffff,
		Flags:  stack.DeviceFlagLoopback | stack.DeviceFlagBroadcast,
		Driver: New(),
	})
}

// Attach implements stack.LinkDriver.Attach.
func (d *driver) Attach(dev *stack.Device, s *stack.Stack) {
	d.dev = dev
	d.stack = s
}

// Transmit implements stack.LinkDriver.Transmit. The payload delivered up
// is byte-identical to what was sent.
func (d *driver) Transmit(frame []byte) *tcpip.Error {
	d.stack.DeliverInboundFrame(d.dev, frame)
	return nil
}

// Open implements stack.LinkDriver.Open.
func (d *driver) Open() *tcpip.Error {
	d.dev.RaiseFlags(stack.DeviceFlagUp | stack.DeviceFlagRunning)
	return nil
}

// Close implements stack.LinkDriver.Close.
func (d *driver) Close() *tcpip.Error {
	d.dev.ClearFlags(stack.DeviceFlagRunning)
	return nil
}

// Poll implements stack.LinkDriver.Poll. Loopback delivery is synchronous,
// so there is never pending receive work.
func (d *driver) Poll() {}
