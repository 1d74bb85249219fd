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

// Package channel provides a link driver for tests: transmitted frames are
// recorded for inspection and inbound frames are injected by hand. An
// optional hook sees every transmitted frame and can answer it, standing
// in for the far end of the link.
package channel

import (
	"sync"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

// Driver is a channel link driver.
type Driver struct {
	dev   *stack.Device
	stack *stack.Stack

	mu     sync.Mutex
	tx     [][]byte
	queued [][]byte

	// OnTransmit, if set, observes every transmitted frame. It runs
	// without the driver lock held and may inject replies.
	OnTransmit func(frame []byte)
}

// New creates a new channel driver.
func New() *Driver {
	return &Driver{}
}

// NewDevice constructs an ethernet device named name around a fresh
// driver.
func NewDevice(name string, mac tcpip.LinkAddress) (*stack.Device, *Driver) {
	d := New()
	dev := stack.NewDevice(stack.DeviceOptions{
		Name:      name,
		Kind:      stack.DeviceKindEthernet,
		MTU:       1500,
		Flags:     stack.DeviceFlagBroadcast,
		HeaderLen: 14,
		AddrLen:   6,
		HWAddr:    mac,
		Driver:    d,
	})
	return dev, d
}

// Attach implements stack.LinkDriver.Attach.
func (d *Driver) Attach(dev *stack.Device, s *stack.Stack) {
	d.dev = dev
	d.stack = s
}

// Transmit implements stack.LinkDriver.Transmit.
func (d *Driver) Transmit(frame []byte) *tcpip.Error {
	cp := append([]byte(nil), frame...)
	d.mu.Lock()
	d.tx = append(d.tx, cp)
	hook := d.OnTransmit
	d.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

// Open implements stack.LinkDriver.Open.
func (d *Driver) Open() *tcpip.Error {
	d.dev.RaiseFlags(stack.DeviceFlagUp | stack.DeviceFlagRunning)
	return nil
}

// Close implements stack.LinkDriver.Close.
func (d *Driver) Close() *tcpip.Error {
	d.dev.ClearFlags(stack.DeviceFlagRunning)
	return nil
}

// Poll implements stack.LinkDriver.Poll, draining frames queued with
// QueueInbound.
func (d *Driver) Poll() {
	d.mu.Lock()
	frames := d.queued
	d.queued = nil
	d.mu.Unlock()
	for _, f := range frames {
		d.stack.DeliverInboundFrame(d.dev, f)
	}
}

// InjectInbound delivers one frame up the stack immediately.
func (d *Driver) InjectInbound(frame []byte) {
	d.stack.DeliverInboundFrame(d.dev, frame)
}

// QueueInbound queues one frame for delivery at the next Poll.
func (d *Driver) QueueInbound(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = append(d.queued, append([]byte(nil), frame...))
}

// TxFrames returns the transmitted frames in order.
func (d *Driver) TxFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	frames := make([][]byte, len(d.tx))
	copy(frames, d.tx)
	return frames
}
