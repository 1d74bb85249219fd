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

// Package virtio provides the virtio-net link driver: virtio-mmio v2
// negotiation, one receive and one transmit split queue of depth 32, and
// the interrupt/poll receive path.
//
// Receive buffers are owned by the driver forever and recycled back to the
// device as soon as their contents are copied out. Transmit uses
// two-descriptor chains: a shared zero virtio-net header followed by a
// per-slot frame buffer; the chain is freed when its used-ring entry
// appears.
package virtio

import (
	"sync"
	"unsafe"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

const (
	rxQueue = 0
	txQueue = 1
)

// Driver is the virtio-net driver state for one device.
type Driver struct {
	regs RegisterBlock

	mu        sync.Mutex
	mem       *deviceMemory
	freeTX    [QueueSize]bool
	usedIdxRX uint16
	usedIdxTX uint16
	mac       [6]byte

	dev   *stack.Device
	stack *stack.Stack
}

// New probes and initialises the virtio-net device behind regs, leaving it
// live with all receive buffers posted.
func New(regs RegisterBlock) (*Driver, *tcpip.Error) {
	d := &Driver{
		regs: regs,
		mem:  &deviceMemory{},
	}
	for i := range d.freeTX {
		d.freeTX[i] = true
	}
	if err := d.initMMIO(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDevice constructs the canonical "eth0" device around the driver.
func NewDevice(d *Driver) *stack.Device {
	return stack.NewDevice(stack.DeviceOptions{
		Name:      "eth0",
		Kind:      stack.DeviceKindEthernet,
		MTU:       1500,
		Flags:     stack.DeviceFlagBroadcast,
		HeaderLen: 14,
		AddrLen:   6,
		HWAddr:    d.MAC(),
		Driver:    d,
	})
}

// MAC returns the hardware address read from device config space.
func (d *Driver) MAC() tcpip.LinkAddress {
	return tcpip.LinkAddress(d.mac[:])
}

// initMMIO runs the virtio-mmio v2 negotiation: probe, status handshake,
// feature selection, queue setup, RX pre-post, DRIVER_OK.
func (d *Driver) initMMIO() *tcpip.Error {
	if d.regs.Read32(regMagicValue) != mmioMagic ||
		d.regs.Read32(regVersion) != mmioVersion ||
		d.regs.Read32(regDeviceID) != deviceIDNet {
		return tcpip.ErrDeviceNotFound
	}

	var status uint32
	d.writeStatus(status)
	status |= statusAcknowledge
	d.writeStatus(status)
	status |= statusDriver
	d.writeStatus(status)

	features := d.regs.Read32(regDeviceFeatures)
	if features&featureMAC == 0 {
		return tcpip.ErrUnsupportedDevice
	}
	d.regs.Write32(regDriverFeatures, features&(featureMAC|featureStatus))

	status |= statusFeaturesOK
	d.writeStatus(status)
	if d.regs.Read32(regStatus)&statusFeaturesOK == 0 {
		// The device rejected our feature subset.
		return tcpip.ErrUnsupportedDevice
	}

	if err := d.setupQueue(rxQueue,
		unsafe.Pointer(&d.mem.descRX),
		unsafe.Pointer(&d.mem.availRX),
		unsafe.Pointer(&d.mem.usedRX)); err != nil {
		return err
	}
	if err := d.setupQueue(txQueue,
		unsafe.Pointer(&d.mem.descTX),
		unsafe.Pointer(&d.mem.availTX),
		unsafe.Pointer(&d.mem.usedTX)); err != nil {
		return err
	}

	for i := 0; i < 6; i++ {
		d.mac[i] = d.regs.ReadByte(regConfigMac0 + uint32(i))
	}

	for slot := 0; slot < QueueSize; slot++ {
		d.postRX(slot)
	}

	status |= statusDriverOK
	d.writeStatus(status)
	return nil
}

// writeStatus writes the device status register and reads it back, per the
// negotiation sequence.
func (d *Driver) writeStatus(status uint32) {
	d.regs.Write32(regStatus, status)
	_ = d.regs.Read32(regStatus)
}

// setupQueue selects queue sel and publishes its ring addresses.
func (d *Driver) setupQueue(sel uint32, desc, avail, used unsafe.Pointer) *tcpip.Error {
	d.regs.Write32(regQueueSel, sel)
	if d.regs.Read32(regQueueNumMax) < QueueSize {
		return tcpip.ErrUnsupportedDevice
	}
	d.regs.Write32(regQueueNum, QueueSize)

	descPA := physAddr(desc)
	availPA := physAddr(avail)
	usedPA := physAddr(used)
	d.regs.Write32(regQueueDescLow, uint32(descPA))
	d.regs.Write32(regQueueDescHigh, uint32(descPA>>32))
	d.regs.Write32(regDriverDescLow, uint32(availPA))
	d.regs.Write32(regDriverDescHigh, uint32(availPA>>32))
	d.regs.Write32(regDeviceDescLow, uint32(usedPA))
	d.regs.Write32(regDeviceDescHigh, uint32(usedPA>>32))
	d.regs.Write32(regQueueReady, 1)
	return nil
}

// postRX hands one receive slot to the device. RX slots are permanently
// owned by the driver; this both arms them at init and re-arms them after
// their contents are copied out.
func (d *Driver) postRX(slot int) {
	m := d.mem
	m.descRX[slot] = virtqDesc{
		addr:  physAddr(unsafe.Pointer(&m.rxBufs[slot])),
		len:   bufferSize,
		flags: descFlagWrite,
	}
	m.availRX.ring[m.availRX.idx%QueueSize] = uint16(slot)
	memFence()
	m.availRX.idx++
	memFence()
	d.regs.Write32(regQueueNotify, rxQueue)
}

// allocTX returns a free transmit descriptor index.
func (d *Driver) allocTX() (int, bool) {
	for i := range d.freeTX {
		if d.freeTX[i] {
			d.freeTX[i] = false
			return i, true
		}
	}
	return 0, false
}

func (d *Driver) freeDescTX(idx int) {
	d.mem.descTX[idx] = virtqDesc{}
	d.freeTX[idx] = true
}

// freeChainTX releases a transmit descriptor chain starting at idx.
func (d *Driver) freeChainTX(idx int) {
	for {
		flags := d.mem.descTX[idx].flags
		next := int(d.mem.descTX[idx].next)
		d.freeDescTX(idx)
		if flags&descFlagNext == 0 {
			return
		}
		idx = next
	}
}

// Attach implements stack.LinkDriver.Attach.
func (d *Driver) Attach(dev *stack.Device, s *stack.Stack) {
	d.dev = dev
	d.stack = s
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

// Transmit implements stack.LinkDriver.Transmit. The frame is copied into
// a per-slot buffer and published as a two-descriptor chain: the shared
// zero virtio-net header, then the frame. Callers keep frames within the
// device MTU; anything larger than the slot buffer is truncated.
func (d *Driver) Transmit(frame []byte) *tcpip.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.allocTX()
	if !ok {
		return tcpip.ErrNoBufferSpace
	}
	data, ok := d.allocTX()
	if !ok {
		d.freeDescTX(h)
		return tcpip.ErrNoBufferSpace
	}

	m := d.mem
	n := copy(m.txBufs[data][:], frame)

	m.descTX[h] = virtqDesc{
		addr:  physAddr(unsafe.Pointer(&m.txHdr)),
		len:   virtioNetHdrSize,
		flags: descFlagNext,
		next:  uint16(data),
	}
	m.descTX[data] = virtqDesc{
		addr: physAddr(unsafe.Pointer(&m.txBufs[data])),
		len:  uint32(n),
	}

	m.availTX.ring[m.availTX.idx%QueueSize] = uint16(h)
	memFence()
	m.availTX.idx++
	memFence()
	d.regs.Write32(regQueueNotify, txQueue)
	return nil
}

// handleUsed drains both used rings: received frames are copied into fresh
// owned buffers and their slots immediately re-armed; completed transmit
// chains are freed.
//
// Preconditions: d.mu is held.
func (d *Driver) handleUsed() [][]byte {
	m := d.mem
	var frames [][]byte

	for d.usedIdxRX != loadUsedIdx(&m.usedRX.idx) {
		elem := m.usedRX.ring[d.usedIdxRX%QueueSize]
		d.usedIdxRX++
		slot := int(elem.id)
		if slot >= QueueSize {
			d.stack.Logger().WithField("id", slot).Warn("virtio-net: invalid RX descriptor id")
			continue
		}
		if total := int(elem.len); total > virtioNetHdrSize && total <= bufferSize {
			frame := make([]byte, total-virtioNetHdrSize)
			copy(frame, m.rxBufs[slot][virtioNetHdrSize:total])
			frames = append(frames, frame)
		}
		d.postRX(slot)
	}

	for d.usedIdxTX != loadUsedIdx(&m.usedTX.idx) {
		elem := m.usedTX.ring[d.usedIdxTX%QueueSize]
		d.usedIdxTX++
		slot := int(elem.id)
		if slot >= QueueSize {
			d.stack.Logger().WithField("id", slot).Warn("virtio-net: invalid TX descriptor id")
			continue
		}
		d.freeChainTX(slot)
	}

	return frames
}

// Poll implements stack.LinkDriver.Poll. It drains the used rings under
// the driver lock, then dispatches the copied frames up the stack with the
// lock released.
func (d *Driver) Poll() {
	d.mu.Lock()
	frames := d.handleUsed()
	d.mu.Unlock()

	for _, f := range frames {
		d.stack.DeliverInboundFrame(d.dev, f)
	}
}

// Intr is the interrupt service routine: acknowledge the interrupt bits,
// then run the receive poll.
func (d *Driver) Intr() {
	status := d.regs.Read32(regInterruptStatus)
	d.regs.Write32(regInterruptAck, status&intrAckMask)
	d.Poll()
}
