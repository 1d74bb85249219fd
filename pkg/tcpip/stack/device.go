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
	"sync"

	"rvkern.dev/rvkern/pkg/tcpip"
)

// DeviceKind is the link-layer kind of a network device.
type DeviceKind int

// Kinds of network devices.
const (
	DeviceKindLoopback DeviceKind = iota
	DeviceKindEthernet
)

// DeviceFlags is the flag set of a network device.
type DeviceFlags uint16

// Flags a device may carry.
const (
	DeviceFlagUp        DeviceFlags = 0x0001
	DeviceFlagBroadcast DeviceFlags = 0x0002
	DeviceFlagLoopback  DeviceFlags = 0x0008
	DeviceFlagRunning   DeviceFlags = 0x0040
)

// Contains returns true if every bit of other is set in f.
func (f DeviceFlags) Contains(other DeviceFlags) bool {
	return f&other == other
}

// deviceNameMax bounds device names; longer names are truncated at
// construction, matching the fixed name field of the boot-time device table.
const deviceNameMax = 15

// A LinkDriver is the device-specific half of a Device: the three operation
// hooks plus the RX poll used by blocking waiters.
type LinkDriver interface {
	// Attach gives the driver its device record and the stack to deliver
	// inbound traffic to. It is called exactly once, at registration.
	Attach(dev *Device, s *Stack)

	// Transmit queues one link-layer frame for transmission. It must be
	// callable without any stack lock held.
	Transmit(frame []byte) *tcpip.Error

	// Open readies the device and raises its flags.
	Open() *tcpip.Error

	// Close stops the device.
	Close() *tcpip.Error

	// Poll drains any pending receive work, delivering frames up the
	// stack. It is idempotent and safe to call from the interrupt path
	// and from blocking waiters.
	Poll()
}

// An Interface is an address binding attached to a device.
type Interface struct {
	// Addr is the unicast IPv4 address.
	Addr tcpip.Address

	// Netmask is the interface netmask.
	Netmask tcpip.AddressMask

	// Broadcast is addr|^netmask, fixed at attach time.
	Broadcast tcpip.Address
}

// NewInterface builds an Interface, deriving its broadcast address.
func NewInterface(addr tcpip.Address, mask tcpip.AddressMask) Interface {
	sub := tcpip.NewSubnet(addr, mask)
	return Interface{Addr: addr, Netmask: mask, Broadcast: sub.Broadcast()}
}

// Device is a network device. Constructed at boot, registered once into the
// stack's device list, never destroyed. All fields except flags and the
// interface list are immutable after registration, which is what lets the
// ARP and IP output paths use a device without holding the list lock.
type Device struct {
	name      string
	kind      DeviceKind
	mtu       uint16
	headerLen uint16
	addrLen   uint16
	hwAddr    tcpip.LinkAddress
	driver    LinkDriver

	mu         sync.Mutex
	flags      DeviceFlags
	interfaces []Interface
}

// DeviceOptions collects the constructor arguments of a Device.
type DeviceOptions struct {
	Name      string
	Kind      DeviceKind
	MTU       uint16
	Flags     DeviceFlags
	HeaderLen uint16
	AddrLen   uint16
	HWAddr    tcpip.LinkAddress
	Driver    LinkDriver
}

// NewDevice constructs a Device. Names longer than 15 bytes are truncated.
func NewDevice(opts DeviceOptions) *Device {
	name := opts.Name
	if len(name) > deviceNameMax {
		name = name[:deviceNameMax]
	}
	return &Device{
		name:      name,
		kind:      opts.Kind,
		mtu:       opts.MTU,
		headerLen: opts.HeaderLen,
		addrLen:   opts.AddrLen,
		hwAddr:    opts.HWAddr,
		driver:    opts.Driver,
		flags:     opts.Flags,
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Kind returns the device kind.
func (d *Device) Kind() DeviceKind { return d.kind }

// MTU returns the device MTU.
func (d *Device) MTU() uint16 { return d.mtu }

// HeaderLen returns the link-layer header length.
func (d *Device) HeaderLen() uint16 { return d.headerLen }

// LinkAddress returns the hardware address of the device.
func (d *Device) LinkAddress() tcpip.LinkAddress { return d.hwAddr }

// Flags returns the current flag set.
func (d *Device) Flags() DeviceFlags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// SetFlags replaces the flag set.
func (d *Device) SetFlags(f DeviceFlags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags = f
}

// RaiseFlags sets the given bits.
func (d *Device) RaiseFlags(f DeviceFlags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags |= f
}

// ClearFlags clears the given bits.
func (d *Device) ClearFlags(f DeviceFlags) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags &^= f
}

// IsUp returns true if the device has the UP flag.
func (d *Device) IsUp() bool {
	return d.Flags().Contains(DeviceFlagUp)
}

// AddInterface attaches an address binding to the device.
func (d *Device) AddInterface(ifc Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interfaces = append(d.interfaces, ifc)
}

// Interfaces returns a snapshot of the attached interfaces in attach order.
func (d *Device) Interfaces() []Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	ifcs := make([]Interface, len(d.interfaces))
	copy(ifcs, d.interfaces)
	return ifcs
}

// InterfaceByAddr returns the attached interface holding addr.
func (d *Device) InterfaceByAddr(addr tcpip.Address) (Interface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ifc := range d.interfaces {
		if ifc.Addr == addr {
			return ifc, true
		}
	}
	return Interface{}, false
}

// Transmit hands one frame to the driver.
func (d *Device) Transmit(frame []byte) *tcpip.Error {
	return d.driver.Transmit(frame)
}

// Open opens the underlying driver.
func (d *Device) Open() *tcpip.Error { return d.driver.Open() }

// Close closes the underlying driver.
func (d *Device) Close() *tcpip.Error { return d.driver.Close() }

// Poll drains the driver's pending receive work.
func (d *Device) Poll() { d.driver.Poll() }
