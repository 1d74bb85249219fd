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

// Package stack provides the glue between the link drivers and the protocol
// layers: the process-wide device list, the EtherType and IPv4-protocol
// dispatch tables, the static routing table and the shared kernel hooks
// (tick clock, scheduler yield, logger).
//
// Lock order, outermost first: driver > device list > PCB table > port
// cursor, and driver > device list > ARP table. Every blocking wait in the
// stack releases all long-held locks before yielding.
package stack

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
)

// NetworkDispatcher handles one inbound network-layer packet (the frame
// payload after link-layer framing is removed). Ingress parse failures are
// returned to the caller for accounting but are never propagated past the
// receive path.
type NetworkDispatcher func(dev *Device, pkt []byte) *tcpip.Error

// TransportDispatcher handles one inbound transport-layer packet after the
// IPv4 layer has validated and trimmed it.
type TransportDispatcher func(src, dst tcpip.Address, pkt []byte) *tcpip.Error

// Options configures a Stack.
type Options struct {
	// Clock is the kernel tick counter. Required.
	Clock tcpip.Clock

	// Sched is the kernel yield hook. Required.
	Sched tcpip.Scheduler

	// Logger receives stack diagnostics. Defaults to the standard logrus
	// logger.
	Logger *logrus.Logger
}

// Stack is the networking state of the kernel. All mutable tables hang off
// one Stack value created at boot by New.
type Stack struct {
	clock  tcpip.Clock
	sched  tcpip.Scheduler
	logger *logrus.Logger
	stats  tcpip.Stats

	mu        sync.Mutex
	devices   []*Device
	protocols map[tcpip.NetworkProtocolNumber]NetworkDispatcher

	transMu    sync.Mutex
	transports map[tcpip.TransportProtocolNumber]TransportDispatcher

	routes routeTable

	pollPending atomic.Bool
	pollRunning atomic.Bool
}

// New creates a new networking stack.
func New(opts Options) *Stack {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Stack{
		clock:      opts.Clock,
		sched:      opts.Sched,
		logger:     logger,
		protocols:  make(map[tcpip.NetworkProtocolNumber]NetworkDispatcher),
		transports: make(map[tcpip.TransportProtocolNumber]TransportDispatcher),
	}
}

// Clock returns the kernel tick counter.
func (s *Stack) Clock() tcpip.Clock { return s.clock }

// Yield deschedules the calling task.
func (s *Stack) Yield() { s.sched.Yield() }

// Logger returns the stack logger.
func (s *Stack) Logger() *logrus.Logger { return s.logger }

// Stats returns the stack statistics.
func (s *Stack) Stats() *tcpip.Stats { return &s.stats }

// RegisterDevice adds a device to the process-wide device list and attaches
// its driver.
func (s *Stack) RegisterDevice(dev *Device) {
	dev.driver.Attach(dev, s)
	s.mu.Lock()
	s.devices = append(s.devices, dev)
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"dev": dev.Name(),
		"hw":  dev.LinkAddress().String(),
	}).Info("net: device registered")
}

// FindDevice returns the device with the given name.
func (s *Stack) FindDevice(name string) (*Device, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, tcpip.ErrDeviceNotFound
}

// Devices returns a snapshot of the device list in registration order.
func (s *Stack) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	devs := make([]*Device, len(s.devices))
	copy(devs, s.devices)
	return devs
}

// RegisterNetworkProtocol installs the handler for an EtherType.
func (s *Stack) RegisterNetworkProtocol(n tcpip.NetworkProtocolNumber, d NetworkDispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocols[n] = d
	s.logger.WithField("proto", uint16(n)).Debug("net: protocol registered")
}

// RegisterTransportProtocol installs the handler for an IPv4 protocol
// number.
func (s *Stack) RegisterTransportProtocol(n tcpip.TransportProtocolNumber, d TransportDispatcher) {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	s.transports[n] = d
}

// DeliverTransportPacket demuxes a validated IPv4 payload to its transport
// protocol.
func (s *Stack) DeliverTransportPacket(n tcpip.TransportProtocolNumber, src, dst tcpip.Address, pkt []byte) *tcpip.Error {
	s.transMu.Lock()
	d, ok := s.transports[n]
	s.transMu.Unlock()
	if !ok {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		return tcpip.ErrUnsupportedProtocol
	}
	return d(src, dst, pkt)
}

func (s *Stack) networkDispatcher(n tcpip.NetworkProtocolNumber) (NetworkDispatcher, *tcpip.Error) {
	s.mu.Lock()
	d, ok := s.protocols[n]
	s.mu.Unlock()
	if !ok {
		return nil, tcpip.ErrProtocolNotFound
	}
	return d, nil
}

// DeliverInboundFrame is the ingress entry point for every link driver. On
// a loopback device the payload is already a network-layer packet and goes
// straight to the IPv4 handler; on an ethernet device the frame is parsed
// and demuxed on its EtherType. Errors are accounted and swallowed here:
// nothing on the receive side propagates to the interrupt handler.
func (s *Stack) DeliverInboundFrame(dev *Device, frame []byte) {
	s.stats.PacketsReceived.Increment()
	if err := s.deliverInboundFrame(dev, frame); err != nil {
		s.stats.MalformedRcvdPackets.Increment()
		s.logger.WithFields(logrus.Fields{
			"dev": dev.Name(),
			"err": err.String(),
			"len": len(frame),
		}).Debug("net: inbound frame dropped")
	}
}

func (s *Stack) deliverInboundFrame(dev *Device, frame []byte) *tcpip.Error {
	switch dev.Kind() {
	case DeviceKindLoopback:
		d, err := s.networkDispatcher(header.IPv4ProtocolNumber)
		if err != nil {
			return err
		}
		return d(dev, frame)

	case DeviceKindEthernet:
		if len(frame) < header.EthernetMinimumSize {
			return tcpip.ErrPacketTooShort
		}
		eth := header.Ethernet(frame)
		switch t := eth.Type(); t {
		case header.ARPProtocolNumber, header.IPv4ProtocolNumber:
			d, err := s.networkDispatcher(t)
			if err != nil {
				return err
			}
			return d(dev, eth.Payload())
		default:
			return tcpip.ErrUnsupportedProtocol
		}

	default:
		return tcpip.ErrUnsupportedDevice
	}
}

// WriteEthernetFrame frames payload for dst and transmits it on dev. The
// device must be up.
func (s *Stack) WriteEthernetFrame(dev *Device, dst tcpip.LinkAddress, proto tcpip.NetworkProtocolNumber, payload []byte) *tcpip.Error {
	if !dev.IsUp() {
		return tcpip.ErrNotConnected
	}
	frame := make([]byte, header.EthernetMinimumSize+len(payload))
	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		DstAddr: dst,
		SrcAddr: dev.LinkAddress(),
		Type:    proto,
	})
	copy(eth.Payload(), payload)
	s.stats.PacketsSent.Increment()
	return dev.Transmit(frame)
}

// SendLoopback hands a network-layer packet to a loopback device, which
// will synchronously re-enter DeliverInboundFrame.
func (s *Stack) SendLoopback(dev *Device, pkt []byte) *tcpip.Error {
	if !dev.IsUp() {
		return tcpip.ErrNotConnected
	}
	s.stats.PacketsSent.Increment()
	return dev.Transmit(pkt)
}

// Poll drains receive work on every registered device. Blocking waiters
// call this between deadline checks; it is also the body of the interrupt
// bottom half.
func (s *Stack) Poll() {
	for _, d := range s.Devices() {
		d.Poll()
	}
}

// RequestPoll marks that receive work may be pending. A later
// PollIfPending on any core will run the poll.
func (s *Stack) RequestPoll() {
	s.pollPending.Store(true)
}

// PollIfPending runs Poll if a poll was requested and no other core is
// already polling. Requests that arrive while a poll runs are coalesced
// into one more pass.
func (s *Stack) PollIfPending() {
	if !s.pollPending.Load() {
		return
	}
	if s.pollRunning.Swap(true) {
		return
	}
	for {
		s.pollPending.Store(false)
		s.Poll()
		if !s.pollPending.Load() {
			break
		}
	}
	s.pollRunning.Store(false)
}
