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

// Package sysnet is the syscall edge of the network stack: boot-time
// wiring of the protocol layers and devices, and the numbered system
// calls with their user-memory marshalling.
package sysnet

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/dns"
	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/link/loopback"
	"rvkern.dev/rvkern/pkg/tcpip/link/virtio"
	"rvkern.dev/rvkern/pkg/tcpip/network/arp"
	"rvkern.dev/rvkern/pkg/tcpip/network/ipv4"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
	"rvkern.dev/rvkern/pkg/tcpip/transport/icmp"
	"rvkern.dev/rvkern/pkg/tcpip/transport/udp"
)

// Static guest addressing.
var (
	guestAddr    = tcpip.AddrFrom4(192, 0, 2, 2)
	guestMask    = tcpip.MaskFromPrefix(24)
	guestGateway = tcpip.AddrFrom4(192, 0, 2, 1)

	loopbackAddr = tcpip.IPv4Loopback
	loopbackMask = tcpip.MaskFromPrefix(8)
)

// Netstack bundles the booted stack and its protocol layers. One instance
// exists per kernel, created by Init during boot.
type Netstack struct {
	Stack    *stack.Stack
	ARP      *arp.Protocol
	IP       *ipv4.Protocol
	ICMP     *icmp.Protocol
	UDP      *udp.Protocol
	Resolver *dns.Resolver

	virtioDrv *virtio.Driver
}

// Config configures Init.
type Config struct {
	// Clock is the kernel tick counter. Defaults to a host clock.
	Clock tcpip.Clock

	// Sched is the kernel yield hook. Defaults to the Go scheduler.
	Sched tcpip.Scheduler

	// Logger receives stack diagnostics.
	Logger *logrus.Logger

	// VirtioRegs is the register window of the virtio-net device. Nil
	// leaves the kernel with only the loopback device.
	VirtioRegs virtio.RegisterBlock
}

// Init brings up the network stack: protocol layers first, then the
// loopback device and its route, then virtio-net and its static routes.
func Init(cfg Config) (*Netstack, *tcpip.Error) {
	if cfg.Clock == nil {
		cfg.Clock = NewHostClock()
	}
	if cfg.Sched == nil {
		cfg.Sched = HostScheduler{}
	}

	s := stack.New(stack.Options{
		Clock:  cfg.Clock,
		Sched:  cfg.Sched,
		Logger: cfg.Logger,
	})

	ns := &Netstack{Stack: s}
	ns.ARP = arp.NewProtocol(s)
	ns.IP = ipv4.NewProtocol(s, ns.ARP)
	ns.ICMP = icmp.NewProtocol(s, ns.IP)
	ns.UDP = udp.NewProtocol(s, ns.IP)
	ns.Resolver = dns.NewResolver(s, ns.UDP)

	lo := loopback.NewDevice()
	s.RegisterDevice(lo)
	if err := lo.Open(); err != nil {
		return nil, err
	}
	lo.AddInterface(stack.NewInterface(loopbackAddr, loopbackMask))
	if err := s.AddRoute(stack.Route{
		Destination: tcpip.NewSubnet(loopbackAddr, loopbackMask),
		Device:      lo.Name(),
	}); err != nil {
		return nil, err
	}

	if cfg.VirtioRegs != nil {
		drv, err := virtio.New(cfg.VirtioRegs)
		if err != nil {
			return nil, err
		}
		ns.virtioDrv = drv
		eth := virtio.NewDevice(drv)
		s.RegisterDevice(eth)
		if err := eth.Open(); err != nil {
			return nil, err
		}
		eth.AddInterface(stack.NewInterface(guestAddr, guestMask))
		if err := s.AddRoute(stack.Route{
			Destination: tcpip.NewSubnet(guestAddr, guestMask),
			Device:      eth.Name(),
		}); err != nil {
			return nil, err
		}
		if err := s.AddRoute(stack.Route{
			Destination: tcpip.NewSubnet(tcpip.IPv4Any, tcpip.MaskFromPrefix(0)),
			Gateway:     guestGateway,
			Device:      eth.Name(),
		}); err != nil {
			return nil, err
		}
	}

	s.Logger().Info("net: stack initialized")
	return ns, nil
}

// HandleIRQ is the virtio-net interrupt entry point.
func (ns *Netstack) HandleIRQ() {
	if ns.virtioDrv != nil {
		ns.virtioDrv.Intr()
	}
}

// hostClock derives ticks from wall time. It stands in for the trap
// handler's tick counter when the stack runs as a host process.
type hostClock struct {
	start time.Time
}

// NewHostClock returns a Clock ticking in real time.
func NewHostClock() tcpip.Clock {
	return &hostClock{start: time.Now()}
}

// Ticks implements tcpip.Clock.Ticks.
func (c *hostClock) Ticks() uint64 {
	return uint64(time.Since(c.start) / tcpip.TickDuration)
}

// HostScheduler yields to the Go runtime scheduler.
type HostScheduler struct{}

// Yield implements tcpip.Scheduler.Yield.
func (HostScheduler) Yield() {
	runtime.Gosched()
}
