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

// Package arp implements the ARP protocol: IPv4-to-MAC resolution with
// blocking waiters, and answering requests for our own addresses. Entries
// never expire; a newer reply replaces an entry in place.
package arp

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

// ProtocolNumber is the ARP protocol number.
const ProtocolNumber = header.ARPProtocolNumber

type entry struct {
	addr  tcpip.Address
	mac   tcpip.LinkAddress
	valid bool
}

// Protocol is the ARP protocol state: the translation cache and the
// request/reply machinery. One instance is registered into the stack at
// boot.
type Protocol struct {
	stack *stack.Stack

	mu      sync.Mutex
	entries []entry

	// resolving collapses concurrent resolutions of the same next-hop
	// into one wire request; every waiter still runs its own bounded
	// poll loop.
	resolving singleflight.Group
}

// NewProtocol creates the ARP protocol and registers its input handler.
func NewProtocol(s *stack.Stack) *Protocol {
	p := &Protocol{stack: s}
	s.RegisterNetworkProtocol(ProtocolNumber, p.input)
	return p
}

// Lookup returns the cached MAC for addr.
func (p *Protocol) Lookup(addr tcpip.Address) (tcpip.LinkAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].valid && p.entries[i].addr == addr {
			return p.entries[i].mac, true
		}
	}
	return "", false
}

// insert upserts a translation. An existing entry for addr is replaced in
// place, so a newer reply wins.
func (p *Protocol) insert(addr tcpip.Address, mac tcpip.LinkAddress) {
	p.mu.Lock()
	for i := range p.entries {
		if p.entries[i].addr == addr {
			p.entries[i].mac = mac
			p.entries[i].valid = true
			p.mu.Unlock()
			return
		}
	}
	p.entries = append(p.entries, entry{addr: addr, mac: mac, valid: true})
	p.mu.Unlock()

	p.stack.Logger().WithFields(logrus.Fields{
		"addr": addr.String(),
		"mac":  mac.String(),
	}).Debug("arp: insert")
}

// input handles one inbound ARP packet.
func (p *Protocol) input(dev *stack.Device, pkt []byte) *tcpip.Error {
	h := header.ARP(pkt)
	if !h.IsValid() {
		if len(pkt) < header.ARPSize {
			return tcpip.ErrPacketTooShort
		}
		return tcpip.ErrUnsupportedProtocol
	}

	senderIP := h.SenderProtocolAddress()
	senderMAC := h.SenderHardwareAddress()

	switch h.Op() {
	case header.ARPReply:
		p.insert(senderIP, senderMAC)
		return nil

	case header.ARPRequest:
		ifc, ok := dev.InterfaceByAddr(h.TargetProtocolAddress())
		if !ok {
			// Not for us; nothing useful to answer.
			return nil
		}
		return p.sendReply(dev, senderMAC, senderIP, ifc.Addr)

	default:
		return tcpip.ErrUnsupportedProtocol
	}
}

// sendReply answers a request for addr with our MAC, unicast back to the
// requester.
func (p *Protocol) sendReply(dev *stack.Device, dstMAC tcpip.LinkAddress, dstIP, srcIP tcpip.Address) *tcpip.Error {
	var buf [header.ARPSize]byte
	header.ARP(buf[:]).Encode(&header.ARPFields{
		Op:                    header.ARPReply,
		SenderHardwareAddress: dev.LinkAddress(),
		SenderProtocolAddress: srcIP,
		TargetHardwareAddress: dstMAC,
		TargetProtocolAddress: dstIP,
	})
	return p.stack.WriteEthernetFrame(dev, dstMAC, ProtocolNumber, buf[:])
}

// sendRequest broadcasts a who-has request for target. The target hardware
// address is what is being asked for and stays zero.
func (p *Protocol) sendRequest(dev *stack.Device, target, sender tcpip.Address) *tcpip.Error {
	var buf [header.ARPSize]byte
	header.ARP(buf[:]).Encode(&header.ARPFields{
		Op:                    header.ARPRequest,
		SenderHardwareAddress: dev.LinkAddress(),
		SenderProtocolAddress: sender,
		TargetProtocolAddress: target,
	})
	return p.stack.WriteEthernetFrame(dev, tcpip.BroadcastMAC, ProtocolNumber, buf[:])
}

type resolveResult struct {
	mac tcpip.LinkAddress
	err *tcpip.Error
}

// Resolve returns the MAC for target, sending a broadcast request on the
// named device and waiting up to timeoutTicks for the reply. The wait is a
// poll loop: drain the device's RX ring, re-check the cache, yield. The
// first reply to arrive wins any race with the timeout check.
func (p *Protocol) Resolve(devName string, target, sender tcpip.Address, timeoutTicks uint64) (tcpip.LinkAddress, *tcpip.Error) {
	if mac, ok := p.Lookup(target); ok {
		return mac, nil
	}

	dev, err := p.stack.FindDevice(devName)
	if err != nil {
		return "", err
	}
	if !dev.IsUp() {
		return "", tcpip.ErrNotConnected
	}

	v, _, _ := p.resolving.Do(string(target), func() (interface{}, error) {
		mac, err := p.resolve(dev, target, sender, timeoutTicks)
		return resolveResult{mac, err}, nil
	})
	r := v.(resolveResult)
	return r.mac, r.err
}

func (p *Protocol) resolve(dev *stack.Device, target, sender tcpip.Address, timeoutTicks uint64) (tcpip.LinkAddress, *tcpip.Error) {
	p.stack.Logger().WithFields(logrus.Fields{
		"target": target.String(),
		"sender": sender.String(),
		"dev":    dev.Name(),
	}).Debug("arp: send request")

	if err := p.sendRequest(dev, target, sender); err != nil {
		return "", err
	}

	clock := p.stack.Clock()
	start := clock.Ticks()
	for {
		dev.Poll()
		if mac, ok := p.Lookup(target); ok {
			return mac, nil
		}
		if clock.Ticks()-start > timeoutTicks {
			p.stack.Logger().WithField("target", target.String()).Debug("arp: timeout waiting for reply")
			return "", tcpip.ErrTimeout
		}
		p.stack.Yield()
	}
}
