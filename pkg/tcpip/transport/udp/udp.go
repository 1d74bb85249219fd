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

// Package udp implements the UDP transport: the fixed-capacity protocol
// control block table, ephemeral port allocation, the pseudo-header
// checksum and per-PCB receive queues. Receives are non-blocking; waiting
// is the caller's business.
package udp

import (
	"sync"

	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/network/ipv4"
	"rvkern.dev/rvkern/pkg/tcpip/ports"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

// ProtocolNumber is the UDP protocol number.
const ProtocolNumber = header.UDPProtocolNumber

// PCBCount is the capacity of the PCB table.
const PCBCount = 16

// pcbState is the lifecycle state of one table slot.
type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
)

// Datagram is one received datagram queued on a PCB.
type Datagram struct {
	// Foreign is the sender's endpoint.
	Foreign tcpip.FullAddress

	// Payload is the datagram payload.
	Payload []byte
}

type pcb struct {
	state pcbState
	local tcpip.FullAddress
	queue []Datagram
}

// Protocol is the UDP transport bound to one stack: the PCB table and the
// ephemeral port cursor, serialised under one mutex so reserving a port is
// atomic with recording it.
type Protocol struct {
	stack *stack.Stack
	ip    *ipv4.Protocol

	mu    sync.Mutex
	pcbs  [PCBCount]pcb
	ports *ports.Allocator
}

// NewProtocol creates the UDP transport and registers its input handler.
func NewProtocol(s *stack.Stack, ip *ipv4.Protocol) *Protocol {
	p := &Protocol{
		stack: s,
		ip:    ip,
		ports: ports.NewAllocator(),
	}
	s.RegisterTransportProtocol(ProtocolNumber, p.input)
	return p
}

// Alloc opens the lowest-index free PCB and returns its index.
func (p *Protocol) Alloc() (int, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pcbs {
		if p.pcbs[i].state == pcbFree {
			p.pcbs[i] = pcb{state: pcbOpen}
			return i, nil
		}
	}
	return 0, tcpip.ErrNoPcbAvailable
}

// Release returns a non-free PCB to the free state, dropping anything
// still queued on it.
func (p *Protocol) Release(index int) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= PCBCount {
		return tcpip.ErrInvalidPcbIndex
	}
	if p.pcbs[index].state == pcbFree {
		return tcpip.ErrInvalidPcbIndex
	}
	p.pcbs[index] = pcb{state: pcbFree}
	return nil
}

func (p *Protocol) openPCB(index int) (*pcb, *tcpip.Error) {
	if index < 0 || index >= PCBCount {
		return nil, tcpip.ErrInvalidPcbIndex
	}
	b := &p.pcbs[index]
	if b.state != pcbOpen {
		return nil, tcpip.ErrInvalidPcbState
	}
	return b, nil
}

// Bind binds an open PCB to a local endpoint. A zero port requests an
// ephemeral one. A specific port is refused while any other open PCB holds
// the same port with an overlapping address: either side wildcard, or
// equal addresses.
func (p *Protocol) Bind(index int, local tcpip.FullAddress) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.openPCB(index)
	if err != nil {
		return err
	}

	if local.Port != 0 {
		for i := range p.pcbs {
			other := &p.pcbs[i]
			if i == index || other.state != pcbOpen || other.local.Port != local.Port {
				continue
			}
			if other.local.Addr.Unspecified() || local.Addr.Unspecified() || other.local.Addr == local.Addr {
				return tcpip.ErrPortInUse
			}
		}
	} else {
		port, err := p.ports.PickEphemeral(func(port uint16) bool {
			for i := range p.pcbs {
				if i != index && p.pcbs[i].state == pcbOpen && p.pcbs[i].local.Port == port {
					return true
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		local.Port = port
	}

	b.local = local
	return nil
}

// LocalAddress returns the bound endpoint of an open PCB.
func (p *Protocol) LocalAddress(index int) (tcpip.FullAddress, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.openPCB(index)
	if err != nil {
		return tcpip.FullAddress{}, err
	}
	return b.local, nil
}

// SendTo sends one datagram from an open PCB. A wildcard local address is
// filled by the IPv4 source-selection policy for the destination.
func (p *Protocol) SendTo(index int, dst tcpip.FullAddress, data []byte) *tcpip.Error {
	p.mu.Lock()
	b, err := p.openPCB(index)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	src := b.local
	p.mu.Unlock()

	total := header.UDPMinimumSize + len(data)
	if total > header.UDPMaximumSize {
		return tcpip.ErrPacketTooLarge
	}

	srcAddr := src.Addr
	if srcAddr.Unspecified() {
		if srcAddr, err = p.ip.SourceAddressFor(dst.Addr); err != nil {
			return err
		}
	}

	pkt := make([]byte, total)
	h := header.UDP(pkt)
	h.Encode(&header.UDPFields{
		SrcPort: src.Port,
		DstPort: dst.Port,
		Length:  uint16(total),
	})
	copy(h.Payload(), data)

	xsum := header.UDPChecksum(srcAddr, dst.Addr, pkt)
	if xsum == 0 {
		// A computed zero travels as all-ones; zero on the wire means
		// "no checksum".
		xsum = 0xffff
	}
	h.SetChecksum(xsum)

	p.stack.Logger().WithFields(logrus.Fields{
		"src": tcpip.FullAddress{Addr: srcAddr, Port: src.Port}.String(),
		"dst": dst.String(),
		"len": total,
	}).Debug("udp: send")

	return p.ip.OutputRouted(dst.Addr, ProtocolNumber, pkt)
}

// RecvFrom pops the head of an open PCB's receive queue into buf. An empty
// queue reports WouldBlock. Bytes past len(buf) are dropped.
func (p *Protocol) RecvFrom(index int, buf []byte) (int, tcpip.FullAddress, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.openPCB(index)
	if err != nil {
		return 0, tcpip.FullAddress{}, err
	}
	if len(b.queue) == 0 {
		return 0, tcpip.FullAddress{}, tcpip.ErrWouldBlock
	}
	d := b.queue[0]
	b.queue = b.queue[1:]

	n := copy(buf, d.Payload)
	return n, d.Foreign, nil
}

// input handles one inbound UDP packet.
func (p *Protocol) input(src, dst tcpip.Address, pkt []byte) *tcpip.Error {
	if len(pkt) < header.UDPMinimumSize {
		return tcpip.ErrPacketTooShort
	}
	h := header.UDP(pkt)
	length := int(h.Length())
	if length < header.UDPMinimumSize || length > len(pkt) {
		return tcpip.ErrInvalidLength
	}
	pkt = pkt[:length]
	if !header.UDPChecksumValid(src, dst, pkt) {
		p.stack.Stats().ChecksumErrors.Increment()
		return tcpip.ErrChecksumError
	}

	srcPort := h.SourcePort()
	dstPort := h.DestinationPort()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pcbs {
		b := &p.pcbs[i]
		if b.state != pcbOpen || b.local.Port != dstPort {
			continue
		}
		if !b.local.Addr.Unspecified() && b.local.Addr != dst {
			continue
		}
		b.queue = append(b.queue, Datagram{
			Foreign: tcpip.FullAddress{Addr: src, Port: srcPort},
			Payload: append([]byte(nil), h.Payload()...),
		})
		return nil
	}
	return tcpip.ErrNoMatchingPcb
}
