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

// Package ipv4 implements the IPv4 layer: header build and parse, the
// routed output path with source selection and next-hop resolution, and
// ingress demux to the transport protocols.
package ipv4

import (
	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/network/arp"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

// ProtocolNumber is the IPv4 protocol number.
const ProtocolNumber = header.IPv4ProtocolNumber

// resolveTimeoutTicks bounds the ARP wait on the output path to one
// second's worth of ticks.
const resolveTimeoutTicks = uint64(1000) / tcpip.TickMillis

// Protocol is the IPv4 layer bound to one stack.
type Protocol struct {
	stack *stack.Stack
	arp   *arp.Protocol
}

// NewProtocol creates the IPv4 layer and registers its input handler.
func NewProtocol(s *stack.Stack, a *arp.Protocol) *Protocol {
	p := &Protocol{stack: s, arp: a}
	s.RegisterNetworkProtocol(ProtocolNumber, p.input)
	return p
}

// input validates one inbound IPv4 packet and demuxes it on its protocol
// field. The payload handed up is data[ihl:totalLen]; trailing link-layer
// padding is discarded.
func (p *Protocol) input(dev *stack.Device, pkt []byte) *tcpip.Error {
	if len(pkt) < header.IPv4MinimumSize {
		return tcpip.ErrPacketTooShort
	}
	h := header.IPv4(pkt)
	if header.IPVersion(pkt) != header.IPv4Version {
		return tcpip.ErrInvalidVersion
	}
	hlen := int(h.HeaderLength())
	tlen := int(h.TotalLength())
	if hlen < header.IPv4MinimumSize || hlen > tlen {
		return tcpip.ErrInvalidHeaderLen
	}
	if tlen > len(pkt) {
		return tcpip.ErrPacketTruncated
	}
	if !h.IsChecksumValid() {
		p.stack.Stats().ChecksumErrors.Increment()
		return tcpip.ErrChecksumError
	}

	src := h.SourceAddress()
	dst := h.DestinationAddress()
	payload := pkt[hlen:tlen]

	p.stack.Logger().WithFields(logrus.Fields{
		"dev":   dev.Name(),
		"src":   src.String(),
		"dst":   dst.String(),
		"proto": h.Protocol(),
		"len":   tlen,
	}).Debug("ipv4: input")

	switch proto := tcpip.TransportProtocolNumber(h.Protocol()); proto {
	case header.ICMPv4ProtocolNumber, header.UDPProtocolNumber:
		return p.stack.DeliverTransportPacket(proto, src, dst, payload)
	default:
		return tcpip.ErrUnsupportedProtocol
	}
}

// buildPacket prepends an IPv4 header to payload, filling in the header
// checksum.
func buildPacket(src, dst tcpip.Address, proto tcpip.TransportProtocolNumber, payload []byte) ([]byte, *tcpip.Error) {
	total := header.IPv4MinimumSize + len(payload)
	if total > header.IPv4MaximumPacketSize {
		return nil, tcpip.ErrPacketTooLarge
	}
	pkt := make([]byte, total)
	h := header.IPv4(pkt)
	h.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         header.IPv4DefaultTTL,
		Protocol:    uint8(proto),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	h.SetChecksum(^h.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)
	return pkt, nil
}

// Output builds an IPv4 packet and transmits it on dev to the given
// link-layer destination. Loopback devices take the packet unframed.
func (p *Protocol) Output(dev *stack.Device, dstMAC tcpip.LinkAddress, src, dst tcpip.Address, proto tcpip.TransportProtocolNumber, payload []byte) *tcpip.Error {
	pkt, err := buildPacket(src, dst, proto, payload)
	if err != nil {
		return err
	}
	if dev.Kind() == stack.DeviceKindLoopback {
		return p.stack.SendLoopback(dev, pkt)
	}
	return p.stack.WriteEthernetFrame(dev, dstMAC, ProtocolNumber, pkt)
}

// SourceAddressOn picks the source address for packets leaving dev toward
// dst: the attached interface whose subnet covers dst, else the first
// attached interface.
func SourceAddressOn(dev *stack.Device, dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	ifcs := dev.Interfaces()
	if len(ifcs) == 0 {
		return "", tcpip.ErrNoSuchNode
	}
	for _, ifc := range ifcs {
		sub := tcpip.NewSubnet(ifc.Addr, ifc.Netmask)
		if sub.Contains(dst) {
			return ifc.Addr, nil
		}
	}
	return ifcs[0].Addr, nil
}

// SourceAddressFor picks the source address the routed output path would
// use for dst. It is what the transports use to fill a wildcard local
// address.
func (p *Protocol) SourceAddressFor(dst tcpip.Address) (tcpip.Address, *tcpip.Error) {
	if dst == tcpip.IPv4Loopback {
		return tcpip.IPv4Loopback, nil
	}
	r, err := p.stack.FindRoute(dst)
	if err != nil {
		return "", err
	}
	dev, err := p.stack.FindDevice(r.Device)
	if err != nil {
		return "", err
	}
	return SourceAddressOn(dev, dst)
}

// OutputRouted builds an IPv4 packet for dst and sends it out the routed
// device, resolving the next hop with ARP when the route is not loopback.
func (p *Protocol) OutputRouted(dst tcpip.Address, proto tcpip.TransportProtocolNumber, payload []byte) *tcpip.Error {
	if dst == tcpip.IPv4Loopback {
		dev, err := p.stack.FindDevice("lo")
		if err != nil {
			return err
		}
		return p.Output(dev, "", tcpip.IPv4Loopback, dst, proto, payload)
	}

	r, err := p.stack.FindRoute(dst)
	if err != nil {
		return err
	}
	dev, err := p.stack.FindDevice(r.Device)
	if err != nil {
		return err
	}
	src, err := SourceAddressOn(dev, dst)
	if err != nil {
		return err
	}

	if dev.Kind() == stack.DeviceKindLoopback {
		return p.Output(dev, "", src, dst, proto, payload)
	}

	nextHop := dst
	if len(r.Gateway) != 0 {
		nextHop = r.Gateway
	}
	mac, err := p.arp.Resolve(dev.Name(), nextHop, src, resolveTimeoutTicks)
	if err != nil {
		return err
	}
	return p.Output(dev, mac, src, dst, proto, payload)
}
