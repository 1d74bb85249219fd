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

// Package icmp implements the ICMP transport: echo request and reply, the
// reply rendezvous queue consumers match by identifier, and propagation of
// destination-unreachable errors onto the original echo's identifier.
package icmp

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/network/ipv4"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
)

// ProtocolNumber is the ICMP protocol number.
const ProtocolNumber = header.ICMPv4ProtocolNumber

// Echo replies we originate are metered so that a request flood cannot
// drive unbounded transmit work.
const (
	replyRateLimit = rate.Limit(1000)
	replyRateBurst = 50
)

// ReplyKind discriminates the records in the reply queue.
type ReplyKind int

// Kinds of reply records.
const (
	ReplyEcho ReplyKind = iota
	ReplyUnreachable
)

// Reply is one record in the reply rendezvous queue.
type Reply struct {
	// Src is the source address of the packet that produced the record.
	Src tcpip.Address

	// ID and Seq identify the echo exchange. For an unreachable record
	// they are taken from the original request quoted in the error.
	ID  uint16
	Seq uint16

	// Payload is the echo payload, or the quoted packet for an
	// unreachable record.
	Payload []byte

	// Kind tells echo replies from unreachable errors apart.
	Kind ReplyKind

	// Code is the unreachable code; zero for echo replies.
	Code byte

	// Timestamp is the arrival tick.
	Timestamp uint64
}

// Protocol is the ICMP transport bound to one stack.
type Protocol struct {
	stack   *stack.Stack
	ip      *ipv4.Protocol
	limiter *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	replies []Reply
}

// NewProtocol creates the ICMP transport and registers its input handler.
func NewProtocol(s *stack.Stack, ip *ipv4.Protocol) *Protocol {
	p := &Protocol{
		stack:   s,
		ip:      ip,
		limiter: rate.NewLimiter(replyRateLimit, replyRateBurst),
	}
	p.cond = sync.NewCond(&p.mu)
	s.RegisterTransportProtocol(ProtocolNumber, p.input)
	return p
}

// input handles one inbound ICMP message.
func (p *Protocol) input(src, dst tcpip.Address, pkt []byte) *tcpip.Error {
	if len(pkt) < header.ICMPv4MinimumSize {
		return tcpip.ErrPacketTooShort
	}
	if !header.ICMPv4ChecksumValid(pkt) {
		p.stack.Stats().ChecksumErrors.Increment()
		return tcpip.ErrChecksumError
	}

	h := header.ICMPv4(pkt)
	switch h.Type() {
	case header.ICMPv4Echo:
		p.stack.Logger().WithFields(logrus.Fields{
			"src": src.String(),
			"id":  h.Ident(),
			"seq": h.Sequence(),
		}).Debug("icmp: echo request")
		if !p.limiter.Allow() {
			p.stack.Stats().RateLimitedReplies.Increment()
			return nil
		}
		return p.EchoReply(src, h.Ident(), h.Sequence(), h.Payload())

	case header.ICMPv4EchoReply:
		p.push(Reply{
			Src:     src,
			ID:      h.Ident(),
			Seq:     h.Sequence(),
			Payload: append([]byte(nil), h.Payload()...),
			Kind:    ReplyEcho,
		})
		return nil

	case header.ICMPv4DstUnreachable:
		id, seq, err := originalEcho(h.Payload())
		if err != nil {
			return err
		}
		p.push(Reply{
			Src:     src,
			ID:      id,
			Seq:     seq,
			Payload: append([]byte(nil), h.Payload()...),
			Kind:    ReplyUnreachable,
			Code:    h.Code(),
		})
		return nil

	default:
		return tcpip.ErrUnsupportedProtocol
	}
}

// originalEcho digs the identifier and sequence of the original echo
// request out of the packet quoted by a destination-unreachable message:
// the inner IPv4 header followed by at least 8 bytes of the inner ICMP
// message.
func originalEcho(quoted []byte) (id, seq uint16, err *tcpip.Error) {
	if len(quoted) < header.IPv4MinimumSize+header.ICMPv4MinimumSize {
		return 0, 0, tcpip.ErrPacketTooShort
	}
	inner := header.IPv4(quoted)
	if tcpip.TransportProtocolNumber(inner.Protocol()) != ProtocolNumber {
		return 0, 0, tcpip.ErrUnsupportedProtocol
	}
	hlen := int(inner.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(quoted) < hlen+header.ICMPv4MinimumSize {
		return 0, 0, tcpip.ErrPacketTooShort
	}
	echo := header.ICMPv4(quoted[hlen:])
	return echo.Ident(), echo.Sequence(), nil
}

// push appends one record to the reply queue and wakes all waiters.
func (p *Protocol) push(r Reply) {
	p.mu.Lock()
	r.Timestamp = p.stack.Clock().Ticks()
	p.replies = append(p.replies, r)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// takeByID removes and returns the first queued record with the given
// identifier.
func (p *Protocol) takeByID(id uint16) (Reply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.replies {
		if p.replies[i].ID == id {
			r := p.replies[i]
			p.replies = append(p.replies[:i], p.replies[i+1:]...)
			return r, true
		}
	}
	return Reply{}, false
}

// buildEcho assembles an echo message of the given type and fills its
// checksum.
func buildEcho(t header.ICMPv4Type, id, seq uint16, payload []byte) []byte {
	pkt := make([]byte, header.ICMPv4MinimumSize+len(payload))
	h := header.ICMPv4(pkt)
	h.SetType(t)
	h.SetIdent(id)
	h.SetSequence(seq)
	copy(h.Payload(), payload)
	h.SetChecksum(header.ICMPv4Checksum(pkt))
	return pkt
}

// EchoRequest sends an echo request via the routed output path.
func (p *Protocol) EchoRequest(dst tcpip.Address, id, seq uint16, payload []byte) *tcpip.Error {
	p.stack.Logger().WithFields(logrus.Fields{
		"dst": dst.String(),
		"id":  id,
		"seq": seq,
	}).Debug("icmp: echo request out")
	return p.ip.OutputRouted(dst, ProtocolNumber, buildEcho(header.ICMPv4Echo, id, seq, payload))
}

// EchoReply answers an echo request, routed like any other packet.
func (p *Protocol) EchoReply(dst tcpip.Address, id, seq uint16, payload []byte) *tcpip.Error {
	return p.ip.OutputRouted(dst, ProtocolNumber, buildEcho(header.ICMPv4EchoReply, id, seq, payload))
}

// RecvReply waits for a reply record matching id. The wait polls receive
// work, scans the queue and yields, bounded by a deadline of
// ceil(timeoutMS / tick period) ticks.
func (p *Protocol) RecvReply(id uint16, timeoutMS uint64) (Reply, *tcpip.Error) {
	clock := p.stack.Clock()
	start := clock.Ticks()
	timeoutTicks := (timeoutMS + tcpip.TickMillis - 1) / tcpip.TickMillis

	for {
		p.stack.Poll()
		if r, ok := p.takeByID(id); ok {
			return r, nil
		}
		if clock.Ticks()-start >= timeoutTicks {
			return Reply{}, tcpip.ErrTimeout
		}
		p.stack.Yield()
	}
}
