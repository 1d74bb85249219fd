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

// Package dns implements the stub resolver: one A/IN query to the
// configured upstream over an ephemerally bound UDP PCB, a bounded poll
// loop for the response, and extraction of the first A record.
package dns

import (
	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
	"rvkern.dev/rvkern/pkg/tcpip/transport/udp"
)

const (
	// DefaultServerAddr and DefaultServerPort name the upstream resolver.
	DefaultServerAddr = "\x08\x08\x08\x08" // 8.8.8.8
	DefaultServerPort = 53

	// queryID is the fixed transaction id carried by every query.
	// TODO: randomise the id and reject responses that do not echo it.
	queryID = 0x1234

	// maxAttempts bounds the receive poll loop.
	maxAttempts = 100

	// responseBufSize is the receive buffer; plain UDP DNS responses fit
	// in 512 bytes per RFC 1035.
	responseBufSize = 512
)

// Resolver issues queries through one stack's UDP transport.
type Resolver struct {
	stack *stack.Stack
	udp   *udp.Protocol

	// Server is the upstream endpoint. Defaults to 8.8.8.8:53.
	Server tcpip.FullAddress
}

// NewResolver creates a Resolver bound to the given transports.
func NewResolver(s *stack.Stack, u *udp.Protocol) *Resolver {
	return &Resolver{
		stack: s,
		udp:   u,
		Server: tcpip.FullAddress{
			Addr: tcpip.Address(DefaultServerAddr),
			Port: DefaultServerPort,
		},
	}
}

// buildQuery frames one standard A/IN query for name.
func buildQuery(name string, id uint16) ([]byte, *tcpip.Error) {
	msg := make([]byte, header.DNSMinimumSize, header.DNSMinimumSize+len(name)+2+4)
	header.DNS(msg).Encode(&header.DNSFields{
		ID:      id,
		Flags:   header.DNSFlagsStandardQuery,
		QDCount: 1,
	})
	msg, err := header.EncodeDNSName(msg, name)
	if err != nil {
		return nil, err
	}
	msg = append(msg, 0, header.DNSTypeA, 0, header.DNSClassIN)
	return msg, nil
}

// parseResponse extracts the first A record of a response message.
func parseResponse(msg []byte) (tcpip.Address, *tcpip.Error) {
	if len(msg) < header.DNSMinimumSize {
		return "", tcpip.ErrPacketTooShort
	}
	h := header.DNS(msg)
	if h.ANCount() == 0 {
		return "", tcpip.ErrNotFound
	}

	off := header.DNSMinimumSize

	// Skip the question section: name then QTYPE/QCLASS.
	for i := 0; i < int(h.QDCount()); i++ {
		next, err := header.SkipDNSName(msg, off)
		if err != nil {
			return "", err
		}
		off = next + 4
		if off > len(msg) {
			return "", tcpip.ErrPacketTruncated
		}
	}

	for i := 0; i < int(h.ANCount()); i++ {
		next, err := header.SkipDNSName(msg, off)
		if err != nil {
			return "", err
		}
		off = next
		if off+10 > len(msg) {
			return "", tcpip.ErrPacketTruncated
		}
		rtype := uint16(msg[off])<<8 | uint16(msg[off+1])
		rclass := uint16(msg[off+2])<<8 | uint16(msg[off+3])
		rdlength := int(msg[off+8])<<8 | int(msg[off+9])
		off += 10

		if rtype == header.DNSTypeA && rclass == header.DNSClassIN && rdlength == tcpip.AddressSize {
			if off+tcpip.AddressSize > len(msg) {
				return "", tcpip.ErrPacketTruncated
			}
			return tcpip.Address(msg[off : off+tcpip.AddressSize]), nil
		}
		off += rdlength
		if off > len(msg) {
			return "", tcpip.ErrPacketTruncated
		}
	}

	return "", tcpip.ErrNotFound
}

// Resolve resolves name to an IPv4 address: bind an ephemeral PCB, send
// one query, poll for the answer yielding a tick between empty attempts,
// and release the PCB on every path out.
func (r *Resolver) Resolve(name string) (tcpip.Address, *tcpip.Error) {
	log := r.stack.Logger().WithFields(logrus.Fields{
		"name":   name,
		"server": r.Server.String(),
	})
	log.Debug("dns: resolving")

	idx, err := r.udp.Alloc()
	if err != nil {
		return "", err
	}
	defer r.udp.Release(idx)

	if err := r.udp.Bind(idx, tcpip.FullAddress{}); err != nil {
		return "", err
	}

	query, err := buildQuery(name, queryID)
	if err != nil {
		return "", err
	}
	if err := r.udp.SendTo(idx, r.Server, query); err != nil {
		return "", err
	}

	buf := make([]byte, responseBufSize)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		r.stack.Poll()

		n, from, err := r.udp.RecvFrom(idx, buf)
		switch err {
		case nil:
		case tcpip.ErrWouldBlock:
			r.sleepTick()
			continue
		default:
			return "", err
		}

		addr, perr := parseResponse(buf[:n])
		if perr != nil {
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"err":  perr.String(),
			}).Debug("dns: bad response")
			if perr == tcpip.ErrNotFound {
				return "", perr
			}
			continue
		}
		log.WithField("addr", addr.String()).Debug("dns: resolved")
		return addr, nil
	}

	return "", tcpip.ErrTimeout
}

// sleepTick yields until at least one tick has elapsed.
func (r *Resolver) sleepTick() {
	clock := r.stack.Clock()
	start := clock.Ticks()
	for clock.Ticks()-start < 1 {
		r.stack.Yield()
	}
}
