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

package sysnet

import (
	"encoding/binary"

	"rvkern.dev/rvkern/pkg/kern/usermem"
	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
	"rvkern.dev/rvkern/pkg/tcpip/transport/icmp"
)

// System call numbers of the network surface.
const (
	SysUDPOpen = 30 + iota
	SysUDPBind
	SysUDPSendTo
	SysUDPRecvFrom
	SysUDPClose
	SysDNSResolve
	SysICMPEchoRequest
	SysICMPRecvReply
	SysClockTime
)

// Marshalling limits.
const (
	maxNameLen    = 255
	maxDatagram   = 0xffff
	maxEchoBuffer = 0xffff
)

// Args are the raw syscall argument registers.
type Args [6]uint64

// Dispatch decodes and runs one network system call against the booted
// stack, copying buffers in and out of user memory. The return value is
// the syscall's result register; errors go back to the trap handler by
// value.
func (ns *Netstack) Dispatch(num int, mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	switch num {
	case SysUDPOpen:
		return ns.udpOpen()
	case SysUDPBind:
		return ns.udpBind(args)
	case SysUDPSendTo:
		return ns.udpSendTo(mem, args)
	case SysUDPRecvFrom:
		return ns.udpRecvFrom(mem, args)
	case SysUDPClose:
		return ns.udpClose(args)
	case SysDNSResolve:
		return ns.dnsResolve(mem, args)
	case SysICMPEchoRequest:
		return ns.icmpEchoRequest(mem, args)
	case SysICMPRecvReply:
		return ns.icmpRecvReply(mem, args)
	case SysClockTime:
		return ns.clockTime()
	default:
		return 0, tcpip.ErrUnsupportedProtocol
	}
}

func (ns *Netstack) udpOpen() (uint64, *tcpip.Error) {
	idx, err := ns.UDP.Alloc()
	if err != nil {
		return 0, err
	}
	return uint64(idx), nil
}

// udpBind(i, addr, port). Addresses cross the boundary as host-order u32.
func (ns *Netstack) udpBind(args Args) (uint64, *tcpip.Error) {
	local := tcpip.FullAddress{
		Addr: tcpip.AddrFromU32(uint32(args[1])),
		Port: uint16(args[2]),
	}
	return 0, ns.UDP.Bind(int(args[0]), local)
}

// udpSendTo(i, dst_addr, dst_port, buf, buf_len).
func (ns *Netstack) udpSendTo(mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	n := int(args[4])
	if n > maxDatagram {
		return 0, tcpip.ErrPacketTooLarge
	}
	buf := make([]byte, n)
	if err := mem.CopyIn(usermem.Addr(args[3]), buf); err != nil {
		return 0, err
	}
	dst := tcpip.FullAddress{
		Addr: tcpip.AddrFromU32(uint32(args[1])),
		Port: uint16(args[2]),
	}
	return 0, ns.UDP.SendTo(int(args[0]), dst, buf)
}

// udpRecvFrom(i, buf_out, buf_len, addr_out, port_out) -> len.
func (ns *Netstack) udpRecvFrom(mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	n := int(args[2])
	if n > maxDatagram {
		n = maxDatagram
	}
	buf := make([]byte, n)
	rcvd, from, err := ns.UDP.RecvFrom(int(args[0]), buf)
	if err != nil {
		return 0, err
	}
	if err := mem.CopyOut(usermem.Addr(args[1]), buf[:rcvd]); err != nil {
		return 0, err
	}
	if args[3] != 0 {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], from.Addr.U32())
		if err := mem.CopyOut(usermem.Addr(args[3]), w[:]); err != nil {
			return 0, err
		}
	}
	if args[4] != 0 {
		var w [2]byte
		binary.LittleEndian.PutUint16(w[:], from.Port)
		if err := mem.CopyOut(usermem.Addr(args[4]), w[:]); err != nil {
			return 0, err
		}
	}
	return uint64(rcvd), nil
}

func (ns *Netstack) udpClose(args Args) (uint64, *tcpip.Error) {
	return 0, ns.UDP.Release(int(args[0]))
}

// dnsResolve(name, addr_out) -> 0.
func (ns *Netstack) dnsResolve(mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	name, err := mem.CopyInString(usermem.Addr(args[0]), maxNameLen)
	if err != nil {
		return 0, err
	}
	addr, err := ns.Resolver.Resolve(name)
	if err != nil {
		return 0, err
	}
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], addr.U32())
	if err := mem.CopyOut(usermem.Addr(args[1]), w[:]); err != nil {
		return 0, err
	}
	return 0, nil
}

// icmpEchoRequest(dst_str, id, seq, payload, payload_len).
func (ns *Netstack) icmpEchoRequest(mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	dstStr, err := mem.CopyInString(usermem.Addr(args[0]), maxNameLen)
	if err != nil {
		return 0, err
	}
	dst := tcpip.ParseAddress(dstStr)
	if dst == "" {
		return 0, tcpip.ErrInvalidAddress
	}
	n := int(args[4])
	if n > maxEchoBuffer {
		return 0, tcpip.ErrPacketTooLarge
	}
	payload := make([]byte, n)
	if err := mem.CopyIn(usermem.Addr(args[3]), payload); err != nil {
		return 0, err
	}
	return 0, ns.ICMP.EchoRequest(dst, uint16(args[1]), uint16(args[2]), payload)
}

// icmpRecvReply(id, timeout_ms, buf_out, buf_len) -> len. The reply is
// copied out as an ICMP message so the caller can read type, code, id and
// sequence the way it would off the wire.
func (ns *Netstack) icmpRecvReply(mem usermem.Memory, args Args) (uint64, *tcpip.Error) {
	reply, err := ns.ICMP.RecvReply(uint16(args[0]), args[1])
	if err != nil {
		return 0, err
	}
	msg := make([]byte, header.ICMPv4MinimumSize+len(reply.Payload))
	h := header.ICMPv4(msg)
	switch reply.Kind {
	case icmp.ReplyEcho:
		h.SetType(header.ICMPv4EchoReply)
	case icmp.ReplyUnreachable:
		h.SetType(header.ICMPv4DstUnreachable)
		h.SetCode(reply.Code)
	}
	h.SetIdent(reply.ID)
	h.SetSequence(reply.Seq)
	copy(h.Payload(), reply.Payload)

	n := len(msg)
	if max := int(args[3]); n > max {
		n = max
	}
	if err := mem.CopyOut(usermem.Addr(args[2]), msg[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// clockTime() -> microseconds since boot.
func (ns *Netstack) clockTime() (uint64, *tcpip.Error) {
	return ns.Stack.Clock().Ticks() * tcpip.TickMillis * 1000, nil
}
