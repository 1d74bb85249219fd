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
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvkern.dev/rvkern/pkg/kern/usermem"
	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/faketime"
	"rvkern.dev/rvkern/pkg/tcpip/header"
)

func newTestNetstack(t *testing.T) (*Netstack, *faketime.ManualClock) {
	t.Helper()
	clock := faketime.NewManualClock()
	ns, err := Init(Config{
		Clock: clock,
		Sched: &faketime.YieldAdvancer{Clock: clock},
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return ns, clock
}

func newTestMemory() *usermem.BytesMemory {
	return &usermem.BytesMemory{Bytes: make([]byte, 1<<16)}
}

func TestLoopbackPingViaSyscalls(t *testing.T) {
	ns, _ := newTestNetstack(t)
	mem := newTestMemory()

	payload := make([]byte, 56)
	for i := range payload {
		payload[i] = byte(0x20 + i%64)
	}
	const (
		dstOff     = 0
		payloadOff = 64
		bufOff     = 1024
		id         = 99
	)
	mem.CopyOut(dstOff, append([]byte("127.0.0.1"), 0))
	mem.CopyOut(payloadOff, payload)

	for seq := uint64(0); seq < 3; seq++ {
		if _, err := ns.Dispatch(SysICMPEchoRequest, mem, Args{dstOff, id, seq, payloadOff, uint64(len(payload))}); err != nil {
			t.Fatalf("icmp_echo_request(seq=%d) failed: %v", seq, err)
		}
		n, err := ns.Dispatch(SysICMPRecvReply, mem, Args{id, 3000, bufOff, 512})
		if err != nil {
			t.Fatalf("icmp_recv_reply(seq=%d) failed: %v", seq, err)
		}
		msg := make([]byte, n)
		mem.CopyIn(bufOff, msg)
		h := header.ICMPv4(msg)
		if h.Type() != header.ICMPv4EchoReply {
			t.Fatalf("reply type = %d, want echo reply", h.Type())
		}
		if h.Ident() != id || h.Sequence() != uint16(seq) {
			t.Errorf("reply id/seq = %d/%d, want %d/%d", h.Ident(), h.Sequence(), id, seq)
		}
		if diff := cmp.Diff(payload, []byte(h.Payload())); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestICMPRecvReplyTimeout(t *testing.T) {
	ns, clock := newTestNetstack(t)
	mem := newTestMemory()

	start := clock.Ticks()
	_, err := ns.Dispatch(SysICMPRecvReply, mem, Args{7, 500, 0, 64})
	if err != tcpip.ErrTimeout {
		t.Fatalf("icmp_recv_reply = %v, want %v", err, tcpip.ErrTimeout)
	}
	elapsedMS := (clock.Ticks() - start) * tcpip.TickMillis
	if elapsedMS < 500 || elapsedMS > 600 {
		t.Errorf("timed out after %d ms, want within [500, 600]", elapsedMS)
	}
}

func TestICMPEchoRequestBadAddress(t *testing.T) {
	ns, _ := newTestNetstack(t)
	mem := newTestMemory()
	mem.CopyOut(0, append([]byte("not-an-ip"), 0))
	if _, err := ns.Dispatch(SysICMPEchoRequest, mem, Args{0, 1, 0, 64, 0}); err != tcpip.ErrInvalidAddress {
		t.Errorf("icmp_echo_request = %v, want %v", err, tcpip.ErrInvalidAddress)
	}
}

func TestUDPSyscallRoundTrip(t *testing.T) {
	ns, _ := newTestNetstack(t)
	mem := newTestMemory()

	rx, err := ns.Dispatch(SysUDPOpen, mem, Args{})
	if err != nil {
		t.Fatalf("udp_open failed: %v", err)
	}
	if _, err := ns.Dispatch(SysUDPBind, mem, Args{rx, 0, 9000}); err != nil {
		t.Fatalf("udp_bind failed: %v", err)
	}
	tx, err := ns.Dispatch(SysUDPOpen, mem, Args{})
	if err != nil {
		t.Fatalf("udp_open failed: %v", err)
	}
	if _, err := ns.Dispatch(SysUDPBind, mem, Args{tx, 0, 0}); err != nil {
		t.Fatalf("udp_bind(ephemeral) failed: %v", err)
	}

	const (
		sendOff = 0
		recvOff = 256
		addrOff = 512
		portOff = 520
	)
	payload := []byte("syscall datagram")
	mem.CopyOut(sendOff, payload)

	loopbackU32 := uint64(tcpip.IPv4Loopback.U32())
	if _, err := ns.Dispatch(SysUDPSendTo, mem, Args{tx, loopbackU32, 9000, sendOff, uint64(len(payload))}); err != nil {
		t.Fatalf("udp_sendto failed: %v", err)
	}

	n, err := ns.Dispatch(SysUDPRecvFrom, mem, Args{rx, recvOff, 64, addrOff, portOff})
	if err != nil {
		t.Fatalf("udp_recvfrom failed: %v", err)
	}
	got := make([]byte, n)
	mem.CopyIn(recvOff, got)
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	var addrBytes [4]byte
	mem.CopyIn(addrOff, addrBytes[:])
	if got := binary.LittleEndian.Uint32(addrBytes[:]); got != tcpip.IPv4Loopback.U32() {
		t.Errorf("peer address = %#08x, want loopback", got)
	}
	var portBytes [2]byte
	mem.CopyIn(portOff, portBytes[:])
	if got := binary.LittleEndian.Uint16(portBytes[:]); got < 49152 {
		t.Errorf("peer port = %d, want an ephemeral port", got)
	}

	// Empty queue reports WouldBlock through the syscall too.
	if _, err := ns.Dispatch(SysUDPRecvFrom, mem, Args{rx, recvOff, 64, 0, 0}); err != tcpip.ErrWouldBlock {
		t.Errorf("udp_recvfrom on empty queue = %v, want %v", err, tcpip.ErrWouldBlock)
	}

	if _, err := ns.Dispatch(SysUDPClose, mem, Args{rx}); err != nil {
		t.Fatalf("udp_close failed: %v", err)
	}
	if _, err := ns.Dispatch(SysUDPClose, mem, Args{rx}); err != tcpip.ErrInvalidPcbIndex {
		t.Errorf("double udp_close = %v, want %v", err, tcpip.ErrInvalidPcbIndex)
	}
}

func TestUDPPortCollisionViaSyscalls(t *testing.T) {
	ns, _ := newTestNetstack(t)
	mem := newTestMemory()

	a, _ := ns.Dispatch(SysUDPOpen, mem, Args{})
	b, _ := ns.Dispatch(SysUDPOpen, mem, Args{})
	if _, err := ns.Dispatch(SysUDPBind, mem, Args{a, 0, 5353}); err != nil {
		t.Fatalf("first udp_bind failed: %v", err)
	}
	if _, err := ns.Dispatch(SysUDPBind, mem, Args{b, 0, 5353}); err != tcpip.ErrPortInUse {
		t.Errorf("second udp_bind = %v, want %v", err, tcpip.ErrPortInUse)
	}
}

func TestClockTime(t *testing.T) {
	ns, clock := newTestNetstack(t)
	mem := newTestMemory()

	t0, err := ns.Dispatch(SysClockTime, mem, Args{})
	if err != nil {
		t.Fatalf("clocktime failed: %v", err)
	}
	clock.Advance(25)
	t1, err := ns.Dispatch(SysClockTime, mem, Args{})
	if err != nil {
		t.Fatalf("clocktime failed: %v", err)
	}
	if want := uint64(25) * tcpip.TickMillis * 1000; t1-t0 != want {
		t.Errorf("clocktime delta = %d us, want %d", t1-t0, want)
	}
}

func TestDispatchUnknownSyscall(t *testing.T) {
	ns, _ := newTestNetstack(t)
	if _, err := ns.Dispatch(999, newTestMemory(), Args{}); err != tcpip.ErrUnsupportedProtocol {
		t.Errorf("Dispatch(999) = %v, want %v", err, tcpip.ErrUnsupportedProtocol)
	}
}

func TestDNSResolveViaSyscalls(t *testing.T) {
	ns, _ := newTestNetstack(t)
	mem := newTestMemory()

	// Point the resolver at loopback and stand up a one-shot server.
	ns.Resolver.Server = tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 53}
	want := tcpip.AddrFrom4(104, 18, 27, 120)

	srv, err := ns.UDP.Alloc()
	if err != nil {
		t.Fatalf("server Alloc failed: %v", err)
	}
	if err := ns.UDP.Bind(srv, tcpip.FullAddress{Port: 53}); err != nil {
		t.Fatalf("server Bind failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, from, err := ns.UDP.RecvFrom(srv, buf)
			if err == tcpip.ErrWouldBlock {
				ns.Stack.Yield()
				continue
			}
			if err != nil {
				return
			}
			query := buf[:n]
			resp := make([]byte, header.DNSMinimumSize)
			header.DNS(resp).Encode(&header.DNSFields{
				ID:      header.DNS(query).ID(),
				Flags:   0x8180,
				QDCount: 1,
				ANCount: 1,
			})
			resp = append(resp, query[header.DNSMinimumSize:]...)
			resp = append(resp, 0xc0, 0x0c)
			resp = append(resp, 0, header.DNSTypeA, 0, header.DNSClassIN)
			resp = append(resp, 0, 0, 0, 60)
			resp = append(resp, 0, 4)
			resp = append(resp, want...)
			ns.UDP.SendTo(srv, from, resp)
			return
		}
	}()

	const (
		nameOff = 0
		addrOff = 512
	)
	mem.CopyOut(nameOff, append([]byte("example.com"), 0))
	if _, err := ns.Dispatch(SysDNSResolve, mem, Args{nameOff, addrOff}); err != nil {
		t.Fatalf("dns_resolve failed: %v", err)
	}
	<-done

	var w [4]byte
	mem.CopyIn(addrOff, w[:])
	if got := tcpip.AddrFromU32(binary.LittleEndian.Uint32(w[:])); got != want {
		t.Errorf("resolved address = %s, want %s", got, want)
	}
}
