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

package udp_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/faketime"
	"rvkern.dev/rvkern/pkg/tcpip/link/loopback"
	"rvkern.dev/rvkern/pkg/tcpip/network/arp"
	"rvkern.dev/rvkern/pkg/tcpip/network/ipv4"
	"rvkern.dev/rvkern/pkg/tcpip/ports"
	"rvkern.dev/rvkern/pkg/tcpip/stack"
	"rvkern.dev/rvkern/pkg/tcpip/transport/udp"
)

func newTestProtocol(t *testing.T) *udp.Protocol {
	t.Helper()
	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		Clock: clock,
		Sched: &faketime.YieldAdvancer{Clock: clock},
	})
	a := arp.NewProtocol(s)
	ip := ipv4.NewProtocol(s, a)
	p := udp.NewProtocol(s, ip)

	lo := loopback.NewDevice()
	s.RegisterDevice(lo)
	if err := lo.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	lo.AddInterface(stack.NewInterface(tcpip.IPv4Loopback, tcpip.MaskFromPrefix(8)))
	if err := s.AddRoute(stack.Route{
		Destination: tcpip.NewSubnet(tcpip.IPv4Loopback, tcpip.MaskFromPrefix(8)),
		Device:      "lo",
	}); err != nil {
		t.Fatalf("AddRoute failed: %v", err)
	}
	return p
}

func TestAllocReleaseCycle(t *testing.T) {
	p := newTestProtocol(t)

	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if idx != 0 {
		t.Errorf("first Alloc = %d, want the lowest index 0", idx)
	}
	if err := p.Release(idx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// The slot is reusable.
	if idx, err = p.Alloc(); err != nil || idx != 0 {
		t.Errorf("Alloc after Release = %d, %v; want 0, nil", idx, err)
	}

	if err := p.Release(idx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release(idx); err != tcpip.ErrInvalidPcbIndex {
		t.Errorf("double Release = %v, want %v", err, tcpip.ErrInvalidPcbIndex)
	}
	if err := p.Release(udp.PCBCount); err != tcpip.ErrInvalidPcbIndex {
		t.Errorf("out-of-range Release = %v, want %v", err, tcpip.ErrInvalidPcbIndex)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := newTestProtocol(t)
	for i := 0; i < udp.PCBCount; i++ {
		if _, err := p.Alloc(); err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
	}
	if _, err := p.Alloc(); err != tcpip.ErrNoPcbAvailable {
		t.Errorf("Alloc on a full table = %v, want %v", err, tcpip.ErrNoPcbAvailable)
	}
}

func TestBindPortCollision(t *testing.T) {
	p := newTestProtocol(t)
	specific := tcpip.AddrFrom4(192, 0, 2, 2)
	other := tcpip.AddrFrom4(192, 0, 2, 3)

	tests := []struct {
		name   string
		first  tcpip.FullAddress
		second tcpip.FullAddress
		want   *tcpip.Error
	}{
		{"both wildcard", tcpip.FullAddress{Port: 5353}, tcpip.FullAddress{Port: 5353}, tcpip.ErrPortInUse},
		{"wildcard then specific", tcpip.FullAddress{Port: 5353}, tcpip.FullAddress{Addr: specific, Port: 5353}, tcpip.ErrPortInUse},
		{"specific then wildcard", tcpip.FullAddress{Addr: specific, Port: 5353}, tcpip.FullAddress{Port: 5353}, tcpip.ErrPortInUse},
		{"same specific", tcpip.FullAddress{Addr: specific, Port: 5353}, tcpip.FullAddress{Addr: specific, Port: 5353}, tcpip.ErrPortInUse},
		{"distinct specifics", tcpip.FullAddress{Addr: specific, Port: 5353}, tcpip.FullAddress{Addr: other, Port: 5353}, nil},
		{"different ports", tcpip.FullAddress{Port: 5353}, tcpip.FullAddress{Port: 5354}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a, err := p.Alloc()
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			b, err := p.Alloc()
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			defer p.Release(a)
			defer p.Release(b)

			if err := p.Bind(a, test.first); err != nil {
				t.Fatalf("first Bind failed: %v", err)
			}
			if err := p.Bind(b, test.second); err != test.want {
				t.Errorf("second Bind = %v, want %v", err, test.want)
			}
		})
	}
}

func TestBindEphemeralDistinct(t *testing.T) {
	p := newTestProtocol(t)
	a, _ := p.Alloc()
	b, _ := p.Alloc()
	if err := p.Bind(a, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := p.Bind(b, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	la, err := p.LocalAddress(a)
	if err != nil {
		t.Fatalf("LocalAddress failed: %v", err)
	}
	lb, err := p.LocalAddress(b)
	if err != nil {
		t.Fatalf("LocalAddress failed: %v", err)
	}
	for _, port := range []uint16{la.Port, lb.Port} {
		if port < ports.FirstEphemeral {
			t.Errorf("port %d outside the ephemeral range", port)
		}
	}
	if la.Port == lb.Port {
		t.Errorf("both PCBs got port %d", la.Port)
	}
}

func TestBindStateChecks(t *testing.T) {
	p := newTestProtocol(t)
	if err := p.Bind(0, tcpip.FullAddress{Port: 1}); err != tcpip.ErrInvalidPcbState {
		t.Errorf("Bind on a free slot = %v, want %v", err, tcpip.ErrInvalidPcbState)
	}
	if err := p.Bind(-1, tcpip.FullAddress{}); err != tcpip.ErrInvalidPcbIndex {
		t.Errorf("Bind(-1) = %v, want %v", err, tcpip.ErrInvalidPcbIndex)
	}
}

func TestRecvFromEmpty(t *testing.T) {
	p := newTestProtocol(t)
	idx, _ := p.Alloc()
	var buf [16]byte
	if _, _, err := p.RecvFrom(idx, buf[:]); err != tcpip.ErrWouldBlock {
		t.Errorf("RecvFrom on empty queue = %v, want %v", err, tcpip.ErrWouldBlock)
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	p := newTestProtocol(t)

	rx, _ := p.Alloc()
	if err := p.Bind(rx, tcpip.FullAddress{Port: 9000}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	payload := []byte("via loopback")
	dst := tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 9000}
	if err := p.SendTo(tx, dst, payload); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	var buf [64]byte
	n, from, err := p.RecvFrom(rx, buf[:])
	if err != nil {
		t.Fatalf("RecvFrom failed: %v", err)
	}
	if diff := cmp.Diff(payload, buf[:n]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if from.Addr != tcpip.IPv4Loopback {
		t.Errorf("foreign address = %s, want loopback", from.Addr)
	}
	txLocal, err := p.LocalAddress(tx)
	if err != nil {
		t.Fatalf("LocalAddress failed: %v", err)
	}
	if from.Port != txLocal.Port {
		t.Errorf("foreign port = %d, want the sender's %d", from.Port, txLocal.Port)
	}
}

func TestRecvFromTruncates(t *testing.T) {
	p := newTestProtocol(t)

	rx, _ := p.Alloc()
	if err := p.Bind(rx, tcpip.FullAddress{Port: 9001}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := p.SendTo(tx, tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 9001}, []byte("0123456789")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	var buf [4]byte
	n, _, err := p.RecvFrom(rx, buf[:])
	if err != nil {
		t.Fatalf("RecvFrom failed: %v", err)
	}
	if n != 4 || string(buf[:]) != "0123" {
		t.Errorf("RecvFrom = %d bytes %q, want the first 4", n, buf[:n])
	}
	// The remainder is gone, not queued.
	if _, _, err := p.RecvFrom(rx, buf[:]); err != tcpip.ErrWouldBlock {
		t.Errorf("queue not empty after truncated read: %v", err)
	}
}

func TestDeliveryOrder(t *testing.T) {
	p := newTestProtocol(t)

	rx, _ := p.Alloc()
	if err := p.Bind(rx, tcpip.FullAddress{Port: 9002}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	dst := tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 9002}
	for _, m := range []string{"one", "two", "three"} {
		if err := p.SendTo(tx, dst, []byte(m)); err != nil {
			t.Fatalf("SendTo(%q) failed: %v", m, err)
		}
	}
	var buf [16]byte
	for _, want := range []string{"one", "two", "three"} {
		n, _, err := p.RecvFrom(rx, buf[:])
		if err != nil {
			t.Fatalf("RecvFrom failed: %v", err)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("got %q, want %q (arrival order)", got, want)
		}
	}
}

func TestSendToOversized(t *testing.T) {
	p := newTestProtocol(t)
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	big := make([]byte, 0x10000)
	err := p.SendTo(tx, tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 1}, big)
	if err != tcpip.ErrPacketTooLarge {
		t.Errorf("SendTo = %v, want %v", err, tcpip.ErrPacketTooLarge)
	}
}

func TestNoMatchingPCBDropped(t *testing.T) {
	p := newTestProtocol(t)
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	// Nothing is bound to the destination port; the datagram vanishes at
	// the UDP layer and nothing explodes on the synchronous loopback
	// path.
	if err := p.SendTo(tx, tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 4444}, []byte("x")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
}

func TestSpecificBindFiltersAddress(t *testing.T) {
	p := newTestProtocol(t)

	// Bound specifically to an address that is not loopback: a datagram
	// to 127.0.0.1 must not match it.
	rx, _ := p.Alloc()
	if err := p.Bind(rx, tcpip.FullAddress{Addr: tcpip.AddrFrom4(192, 0, 2, 2), Port: 9003}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	tx, _ := p.Alloc()
	if err := p.Bind(tx, tcpip.FullAddress{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := p.SendTo(tx, tcpip.FullAddress{Addr: tcpip.IPv4Loopback, Port: 9003}, []byte("x")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	var buf [8]byte
	if _, _, err := p.RecvFrom(rx, buf[:]); err != tcpip.ErrWouldBlock {
		t.Errorf("address-filtered PCB received the datagram: %v", err)
	}
}
