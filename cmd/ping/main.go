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

// Command ping sends ICMP echo requests through the kernel network stack
// and prints BSD-style replies. Run against the loopback device it works
// anywhere; reaching external hosts needs the virtio-net device.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/kern/sysnet"
	"rvkern.dev/rvkern/pkg/kern/usermem"
	"rvkern.dev/rvkern/pkg/tcpip"
	"rvkern.dev/rvkern/pkg/tcpip/header"
)

const (
	payloadSize = 56
	count       = 3
	timeoutMS   = 3000
	intervalMS  = 100
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("usage: ping <ip address>")
		os.Exit(1)
	}
	dst := os.Args[1]
	if tcpip.ParseAddress(dst) == "" {
		fmt.Printf("ping: invalid address %q\n", dst)
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	ns, err := sysnet.Init(sysnet.Config{Logger: logger})
	if err != nil {
		fmt.Printf("ping: net init: %v\n", err)
		os.Exit(1)
	}

	c := newClient(ns)
	id := uint16(os.Getpid() & 0xffff)
	payload := buildPayload()

	fmt.Printf("PING %s (%s): %d data bytes\n", dst, dst, payloadSize)
	for seq := uint16(0); seq < count; seq++ {
		pingOnce(c, dst, id, seq, payload)
		time.Sleep(intervalMS * time.Millisecond)
	}
}

func buildPayload() []byte {
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(0x20 + i%64)
	}
	return payload
}

func pingOnce(c *client, dst string, id, seq uint16, payload []byte) {
	start := c.clockTime()
	if err := c.echoRequest(dst, id, seq, payload); err != nil {
		fmt.Printf("ping: sendto: %v\n", err)
		return
	}

	deadline := start + timeoutMS*1000
	for {
		now := c.clockTime()
		if now >= deadline {
			fmt.Printf("Request timeout for icmp_seq %d\n", seq)
			return
		}
		remaining := (deadline - now) / 1000
		msg, err := c.recvReply(id, remaining)
		if err == tcpip.ErrTimeout {
			fmt.Printf("Request timeout for icmp_seq %d\n", seq)
			return
		}
		if err != nil {
			fmt.Printf("ping: recv: %v\n", err)
			return
		}
		h := header.ICMPv4(msg)
		if h.Type() != header.ICMPv4EchoReply || h.Sequence() != seq {
			continue
		}
		elapsedUS := c.clockTime() - start
		fmt.Printf("%d bytes from %s: icmp_seq=%d ttl=%d time=%.3f ms\n",
			len(msg), dst, seq, header.IPv4DefaultTTL, float64(elapsedUS)/1000)
		return
	}
}

// client funnels every operation through the numbered syscall surface with
// an in-process user memory, the way the kernel's trap path would.
type client struct {
	ns  *sysnet.Netstack
	mem *usermem.BytesMemory
}

func newClient(ns *sysnet.Netstack) *client {
	return &client{ns: ns, mem: &usermem.BytesMemory{Bytes: make([]byte, 1<<16)}}
}

func (c *client) clockTime() uint64 {
	us, _ := c.ns.Dispatch(sysnet.SysClockTime, c.mem, sysnet.Args{})
	return us
}

func (c *client) echoRequest(dst string, id, seq uint16, payload []byte) *tcpip.Error {
	dstOff := usermem.Addr(0)
	payloadOff := usermem.Addr(256)
	c.mem.CopyOut(dstOff, append([]byte(dst), 0))
	c.mem.CopyOut(payloadOff, payload)
	_, err := c.ns.Dispatch(sysnet.SysICMPEchoRequest, c.mem, sysnet.Args{
		uint64(dstOff), uint64(id), uint64(seq), uint64(payloadOff), uint64(len(payload)),
	})
	return err
}

func (c *client) recvReply(id uint16, timeoutMS uint64) ([]byte, *tcpip.Error) {
	bufOff := usermem.Addr(1024)
	const bufLen = 512
	n, err := c.ns.Dispatch(sysnet.SysICMPRecvReply, c.mem, sysnet.Args{
		uint64(id), timeoutMS, uint64(bufOff), bufLen,
	})
	if err != nil {
		return nil, err
	}
	msg := make([]byte, n)
	c.mem.CopyIn(bufOff, msg)
	return msg, nil
}
