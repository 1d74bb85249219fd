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

package header

import (
	"encoding/binary"

	"rvkern.dev/rvkern/pkg/tcpip"
)

// Field offsets of the IPv4-over-Ethernet ARP packet (RFC 826).
const (
	arpHType    = 0
	arpPType    = 2
	arpHLen     = 4
	arpPLen     = 5
	arpOper     = 6
	arpSenderHW = 8
	arpSenderIP = 14
	arpTargetHW = 18
	arpTargetIP = 24
)

const (
	// ARPProtocolNumber is the ARP network protocol number.
	ARPProtocolNumber tcpip.NetworkProtocolNumber = 0x0806

	// ARPSize is the size of an IPv4-over-Ethernet ARP packet.
	ARPSize = arpTargetIP + IPv4AddressSize

	// arpHTypeEthernet is the only hardware address space accepted.
	arpHTypeEthernet = 1
)

// ARPOp is an ARP opcode.
type ARPOp uint16

// Typical ARP opcodes defined in RFC 826.
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARPFields contains the variable fields of an IPv4-over-Ethernet ARP
// packet. It is used to describe the fields of a packet that needs to be
// encoded; the hardware/protocol space preamble is fixed.
type ARPFields struct {
	// Op is the "operation" field.
	Op ARPOp

	// SenderHardwareAddress is the link address of the sender.
	SenderHardwareAddress tcpip.LinkAddress

	// SenderProtocolAddress is the IPv4 address of the sender.
	SenderProtocolAddress tcpip.Address

	// TargetHardwareAddress is the link address of the target; all-zero
	// in a request.
	TargetHardwareAddress tcpip.LinkAddress

	// TargetProtocolAddress is the IPv4 address being asked about.
	TargetProtocolAddress tcpip.Address
}

// ARP is an ARP packet stored in a byte array as described in RFC 826.
type ARP []byte

// Op is the ARP opcode.
func (a ARP) Op() ARPOp {
	return ARPOp(binary.BigEndian.Uint16(a[arpOper:]))
}

// SenderHardwareAddress returns the link address of the sender.
func (a ARP) SenderHardwareAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(a[arpSenderHW : arpSenderHW+EthernetAddressSize])
}

// SenderProtocolAddress returns the IPv4 address of the sender.
func (a ARP) SenderProtocolAddress() tcpip.Address {
	return tcpip.Address(a[arpSenderIP : arpSenderIP+IPv4AddressSize])
}

// TargetHardwareAddress returns the link address of the target.
func (a ARP) TargetHardwareAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(a[arpTargetHW : arpTargetHW+EthernetAddressSize])
}

// TargetProtocolAddress returns the IPv4 address being asked about.
func (a ARP) TargetProtocolAddress() tcpip.Address {
	return tcpip.Address(a[arpTargetIP : arpTargetIP+IPv4AddressSize])
}

// Encode encodes the fixed IPv4-over-Ethernet preamble and all the fields
// of an ARP packet.
func (a ARP) Encode(f *ARPFields) {
	binary.BigEndian.PutUint16(a[arpHType:], arpHTypeEthernet)
	binary.BigEndian.PutUint16(a[arpPType:], uint16(IPv4ProtocolNumber))
	a[arpHLen] = EthernetAddressSize
	a[arpPLen] = IPv4AddressSize
	binary.BigEndian.PutUint16(a[arpOper:], uint16(f.Op))
	copy(a[arpSenderHW:arpSenderHW+EthernetAddressSize], f.SenderHardwareAddress)
	copy(a[arpSenderIP:arpSenderIP+IPv4AddressSize], f.SenderProtocolAddress)
	copy(a[arpTargetHW:arpTargetHW+EthernetAddressSize], f.TargetHardwareAddress)
	copy(a[arpTargetIP:arpTargetIP+IPv4AddressSize], f.TargetProtocolAddress)
}

// IsValid reports whether this is an ARP packet for IPv4 over Ethernet:
// only the (ethernet, IPv4) address-space pair with the matching address
// lengths is accepted.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return binary.BigEndian.Uint16(a[arpHType:]) == arpHTypeEthernet &&
		binary.BigEndian.Uint16(a[arpPType:]) == uint16(IPv4ProtocolNumber) &&
		a[arpHLen] == EthernetAddressSize &&
		a[arpPLen] == IPv4AddressSize
}
