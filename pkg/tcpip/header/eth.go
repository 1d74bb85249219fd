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

const (
	ethDstAddr   = 0
	ethSrcAddr   = 6
	ethEtherType = 12
)

const (
	// EthernetMinimumSize is the size of the Ethernet II frame header;
	// inbound frames shorter than this are rejected before demux.
	EthernetMinimumSize = 14

	// EthernetAddressSize is the size, in bytes, of an ethernet address.
	EthernetAddressSize = 6
)

// EthernetFields contains the fields of an ethernet frame header. It is
// used to describe the fields of a frame that needs to be encoded.
type EthernetFields struct {
	// DstAddr is the "MAC destination" field of an ethernet frame header.
	DstAddr tcpip.LinkAddress

	// SrcAddr is the "MAC source" field of an ethernet frame header.
	SrcAddr tcpip.LinkAddress

	// Type is the "ethertype" field of an ethernet frame header.
	Type tcpip.NetworkProtocolNumber
}

// Ethernet represents an ethernet frame stored in a byte array.
type Ethernet []byte

// DestinationAddress returns the "MAC destination" field of the ethernet
// frame header.
func (b Ethernet) DestinationAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[ethDstAddr : ethDstAddr+EthernetAddressSize])
}

// SourceAddress returns the "MAC source" field of the ethernet frame
// header.
func (b Ethernet) SourceAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[ethSrcAddr : ethSrcAddr+EthernetAddressSize])
}

// Type returns the "ethertype" field of the ethernet frame header, the
// protocol number the frame payload is demuxed on.
func (b Ethernet) Type() tcpip.NetworkProtocolNumber {
	return tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethEtherType:]))
}

// Payload returns the bytes following the frame header.
func (b Ethernet) Payload() []byte {
	return b[EthernetMinimumSize:]
}

// Encode encodes all the fields of the ethernet frame header, in wire
// order.
func (b Ethernet) Encode(e *EthernetFields) {
	copy(b[ethDstAddr:ethDstAddr+EthernetAddressSize], e.DstAddr)
	copy(b[ethSrcAddr:ethSrcAddr+EthernetAddressSize], e.SrcAddr)
	binary.BigEndian.PutUint16(b[ethEtherType:], uint16(e.Type))
}
