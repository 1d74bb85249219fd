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
	dnsID      = 0
	dnsFlags   = 2
	dnsQDCount = 4
	dnsANCount = 6
	dnsNSCount = 8
	dnsARCount = 10
)

const (
	// DNSMinimumSize is the size of a DNS message header, RFC 1035
	// section 4.1.1.
	DNSMinimumSize = 12

	// DNSTypeA is the A (host address) resource record type.
	DNSTypeA = 1

	// DNSClassIN is the Internet class.
	DNSClassIN = 1

	// DNSFlagsStandardQuery is a standard query with recursion desired.
	DNSFlagsStandardQuery = 0x0100

	// DNSMaxNameSize is the longest encoded name accepted, RFC 1035
	// section 2.3.4.
	DNSMaxNameSize = 255

	// DNSMaxLabelSize is the longest single label.
	DNSMaxLabelSize = 63

	// dnsMaxPointerFollows bounds the pointer chain walked by DecodeDNSName
	// so that malicious compression cannot loop the decoder.
	dnsMaxPointerFollows = 127
)

// DNSFields contains the fields of a DNS message header. It is used to
// describe the fields of a message that needs to be encoded.
type DNSFields struct {
	// ID is the transaction id of the message.
	ID uint16

	// Flags is the packed QR/opcode/AA/TC/RD/RA/rcode field.
	Flags uint16

	// QDCount is the number of entries in the question section.
	QDCount uint16

	// ANCount is the number of entries in the answer section.
	ANCount uint16

	// NSCount is the number of entries in the authority section.
	NSCount uint16

	// ARCount is the number of entries in the additional section.
	ARCount uint16
}

// DNS represents a DNS message header stored in a byte array as described
// in RFC 1035.
type DNS []byte

// ID returns the transaction id of the message.
func (b DNS) ID() uint16 { return binary.BigEndian.Uint16(b[dnsID:]) }

// Flags returns the flags field of the message.
func (b DNS) Flags() uint16 { return binary.BigEndian.Uint16(b[dnsFlags:]) }

// QDCount returns the question count of the message.
func (b DNS) QDCount() uint16 { return binary.BigEndian.Uint16(b[dnsQDCount:]) }

// ANCount returns the answer count of the message.
func (b DNS) ANCount() uint16 { return binary.BigEndian.Uint16(b[dnsANCount:]) }

// NSCount returns the authority count of the message.
func (b DNS) NSCount() uint16 { return binary.BigEndian.Uint16(b[dnsNSCount:]) }

// ARCount returns the additional count of the message.
func (b DNS) ARCount() uint16 { return binary.BigEndian.Uint16(b[dnsARCount:]) }

// Encode encodes all the fields of the DNS message header.
func (b DNS) Encode(d *DNSFields) {
	binary.BigEndian.PutUint16(b[dnsID:], d.ID)
	binary.BigEndian.PutUint16(b[dnsFlags:], d.Flags)
	binary.BigEndian.PutUint16(b[dnsQDCount:], d.QDCount)
	binary.BigEndian.PutUint16(b[dnsANCount:], d.ANCount)
	binary.BigEndian.PutUint16(b[dnsNSCount:], d.NSCount)
	binary.BigEndian.PutUint16(b[dnsARCount:], d.ARCount)
}

// EncodeDNSName appends the label-encoded form of name to buf and returns
// the extended slice: a length byte then the label bytes for every
// non-empty dot-separated label, terminated by a zero byte. A trailing dot
// is therefore accepted and normalised away.
func EncodeDNSName(buf []byte, name string) ([]byte, *tcpip.Error) {
	if len(name) == 0 || len(name) > DNSMaxNameSize {
		return buf, tcpip.ErrInvalidAddress
	}
	for start := 0; start <= len(name); {
		end := start
		for end < len(name) && name[end] != '.' {
			end++
		}
		label := name[start:end]
		if len(label) > DNSMaxLabelSize {
			return buf, tcpip.ErrInvalidAddress
		}
		if len(label) > 0 {
			buf = append(buf, byte(len(label)))
			buf = append(buf, label...)
		}
		start = end + 1
	}
	return append(buf, 0), nil
}

// DecodeDNSName decodes the possibly compression-pointed name starting at
// offset off in msg. It returns the decoded dotted name (no trailing dot)
// and the offset of the first byte after the name as it appears in place:
// once the decoder follows a pointer, the in-place end is the byte after
// the first pointer.
//
// The number of pointer follows is bounded; exceeding the bound or running
// past the message fails with PacketTruncated.
func DecodeDNSName(msg []byte, off int) (string, int, *tcpip.Error) {
	var name []byte
	next := -1 // in-place resume offset, set at the first pointer
	follows := 0

	for {
		if off >= len(msg) {
			return "", 0, tcpip.ErrPacketTruncated
		}
		l := int(msg[off])
		if l&0xc0 == 0xc0 {
			if off+1 >= len(msg) {
				return "", 0, tcpip.ErrPacketTruncated
			}
			if follows++; follows > dnsMaxPointerFollows {
				return "", 0, tcpip.ErrPacketTruncated
			}
			if next < 0 {
				next = off + 2
			}
			off = (l&0x3f)<<8 | int(msg[off+1])
			continue
		}
		if l&0xc0 != 0 {
			// 01 and 10 label types are reserved.
			return "", 0, tcpip.ErrUnsupportedProtocol
		}
		off++
		if l == 0 {
			break
		}
		if off+l > len(msg) {
			return "", 0, tcpip.ErrPacketTruncated
		}
		if len(name) > 0 {
			name = append(name, '.')
		}
		name = append(name, msg[off:off+l]...)
		if len(name) > DNSMaxNameSize {
			return "", 0, tcpip.ErrPacketTooLarge
		}
		off += l
	}

	if next < 0 {
		next = off
	}
	return string(name), next, nil
}

// SkipDNSName returns the offset of the first byte after the name starting
// at off, without decoding the labels a pointer refers to.
func SkipDNSName(msg []byte, off int) (int, *tcpip.Error) {
	for {
		if off >= len(msg) {
			return 0, tcpip.ErrPacketTruncated
		}
		l := int(msg[off])
		if l&0xc0 == 0xc0 {
			if off+1 >= len(msg) {
				return 0, tcpip.ErrPacketTruncated
			}
			return off + 2, nil
		}
		off++
		if l == 0 {
			return off, nil
		}
		off += l
	}
}
