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
	"strings"
	"testing"

	"rvkern.dev/rvkern/pkg/tcpip"
)

func TestDNSNameRoundTrip(t *testing.T) {
	names := []string{
		"example.com",
		"www.example.com",
		"a.b.c",
		"x",
		"long-label-0123456789-0123456789-0123456789.tld",
	}
	for _, name := range names {
		enc, err := EncodeDNSName(nil, name)
		if err != nil {
			t.Fatalf("EncodeDNSName(%q) failed: %v", name, err)
		}
		got, end, derr := DecodeDNSName(enc, 0)
		if derr != nil {
			t.Fatalf("DecodeDNSName(%q) failed: %v", name, derr)
		}
		if got != name {
			t.Errorf("round trip of %q = %q", name, got)
		}
		if end != len(enc) {
			t.Errorf("%q: end offset = %d, want %d", name, end, len(enc))
		}
	}
}

func TestDNSNameTrailingDotNormalised(t *testing.T) {
	enc, err := EncodeDNSName(nil, "example.com.")
	if err != nil {
		t.Fatalf("EncodeDNSName failed: %v", err)
	}
	got, _, derr := DecodeDNSName(enc, 0)
	if derr != nil {
		t.Fatalf("DecodeDNSName failed: %v", derr)
	}
	if got != "example.com" {
		t.Errorf("decoded %q, want %q", got, "example.com")
	}
}

func TestDNSNameEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"oversized label", strings.Repeat("a", 64) + ".com"},
		{"oversized name", strings.Repeat("a.", 200) + "com"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := EncodeDNSName(nil, test.in); err != tcpip.ErrInvalidAddress {
				t.Errorf("EncodeDNSName(%q) = %v, want %v", test.in, err, tcpip.ErrInvalidAddress)
			}
		})
	}
}

func TestDNSNamePointerDecode(t *testing.T) {
	// A message whose question holds www.example.com at offset 12 and
	// whose answer name is a bare pointer back to it.
	var msg []byte
	msg = append(msg, make([]byte, DNSMinimumSize)...)
	msg, err := EncodeDNSName(msg, "www.example.com")
	if err != nil {
		t.Fatalf("EncodeDNSName failed: %v", err)
	}
	ptrOff := len(msg)
	msg = append(msg, 0xc0, 0x0c)
	msg = append(msg, 0xde, 0xad) // trailing bytes after the name

	name, end, derr := DecodeDNSName(msg, ptrOff)
	if derr != nil {
		t.Fatalf("DecodeDNSName failed: %v", derr)
	}
	if name != "www.example.com" {
		t.Errorf("decoded %q, want %q", name, "www.example.com")
	}
	if want := ptrOff + 2; end != want {
		t.Errorf("end offset = %d, want %d (the byte after the first pointer)", end, want)
	}
}

func TestDNSNamePointerSuffix(t *testing.T) {
	// "mail" + pointer to "example.com": decoding resumes after the
	// first jump only.
	var msg []byte
	msg = append(msg, make([]byte, DNSMinimumSize)...)
	msg, err := EncodeDNSName(msg, "example.com")
	if err != nil {
		t.Fatalf("EncodeDNSName failed: %v", err)
	}
	start := len(msg)
	msg = append(msg, 4)
	msg = append(msg, "mail"...)
	msg = append(msg, 0xc0, 0x0c)

	name, end, derr := DecodeDNSName(msg, start)
	if derr != nil {
		t.Fatalf("DecodeDNSName failed: %v", derr)
	}
	if name != "mail.example.com" {
		t.Errorf("decoded %q, want %q", name, "mail.example.com")
	}
	if end != len(msg) {
		t.Errorf("end offset = %d, want %d", end, len(msg))
	}
}

func TestDNSNamePointerLoopBounded(t *testing.T) {
	// Two pointers chasing each other must terminate with an error, not
	// spin.
	msg := make([]byte, DNSMinimumSize+4)
	msg[DNSMinimumSize] = 0xc0
	msg[DNSMinimumSize+1] = byte(DNSMinimumSize + 2)
	msg[DNSMinimumSize+2] = 0xc0
	msg[DNSMinimumSize+3] = byte(DNSMinimumSize)

	if _, _, err := DecodeDNSName(msg, DNSMinimumSize); err != tcpip.ErrPacketTruncated {
		t.Errorf("looping pointers: err = %v, want %v", err, tcpip.ErrPacketTruncated)
	}
}

func TestDNSNameTruncated(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		off  int
	}{
		{"empty message", nil, 0},
		{"label past end", []byte{5, 'a', 'b'}, 0},
		{"pointer cut short", []byte{0xc0}, 0},
		{"missing terminator", []byte{1, 'a'}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := DecodeDNSName(test.msg, test.off); err != tcpip.ErrPacketTruncated {
				t.Errorf("err = %v, want %v", err, tcpip.ErrPacketTruncated)
			}
		})
	}
}

func TestSkipDNSName(t *testing.T) {
	enc, err := EncodeDNSName(nil, "example.com")
	if err != nil {
		t.Fatalf("EncodeDNSName failed: %v", err)
	}
	end, serr := SkipDNSName(enc, 0)
	if serr != nil {
		t.Fatalf("SkipDNSName failed: %v", serr)
	}
	if end != len(enc) {
		t.Errorf("end = %d, want %d", end, len(enc))
	}

	ptr := []byte{0xc0, 0x0c, 0xff}
	end, serr = SkipDNSName(ptr, 0)
	if serr != nil {
		t.Fatalf("SkipDNSName(pointer) failed: %v", serr)
	}
	if end != 2 {
		t.Errorf("pointer end = %d, want 2", end)
	}
}

func TestDNSHeaderEncode(t *testing.T) {
	b := make([]byte, DNSMinimumSize)
	DNS(b).Encode(&DNSFields{
		ID:      0x1234,
		Flags:   DNSFlagsStandardQuery,
		QDCount: 1,
	})
	h := DNS(b)
	if got := h.ID(); got != 0x1234 {
		t.Errorf("ID = %#04x, want 0x1234", got)
	}
	if got := h.Flags(); got != DNSFlagsStandardQuery {
		t.Errorf("Flags = %#04x, want %#04x", got, DNSFlagsStandardQuery)
	}
	if got := h.QDCount(); got != 1 {
		t.Errorf("QDCount = %d, want 1", got)
	}
	if got := h.ANCount(); got != 0 {
		t.Errorf("ANCount = %d, want 0", got)
	}
}
