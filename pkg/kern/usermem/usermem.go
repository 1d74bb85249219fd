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

// Package usermem abstracts the explicit user-kernel buffer copies the
// syscall layer performs. The kernel supplies an implementation backed by
// the calling process's page table; tests use BytesMemory.
package usermem

import "rvkern.dev/rvkern/pkg/tcpip"

// Addr is a user virtual address.
type Addr uint64

// Memory copies bytes between kernel and user space. Every method fails
// with InvalidAddress when the range is not mapped for the access.
type Memory interface {
	// CopyIn copies len(dst) bytes from user address addr.
	CopyIn(addr Addr, dst []byte) *tcpip.Error

	// CopyOut copies src to user address addr.
	CopyOut(addr Addr, src []byte) *tcpip.Error

	// CopyInString copies a NUL-terminated string of at most maxLen
	// bytes from user address addr.
	CopyInString(addr Addr, maxLen int) (string, *tcpip.Error)
}

// BytesMemory is a Memory over one flat byte slice, addressed from zero.
type BytesMemory struct {
	Bytes []byte
}

var _ Memory = (*BytesMemory)(nil)

func (m *BytesMemory) span(addr Addr, n int) ([]byte, *tcpip.Error) {
	end := int(addr) + n
	if int(addr) > len(m.Bytes) || end > len(m.Bytes) || end < int(addr) {
		return nil, tcpip.ErrInvalidAddress
	}
	return m.Bytes[addr:end], nil
}

// CopyIn implements Memory.CopyIn.
func (m *BytesMemory) CopyIn(addr Addr, dst []byte) *tcpip.Error {
	src, err := m.span(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyOut implements Memory.CopyOut.
func (m *BytesMemory) CopyOut(addr Addr, src []byte) *tcpip.Error {
	dst, err := m.span(addr, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyInString implements Memory.CopyInString.
func (m *BytesMemory) CopyInString(addr Addr, maxLen int) (string, *tcpip.Error) {
	for n := 0; n < maxLen; n++ {
		b, err := m.span(addr+Addr(n), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			s, _ := m.span(addr, n)
			return string(s), nil
		}
	}
	s, err := m.span(addr, maxLen)
	if err != nil {
		return "", err
	}
	return string(s), nil
}
