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

package virtio

import (
	"sync/atomic"
	"unsafe"
)

// mmioRegs is the hardware RegisterBlock: a raw pointer window over the
// device's memory-mapped registers. Register accesses go through atomics so
// they are single instructions the compiler will not elide or reorder.
type mmioRegs struct {
	base uintptr
}

// NewMMIO returns the RegisterBlock at the given physical base address.
// The kernel maps device memory identity-mapped and uncached.
func NewMMIO(base uintptr) RegisterBlock {
	return &mmioRegs{base: base}
}

func (m *mmioRegs) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(m.base + uintptr(off))))
}

func (m *mmioRegs) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(m.base+uintptr(off))), v)
}

func (m *mmioRegs) ReadByte(off uint32) byte {
	return *(*byte)(unsafe.Pointer(m.base + uintptr(off)))
}

// physAddr returns the device-visible address of p. Kernel memory is
// identity mapped, so the virtual address is the bus address.
func physAddr(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p))
}
