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

// Command nslookup resolves a DNS name to an IPv4 address through the
// kernel resolver.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"rvkern.dev/rvkern/pkg/kern/sysnet"
	"rvkern.dev/rvkern/pkg/kern/usermem"
	"rvkern.dev/rvkern/pkg/tcpip"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: nslookup <domain>")
		fmt.Println("Examples:")
		fmt.Println("  nslookup example.com")
		fmt.Println("  nslookup google.com")
		os.Exit(1)
	}
	domain := os.Args[1]

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	ns, err := sysnet.Init(sysnet.Config{Logger: logger})
	if err != nil {
		fmt.Printf("nslookup: net init: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Resolving: %s\n", domain)

	mem := &usermem.BytesMemory{Bytes: make([]byte, 4096)}
	nameOff := usermem.Addr(0)
	addrOff := usermem.Addr(512)
	mem.CopyOut(nameOff, append([]byte(domain), 0))

	if _, err := ns.Dispatch(sysnet.SysDNSResolve, mem, sysnet.Args{
		uint64(nameOff), uint64(addrOff),
	}); err != nil {
		fmt.Printf("DNS resolution failed: %v\n", err)
		os.Exit(1)
	}

	var w [4]byte
	mem.CopyIn(addrOff, w[:])
	addr := tcpip.AddrFromU32(binary.LittleEndian.Uint32(w[:]))

	fmt.Println()
	fmt.Printf("Name:    %s\n", domain)
	fmt.Printf("Address: %s\n", addr)
}
