// Copyright 2019 The epcd Authors.
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

// Package enclavetest provides in-process implementations of the manager's
// address-space collaborators, for tests and the self-test binary.
package enclavetest

import (
	"gvisor.dev/gvisor/pkg/sync"

	"epcd.dev/epcd/pkg/enclave"
)

// AddressSpace is an in-memory address space: a table of installed frames
// plus the accessed bits the age test consumes.
type AddressSpace struct {
	mu     sync.Mutex
	frames map[uint64][]byte
	young  map[uint64]bool
	zaps   int
	cpus   uint64
}

// NewAddressSpace returns an empty address space claiming to run on cpus.
func NewAddressSpace(cpus uint64) *AddressSpace {
	return &AddressSpace{
		frames: make(map[uint64][]byte),
		young:  make(map[uint64]bool),
		cpus:   cpus,
	}
}

// ZapRange implements enclave.AddressSpace.ZapRange.
func (as *AddressSpace) ZapRange(addr, size uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for a := addr; a < addr+size; a += 4096 {
		delete(as.frames, a)
	}
	as.zaps++
}

// TestAndClearYoung implements enclave.AddressSpace.TestAndClearYoung.
func (as *AddressSpace) TestAndClearYoung(addr uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	y := as.young[addr]
	as.young[addr] = false
	return y
}

// MapFrame implements enclave.AddressSpace.MapFrame.
func (as *AddressSpace) MapFrame(addr uint64, frame []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.frames[addr] = frame
	return nil
}

// CPUMask implements enclave.AddressSpace.CPUMask.
func (as *AddressSpace) CPUMask() uint64 { return as.cpus }

// Touch sets the accessed bit for addr, making the page look young to the
// next age test.
func (as *AddressSpace) Touch(addr uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.young[addr] = true
}

// Frame returns the installed frame for addr, if any.
func (as *AddressSpace) Frame(addr uint64) ([]byte, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	f, ok := as.frames[addr]
	return f, ok
}

// Zaps returns how many zap calls the address space has seen.
func (as *AddressSpace) Zaps() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.zaps
}

// Mapping is a fake user mapping of an enclave range.
type Mapping struct {
	base, size uint64
	as         *AddressSpace

	mu   sync.Mutex
	encl *enclave.Enclave
}

// NewMapping returns a mapping of [base, base+size) in as.
func NewMapping(as *AddressSpace, base, size uint64) *Mapping {
	return &Mapping{base: base, size: size, as: as}
}

// Range implements enclave.Mapping.Range.
func (m *Mapping) Range() (uint64, uint64) { return m.base, m.size }

// PageOffset implements enclave.Mapping.PageOffset.
func (m *Mapping) PageOffset() uint64 { return 0 }

// AddressSpace implements enclave.Mapping.AddressSpace.
func (m *Mapping) AddressSpace() enclave.AddressSpace { return m.as }

// Enclave implements enclave.Mapping.Enclave.
func (m *Mapping) Enclave() *enclave.Enclave {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encl
}

// SetEnclave implements enclave.Mapping.SetEnclave.
func (m *Mapping) SetEnclave(e *enclave.Enclave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encl = e
}

// Unmap drops the mapping's enclave binding the way a closing process
// does, releasing the reference the mapping holds.
func (m *Mapping) Unmap() {
	m.mu.Lock()
	e := m.encl
	m.encl = nil
	m.mu.Unlock()
	if e != nil {
		e.Detach(m.as)
	}
}

// Resolver is a table of mappings implementing device.Resolver.
type Resolver struct {
	mu       sync.Mutex
	mappings []*Mapping
}

// Add registers m.
func (r *Resolver) Add(m *Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, m)
}

// Find implements device.Resolver.Find.
func (r *Resolver) Find(addr uint64) (enclave.Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if addr >= m.base && addr < m.base+m.size {
			return m, true
		}
	}
	return nil, false
}
