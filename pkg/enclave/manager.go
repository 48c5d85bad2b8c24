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

// Package enclave implements the enclave objects multiplexed onto the
// enclave page cache: construction, asynchronous page addition,
// initialization, fault servicing with reload, and the per-page eviction
// callbacks driven by the epc reclaim pipeline.
package enclave

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"

	"epcd.dev/epcd/pkg/encls"
	"epcd.dev/epcd/pkg/epc"
)

// AddressSpace is the view of one attached process address space the
// manager needs: enough to unmap, age-test and install enclave pages, and
// to learn which CPUs have run in the address space since tracking demands
// they be shot down.
type AddressSpace interface {
	// ZapRange drops any installed translations in [addr, addr+size) so
	// the next access faults.
	ZapRange(addr, size uint64)

	// TestAndClearYoung reports whether the page at addr was accessed
	// since the last call, clearing the accessed state.
	TestAndClearYoung(addr uint64) bool

	// MapFrame installs frame as the translation for addr.
	MapFrame(addr uint64, frame []byte) error

	// CPUMask returns the set of CPUs that have executed in this address
	// space.
	CPUMask() uint64
}

// Mapping is the user mapping an enclave is bound to; the address-space
// layer keeps one per enclave range and hands it to lookups.
type Mapping interface {
	// Range returns the mapped [base, base+size) range.
	Range() (base, size uint64)

	// PageOffset returns the mapping's offset into the enclave range, in
	// pages. Enclave mappings must start at zero.
	PageOffset() uint64

	// AddressSpace returns the owning address space.
	AddressSpace() AddressSpace

	// Enclave and SetEnclave access the mapping's private data.
	Enclave() *Enclave
	SetEnclave(*Enclave)
}

// Remote delivers the cross-processor barrier used to force enclave
// threads out during eviction tracking. Any synchronous shootdown works.
type Remote interface {
	Shootdown(cpus uint64)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Pool   *epc.Pool
	Ops    encls.Ops
	Remote Remote
}

// Manager creates enclaves and owns the cross-enclave machinery: the power
// event registry and the id counter. It is the context object everything
// else hangs off.
type Manager struct {
	pool   *epc.Pool
	ops    encls.Ops
	remote Remote

	mu        sync.Mutex
	listeners map[*Enclave]struct{}
	nextID    uint64
}

// NewManager returns a Manager over cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		pool:      cfg.Pool,
		ops:       cfg.Ops,
		remote:    cfg.Remote,
		listeners: make(map[*Enclave]struct{}),
	}
}

func (m *Manager) registerPower(e *Enclave) {
	m.mu.Lock()
	m.listeners[e] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregisterPower(e *Enclave) {
	m.mu.Lock()
	delete(m.listeners, e)
	m.mu.Unlock()
}

// Suspend delivers a suspend/hibernate preparation event. Every live
// enclave is torn down and marked suspended; subsequent operations on it
// report the power loss until the owner releases it.
func (m *Manager) Suspend() {
	m.mu.Lock()
	var es []*Enclave
	for e := range m.listeners {
		if e.TryIncRef() {
			es = append(es, e)
		}
	}
	m.mu.Unlock()
	for _, e := range es {
		e.suspend()
		e.DecRef()
	}
}

// HardwareError is a primitive failure surfaced to the caller with its
// architectural status, the way init faults are reported through the
// dispatch layer unmodified.
type HardwareError struct {
	Op  string
	Ret encls.Ret
}

// Error implements error.
func (h *HardwareError) Error() string {
	return fmt.Sprintf("%s returned %d", h.Op, h.Ret)
}

// ErrPowerLost is returned for any operation on a suspended enclave.
var ErrPowerLost = &HardwareError{Op: "enclave", Ret: encls.Ret(powerLostStatus)}

// powerLostStatus is the dedicated non-errno status reported for handles
// that lost their enclave across a power transition.
const powerLostStatus = 0x40000000
