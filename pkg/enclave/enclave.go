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

package enclave

import (
	"context"
	"math/bits"
	"runtime"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
	"epcd.dev/epcd/pkg/epc"
)

// Enclave lifecycle flags.
const (
	flagDebug = uint32(1 << 0)

	// flagInitialized is set at most once, and never after flagDead.
	flagInitialized = uint32(1 << 1)

	// flagDead is monotonic; a dead enclave only releases.
	flagDead = uint32(1 << 2)

	// flagSuspend accompanies flagDead after a power transition, turning
	// failures into the power-lost status.
	flagSuspend = uint32(1 << 3)
)

// Page descriptor bits. The low page-offset bits are reused: bit 0 marks a
// TCS page, bit 1 an evicted page, and bits 3..11 hold the version-array
// byte offset of the sealing slot while the page is out.
const (
	pageAddrMask  = ^uint64(sgx.PageSize - 1)
	pageTCS       = uint64(1 << 0)
	pageReclaimed = uint64(1 << 1)
	vaOffsetMask  = uint64(0xFF8)
)

// Page is one enclave page: the address-keyed descriptor plus the binding
// to its current epc page, or eviction metadata while it is out.
type Page struct {
	desc uint64
	encl *Enclave
	epc  *epc.Page
	va   *vaPage
}

// Addr returns the page's virtual address within the enclave range.
func (pg *Page) Addr() uint64 { return pg.desc & pageAddrMask }

// Index returns the page's slot in the backing store. The control page
// lives after the enclave range.
func (pg *Page) Index() uint64 {
	if pg.desc&pageAddrMask == 0 {
		return pg.encl.size >> sgx.PageShift
	}
	return (pg.Addr() - pg.encl.base) >> sgx.PageShift
}

// Resident returns true if the page is bound to an epc page.
func (pg *Page) Resident() bool { return pg.epc != nil }

// Enclave is one isolated execution container: an address range, the page
// map mirroring it, and the control page the hardware tracks children
// against.
type Enclave struct {
	mgr *Manager
	id  uint64

	base uint64
	size uint64

	ssaFrameSize      uint32
	secsAttributes    uint64
	allowedAttributes atomicbitops.Uint64

	flags atomicbitops.Uint32
	refs  atomicbitops.Int64

	// mu serializes page-map mutation, flag transitions, and every
	// hardware op needing exclusive enclave access.
	mu sync.Mutex

	pages        *btree.BTreeG[*Page]
	secs         Page
	secsChildCnt uint64
	vaPages      []*vaPage

	backing *Backing

	// mmMu protects the attachment list; held only for list edits.
	mmMu   sync.Mutex
	mmHead *attachment
	mmTail *attachment

	addQueue     []*addPageReq
	workerActive bool
	workerCond   sync.Cond
}

// Base returns the enclave range base address.
func (e *Enclave) Base() uint64 { return e.base }

// Size returns the enclave range size.
func (e *Enclave) Size() uint64 { return e.size }

// Dead returns true once the enclave can no longer make progress.
func (e *Enclave) Dead() bool { return e.flags.Load()&flagDead != 0 }

// Initialized returns true once EINIT has succeeded.
func (e *Enclave) Initialized() bool { return e.flags.Load()&flagInitialized != 0 }

// Suspended returns true after a power transition killed the enclave.
func (e *Enclave) Suspended() bool { return e.flags.Load()&flagSuspend != 0 }

// IncRef takes a reference.
func (e *Enclave) IncRef() { e.refs.Add(1) }

// TryIncRef takes a reference unless the count already hit zero; the
// reclaimer depends on this to avoid resurrecting a releasing enclave.
func (e *Enclave) TryIncRef() bool {
	for {
		old := e.refs.Load()
		if old <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// DecRef drops a reference, releasing the enclave on the last one.
func (e *Enclave) DecRef() {
	if v := e.refs.Add(-1); v == 0 {
		e.release()
	} else if v < 0 {
		panic("enclave: reference count went negative")
	}
}

func (e *Enclave) setFlags(mask uint32) {
	for {
		old := e.flags.Load()
		if e.flags.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func pageLess(a, b *Page) bool {
	return a.desc&pageAddrMask < b.desc&pageAddrMask
}

// Create builds an enclave from a validated control structure and binds it
// to m, which must already span exactly the enclave range at page offset
// zero. The returned enclave holds one reference, owned by the mapping.
func (mgr *Manager) Create(ctx context.Context, secs *sgx.SECS, m Mapping) (*Enclave, error) {
	ssaSize := sgx.SSAFrameSize(secs.MiscSelect, secs.XFRM)
	if err := validateSECS(secs, ssaSize); err != nil {
		return nil, err
	}

	base, size := m.Range()
	if m.Enclave() != nil || base != secs.Base || size != secs.Size || m.PageOffset() != 0 {
		return nil, linuxerr.EINVAL
	}

	backing, err := NewBacking(secs.Size + sgx.PageSize)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { backing.Close() })
	defer cu.Clean()

	mgr.mu.Lock()
	mgr.nextID++
	id := mgr.nextID
	mgr.mu.Unlock()

	e := &Enclave{
		mgr:            mgr,
		id:             id,
		base:           secs.Base,
		size:           secs.Size,
		ssaFrameSize:   secs.SSAFrameSize,
		secsAttributes: secs.Attributes,
		pages:          btree.NewG[*Page](16, pageLess),
		backing:        backing,
	}
	e.allowedAttributes.Store(sgx.AllowedAttributesDefault)
	e.refs.Store(1)
	e.workerCond.L = &e.mu
	e.secs.encl = e
	e.attach(m.AddressSpace())

	secsPage, err := mgr.pool.Alloc(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { mgr.pool.Free(secsPage) })

	var img [sgx.PageSize]byte
	secs.MarshalBytes(img[:])
	if ret := mgr.ops.ECreate(encls.PageInfo{Contents: img[:]}, mgr.pool.Body(secsPage)); ret != 0 {
		log.Debugf("enclave %d: ECREATE returned %v", id, ret)
		return nil, &HardwareError{Op: "ECREATE", Ret: ret}
	}
	e.secs.epc = secsPage

	if secs.Attributes&sgx.AttrDebug != 0 {
		e.setFlags(flagDebug)
	}

	mgr.registerPower(e)
	m.SetEnclave(e)
	cu.Release()
	return e, nil
}

func validateSECS(secs *sgx.SECS, ssaSize uint32) error {
	if secs.Size < 2*sgx.PageSize || bits.OnesCount64(secs.Size) != 1 {
		return linuxerr.EINVAL
	}
	if secs.Base&(secs.Size-1) != 0 {
		return linuxerr.EINVAL
	}
	if secs.MiscSelect&sgx.MiscSelectReservedMask != 0 ||
		secs.Attributes&sgx.AttributesReservedMask != 0 ||
		secs.XFRM&sgx.XFRMReservedMask != 0 {
		return linuxerr.EINVAL
	}
	if secs.Attributes&sgx.AttrMode64Bit != 0 {
		if secs.Size > sgx.EncSizeMax64 {
			return linuxerr.EINVAL
		}
	} else if secs.Size > sgx.EncSizeMax32 {
		return linuxerr.EINVAL
	}
	if !sgx.ValidXFRM(secs.XFRM) {
		return linuxerr.EINVAL
	}
	if secs.SSAFrameSize == 0 || ssaSize > secs.SSAFrameSize {
		return linuxerr.EINVAL
	}
	if !secs.ReservedClear() {
		return linuxerr.EINVAL
	}
	return nil
}

// destroyLocked tears down every page binding and poisons the enclave.
// With final set (last reference gone) it spins out the narrow window in
// which the reclaimer holds a page between harvesting it and noticing the
// refcount is zero; otherwise such pages are left for the pipeline, which
// sees the dead flag and removes them without sealing.
func (e *Enclave) destroyLocked(final bool) {
	e.setFlags(flagDead)

	var doomed []*Page
	e.pages.Ascend(func(pg *Page) bool {
		if pg.epc != nil {
			doomed = append(doomed, pg)
		}
		return true
	})
	for _, pg := range doomed {
		for {
			if e.mgr.pool.TryFree(pg.epc) {
				e.secsChildCnt--
				pg.epc = nil
				e.pages.Delete(pg)
				break
			}
			if !final {
				break
			}
			// The reclaimer is mid-harvest on this page; it will
			// drop it as soon as it sees the zero refcount.
			runtime.Gosched()
		}
	}

	for _, va := range e.vaPages {
		e.mgr.pool.Free(va.page)
	}
	e.vaPages = nil

	if e.secsChildCnt == 0 && e.secs.epc != nil {
		e.mgr.pool.Free(e.secs.epc)
		e.secs.epc = nil
	}
}

// suspend implements the power-event callback: the enclave is destroyed
// and marked so that pending handles report the power loss.
func (e *Enclave) suspend() {
	e.mu.Lock()
	e.destroyLocked(false)
	e.setFlags(flagSuspend)
	e.mu.Unlock()
	e.flushAddWork()
}

// release frees all resources; called when the last reference drops.
func (e *Enclave) release() {
	e.mgr.unregisterPower(e)

	e.mu.Lock()
	e.destroyLocked(true)
	e.mu.Unlock()

	e.backing.Close()

	e.mmMu.Lock()
	e.mmHead = nil
	e.mmTail = nil
	e.mmMu.Unlock()

	log.Debugf("enclave %d: released", e.id)
}

// SetAllowedAttributes raises the attribute ceiling checked at
// initialization. Raising an already-raised bit is a no-op.
func (e *Enclave) SetAllowedAttributes(attr uint64) {
	for {
		old := e.allowedAttributes.Load()
		if e.allowedAttributes.CompareAndSwap(old, old|attr) {
			return
		}
	}
}

func (e *Enclave) secsBody() []byte {
	return e.mgr.pool.Body(e.secs.epc)
}
