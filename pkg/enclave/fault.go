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

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
	"epcd.dev/epcd/pkg/epc"
)

// Fault services an access fault at addr from an attached address space:
// the page is located, reloaded from backing storage if it was evicted,
// and its frame installed. EFAULT means bus error. EBUSY asks the caller
// to retry: the page cache is momentarily exhausted, or the page is in
// the middle of an eviction; either way the faulting access must not see
// a stale frame.
func (e *Enclave) Fault(as AddressSpace, addr uint64) error {
	flags := e.flags.Load()
	if flags&flagDead != 0 || flags&flagInitialized == 0 {
		return linuxerr.EFAULT
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pg, ok := e.pages.Get(&Page{desc: addr &^ (sgx.PageSize - 1)})
	if !ok {
		return linuxerr.EFAULT
	}
	if pg.Resident() {
		// An eviction in flight has selected this page; installing its
		// frame now would hand out memory about to be sealed away.
		if pg.desc&pageReclaimed != 0 {
			return linuxerr.EBUSY
		}
	} else {
		// Only a page with a recorded sealing slot can come back.
		if pg.va == nil {
			return linuxerr.EFAULT
		}
		if err := e.loadPageLocked(pg); err != nil {
			return err
		}
	}
	if err := as.MapFrame(pg.Addr(), e.mgr.pool.Body(pg.epc)); err != nil {
		return linuxerr.EFAULT
	}
	return nil
}

// loadPageLocked reloads the evicted pg: reverse of eviction, the sealed
// contents and metadata come back from the backing store, verified against
// the recorded version-array slot, and the page rejoins the reclaimable
// set.
func (e *Enclave) loadPageLocked(pg *Page) error {
	if e.secs.epc == nil {
		if err := e.loadSecsLocked(); err != nil {
			return err
		}
	}
	return e.load(pg, e.secsBody())
}

// loadSecsLocked reloads the control page itself, which gets evicted when
// the last resident child leaves an initialized enclave.
func (e *Enclave) loadSecsLocked() error {
	if e.secs.va == nil {
		return linuxerr.EFAULT
	}
	return e.load(&e.secs, nil)
}

func (e *Enclave) load(pg *Page, secsBody []byte) error {
	// The fault path must not wait on the reclaimer it may itself be
	// starving; on an exhausted pool, kick it and have the faulter retry.
	epcPage, err := e.mgr.pool.Alloc(context.Background(), pg.ownerOrNil(), false)
	if err != nil {
		e.mgr.pool.WakeReclaimer()
		return linuxerr.EBUSY
	}

	index := pg.Index()
	contents, err := e.backing.ReadPage(index)
	if err != nil {
		e.mgr.pool.Free(epcPage)
		return err
	}
	pcmd, err := e.backing.ReadPCMD(index)
	if err != nil {
		e.mgr.pool.Free(epcPage)
		return err
	}

	slot := uint32(pg.desc&vaOffsetMask) / sgx.VASlotSize
	pginfo := encls.PageInfo{
		Addr:     pg.Addr(),
		Contents: contents,
		Metadata: pcmd,
		SECS:     secsBody,
	}
	ret := e.mgr.ops.ELD(pginfo, e.mgr.pool.Body(epcPage), pg.va.slotBytes(e, slot))
	if ret != 0 {
		log.Warningf("enclave %d: ELD returned %v", e.id, ret)
		e.mgr.pool.Free(epcPage)
		return linuxerr.EFAULT
	}

	pg.va.free(slot)
	pg.va = nil
	pg.desc &^= vaOffsetMask | pageReclaimed
	pg.epc = epcPage
	if pg != &e.secs {
		e.secsChildCnt++
		e.mgr.pool.MarkReclaimable(epcPage)
	}
	return nil
}

// ownerOrNil returns the page as a reclaim owner, except for the control
// page, which never joins the reclaimable set directly.
func (pg *Page) ownerOrNil() epc.PageOwner {
	if pg.encl != nil && pg == &pg.encl.secs {
		return nil
	}
	return pg
}
