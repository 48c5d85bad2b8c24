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
	"gvisor.dev/gvisor/pkg/log"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
)

// Page implements epc.PageOwner; the reclaim pipeline drives eviction
// through these callbacks.

// TryGet pins the owning enclave for the duration of a reclaim batch.
func (pg *Page) TryGet() bool { return pg.encl.TryIncRef() }

// Put undoes TryGet.
func (pg *Page) Put() { pg.encl.DecRef() }

// Age reports whether the page should be evicted. Every attached address
// space is asked whether the page was recently touched; one young answer
// saves it. Pages of a dead enclave are always selected, and a selected
// page is marked evicted so a racing fault knows to wait rather than map a
// frame that is about to disappear.
func (pg *Page) Age() bool {
	e := pg.encl
	selected := true
	e.forEachAttachment(func(as AddressSpace) bool {
		e.mu.Lock()
		if e.flags.Load()&flagDead != 0 {
			e.mu.Unlock()
			return true
		}
		young := as.TestAndClearYoung(pg.Addr())
		e.mu.Unlock()
		if young {
			selected = false
			return true
		}
		return false
	})
	if selected {
		e.mu.Lock()
		pg.desc |= pageReclaimed
		e.mu.Unlock()
	}
	return selected
}

// Block makes the page unreachable: its translation is zapped in every
// attached address space, then the hardware block closes the window for
// in-enclave accesses. Nothing may be written back before this completes.
func (pg *Page) Block() {
	e := pg.encl
	addr := pg.Addr()
	e.forEachAttachment(func(as AddressSpace) bool {
		e.mu.Lock()
		as.ZapRange(addr, sgx.PageSize)
		e.mu.Unlock()
		return false
	})

	e.mu.Lock()
	if e.flags.Load()&flagDead == 0 {
		if ret := e.mgr.ops.EBlock(e.mgr.pool.Body(pg.epc)); ret.Faulted() {
			log.Warningf("enclave %d: EBLOCK returned %v", e.id, ret)
		}
	}
	e.mu.Unlock()
}

// WriteBack seals the page out to the backing store and unbinds it. When
// the last resident child of an initialized or dead enclave leaves, the
// control page follows it out.
func (pg *Page) WriteBack() {
	e := pg.encl

	e.mu.Lock()
	defer e.mu.Unlock()

	e.writeBackLocked(pg, false)
	e.secsChildCnt--
	if e.secsChildCnt == 0 && e.flags.Load()&(flagDead|flagInitialized) != 0 {
		e.writeBackLocked(&e.secs, true)
	}
}

// writeBackLocked runs the write-back sequence for one page: version-array
// slot, hardware write-back with the track-and-shootdown escalation, then
// the sealed image and metadata land in the backing store. For a dead
// enclave the contents are dropped instead. With doFree the epc page goes
// straight back to its section (the control-page case; regular pages are
// returned by the pipeline).
func (e *Enclave) writeBackLocked(pg *Page, doFree bool) {
	cpus := e.cpuMask()

	pg.desc &^= pageReclaimed

	if e.flags.Load()&flagDead == 0 {
		va, slot, err := e.allocVASlotLocked()
		if err != nil {
			// No sealing slot means the contents cannot survive
			// eviction; the enclave cannot be kept coherent.
			log.Warningf("enclave %d: no version array slot: %v", e.id, err)
			e.setFlags(flagDead)
			e.mgr.ops.ERemove(e.mgr.pool.Body(pg.epc))
		} else {
			e.ewbLocked(pg, va, slot, cpus)
		}
	} else if !doFree {
		if ret := e.mgr.ops.ERemove(e.mgr.pool.Body(pg.epc)); ret != 0 {
			log.Warningf("enclave %d: EREMOVE returned %v", e.id, ret)
		}
	}

	if doFree {
		e.mgr.pool.Free(pg.epc)
	}
	pg.epc = nil
}

func (e *Enclave) ewbLocked(pg *Page, va *vaPage, slot uint32, cpus uint64) {
	index := pg.Index()
	contents := make([]byte, sgx.PageSize)
	pcmd := make([]byte, sgx.PCMDSize)
	pginfo := encls.PageInfo{
		Contents: contents,
		Metadata: pcmd,
	}
	body := e.mgr.pool.Body(pg.epc)
	vaSlot := va.slotBytes(e, slot)

	ret := e.mgr.ops.EWB(pginfo, body, vaSlot)
	if ret == encls.ErrNotTracked {
		if tr := e.mgr.ops.ETrack(e.secsBody()); tr != 0 {
			log.Warningf("enclave %d: ETRACK returned %v", e.id, tr)
		}
		ret = e.mgr.ops.EWB(pginfo, body, vaSlot)
		if ret == encls.ErrNotTracked {
			// Straggling processors are still inside the enclave;
			// force them out and try once more.
			e.mgr.remote.Shootdown(cpus)
			ret = e.mgr.ops.EWB(pginfo, body, vaSlot)
		}
	}
	if ret != 0 {
		log.Warningf("enclave %d: EWB returned %v, page %d lost", e.id, ret, index)
		va.free(slot)
		return
	}

	if err := e.backing.WritePage(index, contents); err != nil {
		log.Warningf("enclave %d: backing write failed: %v", e.id, err)
	}
	if err := e.backing.WritePCMD(index, pcmd); err != nil {
		log.Warningf("enclave %d: metadata write failed: %v", e.id, err)
	}

	pg.desc |= (uint64(slot) * sgx.VASlotSize) & vaOffsetMask
	pg.va = va
}
