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
	"runtime"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
	"epcd.dev/epcd/pkg/epc"
)

// addPageReq is one queued page addition. The request holds an enclave
// reference from enqueue until the worker finishes with it, successful or
// not.
type addPageReq struct {
	page    *Page
	secinfo sgx.SecInfo
	mrmask  uint16
}

// AddPage stages a page addition: the source data lands in the backing
// store immediately, the page map gains the entry, and the hardware add is
// left to the enclave's worker. Additions are rejected once initialization
// or death has happened, and at an address that already has a page.
func (e *Enclave) AddPage(ctx context.Context, addr uint64, data []byte, secinfo sgx.SecInfo, mrmask uint16) error {
	if err := validateSecInfo(&secinfo); err != nil {
		return err
	}
	if secinfo.PageType() == sgx.PageTypeTCS {
		var tcs sgx.TCS
		tcs.UnmarshalBytes(data)
		if err := e.validateTCS(&tcs); err != nil {
			return err
		}
	}
	if addr&(sgx.PageSize-1) != 0 || addr < e.base || addr+sgx.PageSize > e.base+e.size {
		return linuxerr.EINVAL
	}
	if len(data) != sgx.PageSize {
		return linuxerr.EINVAL
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flags.Load()&(flagInitialized|flagDead) != 0 {
		if e.Suspended() {
			return ErrPowerLost
		}
		return linuxerr.EINVAL
	}

	pg := &Page{desc: addr, encl: e}
	if secinfo.PageType() == sgx.PageTypeTCS {
		pg.desc |= pageTCS
	}
	if _, dup := e.pages.Get(pg); dup {
		return linuxerr.EEXIST
	}
	if err := e.backing.WritePage(pg.Index(), data); err != nil {
		return err
	}
	e.pages.ReplaceOrInsert(pg)

	e.IncRef()
	e.addQueue = append(e.addQueue, &addPageReq{page: pg, secinfo: secinfo, mrmask: mrmask})
	if !e.workerActive {
		e.workerActive = true
		go e.addPageWorker()
	}
	return nil
}

func validateSecInfo(secinfo *sgx.SecInfo) error {
	perm := secinfo.Flags & sgx.SecInfoPermissionMask
	pt := secinfo.PageType()
	if secinfo.Flags&sgx.SecInfoReservedMask != 0 {
		return linuxerr.EINVAL
	}
	if perm&sgx.SecInfoW != 0 && perm&sgx.SecInfoR == 0 {
		return linuxerr.EINVAL
	}
	if pt != sgx.PageTypeTCS && pt != sgx.PageTypeREG && pt != sgx.PageTypeTRIM {
		return linuxerr.EINVAL
	}
	for _, r := range secinfo.Reserved {
		if r != 0 {
			return linuxerr.EINVAL
		}
	}
	return nil
}

func (e *Enclave) validOffset(off uint64) bool {
	return off&(sgx.PageSize-1) == 0 && off < e.size
}

func (e *Enclave) validateTCS(tcs *sgx.TCS) error {
	if tcs.Flags&sgx.TCSReservedMask != 0 {
		return linuxerr.EINVAL
	}
	if tcs.Flags&sgx.TCSDbgOptIn != 0 {
		return linuxerr.EINVAL
	}
	if !e.validOffset(tcs.SSAOffset) || !e.validOffset(tcs.FSOffset) || !e.validOffset(tcs.GSOffset) {
		return linuxerr.EINVAL
	}
	if tcs.FSLimit&0xFFF != 0xFFF || tcs.GSLimit&0xFFF != 0xFFF {
		return linuxerr.EINVAL
	}
	if !tcs.ReservedClear() {
		return linuxerr.EINVAL
	}
	return nil
}

// addPageWorker drains the enclave's request queue, one hardware add (plus
// measurement extends) per iteration, yielding between requests so a big
// build does not monopolize the scheduler. A failed request kills the
// enclave; the remaining queue is then discarded request by request, each
// dropping the reference it held.
func (e *Enclave) addPageWorker() {
	for {
		runtime.Gosched()

		e.mu.Lock()
		if len(e.addQueue) == 0 {
			e.workerActive = false
			e.workerCond.Broadcast()
			e.mu.Unlock()
			return
		}
		req := e.addQueue[0]
		e.addQueue = e.addQueue[1:]
		skip := e.flags.Load()&flagDead != 0
		e.mu.Unlock()

		if !skip {
			epcPage, err := e.mgr.pool.Alloc(context.Background(), req.page, true)
			e.mu.Lock()
			if err != nil {
				e.destroyLocked(false)
			} else if !e.processAddReqLocked(req, epcPage) {
				e.mgr.pool.Free(epcPage)
				e.destroyLocked(false)
			}
			e.mu.Unlock()
		}

		e.DecRef()
	}
}

// processAddReqLocked performs the hardware add and the selected
// measurement extends for one request. Returns false on any failure; the
// caller owns the epc page until this returns true.
func (e *Enclave) processAddReqLocked(req *addPageReq, epcPage *epc.Page) bool {
	if e.flags.Load()&(flagSuspend|flagDead) != 0 {
		return false
	}

	data, err := e.backing.ReadPage(req.page.Index())
	if err != nil {
		return false
	}

	pginfo := encls.PageInfo{
		Addr:     req.page.Addr(),
		Contents: data,
		SecInfo:  &req.secinfo,
		SECS:     e.secsBody(),
	}
	body := e.mgr.pool.Body(epcPage)
	if ret := e.mgr.ops.EAdd(pginfo, body); ret != 0 {
		if ret.Faulted() {
			log.Warningf("enclave %d: EADD returned %v", e.id, ret)
		}
		return false
	}

	for i := 0; i < 16; i++ {
		if req.mrmask&(1<<i) == 0 {
			continue
		}
		chunk := body[i*256 : (i+1)*256]
		if ret := e.mgr.ops.EExtend(e.secsBody(), chunk); ret != 0 {
			if ret.Faulted() {
				log.Warningf("enclave %d: EEXTEND returned %v", e.id, ret)
			}
			return false
		}
	}

	req.page.epc = epcPage
	e.secsChildCnt++
	e.mgr.pool.MarkReclaimable(epcPage)
	return true
}

// flushAddWork waits for the worker to drain every queued addition.
func (e *Enclave) flushAddWork() {
	e.mu.Lock()
	for e.workerActive {
		e.workerCond.Wait()
	}
	e.mu.Unlock()
}

// Flush waits until every staged page addition has reached the hardware.
// Builders that need the measurement settled (to sign it, say) call this
// before reading it; initialization flushes on its own.
func (e *Enclave) Flush() {
	e.flushAddWork()
}
