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

	"gvisor.dev/gvisor/pkg/bitmap"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/epc"
)

// vaPage is a version-array page: an epc page holding sealing slots for
// evicted pages, with a bitmap of which slots are in use. The enclave
// keeps its va pages in insertion order with the partially-filled one at
// the head.
type vaPage struct {
	page  *epc.Page
	slots bitmap.Bitmap
}

func newVAPage(page *epc.Page) *vaPage {
	return &vaPage{page: page, slots: bitmap.New(sgx.VASlotCount)}
}

func (va *vaPage) full() bool {
	return va.slots.GetNumOnes() == sgx.VASlotCount
}

// alloc takes the lowest free slot. The caller checks full() first.
func (va *vaPage) alloc() uint32 {
	slot, err := va.slots.FirstZero(0)
	if err != nil {
		panic("enclave: version array page overcommitted")
	}
	va.slots.Add(slot)
	return slot
}

func (va *vaPage) free(slot uint32) {
	va.slots.Remove(slot)
}

func (va *vaPage) slotBytes(e *Enclave, slot uint32) []byte {
	body := e.mgr.pool.Body(va.page)
	off := int(slot) * sgx.VASlotSize
	return body[off : off+sgx.VASlotSize]
}

// allocVASlotLocked finds a free sealing slot, creating a fresh version
// array page when the current one is full. A page that fills up moves to
// the list tail so the head is always the one to try first.
func (e *Enclave) allocVASlotLocked() (*vaPage, uint32, error) {
	if len(e.vaPages) == 0 || e.vaPages[0].full() {
		page, err := e.mgr.pool.Alloc(context.Background(), nil, false)
		if err != nil {
			return nil, 0, err
		}
		if ret := e.mgr.ops.EPA(e.mgr.pool.Body(page)); ret != 0 {
			e.mgr.pool.Free(page)
			return nil, 0, &HardwareError{Op: "EPA", Ret: ret}
		}
		e.vaPages = append([]*vaPage{newVAPage(page)}, e.vaPages...)
	}
	va := e.vaPages[0]
	slot := va.alloc()
	if va.full() {
		e.vaPages = append(e.vaPages[1:], va)
	}
	return va, slot, nil
}
