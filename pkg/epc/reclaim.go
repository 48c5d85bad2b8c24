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

package epc

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/log"
)

// ReclaimPages runs one eviction batch: up to the configured batch size of
// pages are taken from the head of the reclaim list and pushed through the
// four eviction phases. Pages whose owner container is already being
// released are dropped (the owner free wins); pages that turn out to be
// recently used go back to the tail.
//
// The phase structure is strict: every surviving candidate is blocked
// before any candidate is written back, so a page's unmapping is globally
// ordered before its sealing.
func (p *Pool) ReclaimPages() {
	chunk := make([]*Page, 0, p.batch)

	// Phase 1: harvest candidates, taking owner references.
	p.reclaimMu.Lock()
	for len(chunk) < p.batch {
		pg := p.reclaimList.popFront(tagReclaim)
		if pg == nil {
			break
		}
		if pg.owner.TryGet() {
			chunk = append(chunk, pg)
			continue
		}
		// The owner is mid-release; its teardown is spinning on this
		// page. Clearing the flags hands the free back to it. Freeing
		// here instead would race that spin into a double free.
		pg.flags.Store(0)
	}
	p.reclaimMu.Unlock()

	// Phase 2: age-test. Recently used pages are unselected and recycled
	// to the list tail.
	for i, pg := range chunk {
		if pg.Flags()&PageReclaimed != 0 || pg.owner.Age() {
			continue
		}
		pg.owner.Put()
		p.reclaimMu.Lock()
		p.reclaimList.pushBack(pg, tagReclaim)
		p.reclaimMu.Unlock()
		chunk[i] = nil
	}

	// Phase 3: block every survivor before any write-back starts.
	for _, pg := range chunk {
		if pg != nil {
			pg.owner.Block()
		}
	}

	// Phase 4: write back and return to the section.
	freed := 0
	for _, pg := range chunk {
		if pg == nil {
			continue
		}
		pg.owner.WriteBack()
		pg.owner.Put()
		pg.flags.Store(0)
		p.putFree(pg)
		freed++
	}
	if freed > 0 {
		log.Debugf("epc: reclaimed %d pages, %d free", freed, p.FreeCount())
	}
	p.signalProgress()
}

func (p *Pool) shouldReclaim() bool {
	if p.FreeCount() >= p.high {
		return false
	}
	p.reclaimMu.Lock()
	defer p.reclaimMu.Unlock()
	return !p.reclaimList.empty()
}

// WakeReclaimer nudges the reclaimer task; callers do so on allocation
// failure and when pressure builds under the low watermark.
func (p *Pool) WakeReclaimer() {
	p.reclaimerMu.Lock()
	p.reclaimerCond.Signal()
	p.reclaimerMu.Unlock()
}

// runReclaimer is the long-running reclaimer task. It sleeps until the
// free count drops below the high watermark with work available, then
// batches evictions until the predicate clears.
func (p *Pool) runReclaimer() {
	defer p.wg.Done()
	p.reclaimerMu.Lock()
	for {
		for !p.destroyed && !p.shouldReclaim() {
			p.reclaimerCond.Wait()
		}
		if p.destroyed {
			p.reclaimerMu.Unlock()
			return
		}
		p.reclaimerMu.Unlock()
		p.ReclaimPages()
		runtime.Gosched()
		p.reclaimerMu.Lock()
	}
}
