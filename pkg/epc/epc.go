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

// Package epc multiplexes the enclave page cache.
//
// The page cache is a small fixed set of sealed pages carved out of physical
// memory in one or more sections. Pool owns the sections, hands pages out to
// enclave owners, and runs the reclaimer that evicts cold pages back to
// their owners' backing stores when the pool runs low. Pool is an explicit
// context object: construct it at startup, pass it to every consumer, and
// Destroy it at teardown.
package epc

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
)

// MaxSections bounds how many sections firmware may describe; section
// indices must fit the low bits of a page descriptor.
const MaxSections = 8

const (
	sectionMask  = uint64(MaxSections - 1)
	frameShift   = sgx.PageShift
	tagNone      = uint8(0)
	tagFree      = uint8(1)
	tagReclaim   = uint8(2)
)

// Page flag bits.
const (
	// PageReclaimable marks a page that has been published to the reclaim
	// list. The flag stays set while the reclaimer has taken the page off
	// the list mid-eviction, which is why membership cannot be inferred
	// from the flag alone.
	PageReclaimable = uint32(1 << 0)

	// PageReclaimed marks a deferred free: the owner wanted the page back
	// while the reclaimer held it. Whoever holds the page next completes
	// the free.
	PageReclaimed = uint32(1 << 1)
)

// PageOwner is the consumer half of the reclaim protocol. The pipeline
// calls these against the owner recorded at allocation time; TryGet/Put
// bracket every other call so the owner's container cannot disappear
// mid-phase.
type PageOwner interface {
	// TryGet takes a reference on the owning container, failing if it is
	// already being released.
	TryGet() bool

	// Put drops the reference taken by TryGet.
	Put()

	// Age decides whether the page is cold enough to evict. Returning
	// false sends the page back to the tail of the reclaim list.
	Age() bool

	// Block makes the page inaccessible: unmaps it everywhere and issues
	// the hardware block. Must complete before WriteBack is invoked.
	Block()

	// WriteBack seals the page out to backing storage. After it returns
	// the pipeline puts the page back on its section free list.
	WriteBack()
}

// Page is one enclave page cache page. The descriptor packs the owning
// section index in the low bits and the frame number above the page shift,
// the same encoding the hardware uses for physical addresses.
type Page struct {
	desc  uint64
	flags atomicbitops.Uint32
	owner PageOwner

	// Intrusive link, used by either the section free list or the reclaim
	// list; tag says which, and is only consulted under the corresponding
	// lock (or in invariant assertions).
	next, prev *Page
	tag        uint8
}

// SectionIndex returns the index of the owning section.
func (p *Page) SectionIndex() int { return int(p.desc & sectionMask) }

// Frame returns the page's frame number within its section.
func (p *Page) Frame() int { return int(p.desc >> frameShift) }

// Flags returns the current flag bits.
func (p *Page) Flags() uint32 { return p.flags.Load() }

// Owner returns the owner recorded at allocation.
func (p *Page) Owner() PageOwner { return p.owner }

// Section is one firmware-described contiguous range of pages.
type Section struct {
	index int
	arena []byte
	pages []Page

	mu   sync.Mutex
	free pageList

	// freeCnt is the authoritative availability signal; read lock-free by
	// the watermark checks, mutated only under mu.
	freeCnt atomicbitops.Uint64
}

// FreeCount returns the section's free page count.
func (s *Section) FreeCount() uint64 { return s.freeCnt.Load() }

// body returns the backing memory of p within its section.
func (s *Section) body(p *Page) []byte {
	off := p.Frame() * sgx.PageSize
	return s.arena[off : off+sgx.PageSize : off+sgx.PageSize]
}

// Opts configures a Pool.
type Opts struct {
	// SectionPages gives the page count of each section, in order.
	SectionPages []int

	// LowWater, HighWater and Batch tune the reclaimer; zero values pick
	// the defaults (32, 64, 16).
	LowWater  uint64
	HighWater uint64
	Batch     int

	// Ops is the privileged primitive layer, used for removal on free.
	Ops encls.Ops
}

// Default watermarks and scan batch.
const (
	DefaultLowWater  = 32
	DefaultHighWater = 64
	DefaultBatch     = 16
)

// Pool owns every section and the reclaim machinery.
type Pool struct {
	sections []*Section
	ops      encls.Ops
	cursor   atomicbitops.Uint32

	low   uint64
	high  uint64
	batch int

	// reclaimMu protects the reclaim list; critical sections are a few
	// pointer writes, never a hardware op.
	reclaimMu   sync.Mutex
	reclaimList pageList

	// reclaimerMu/reclaimerCond implement the reclaimer task's idle wait.
	reclaimerMu   sync.Mutex
	reclaimerCond *sync.Cond
	destroyed     bool
	wg            sync.WaitGroup

	// progress is closed and replaced after every completed batch; the
	// allocator waits on it when the pool is exhausted.
	progressMu sync.Mutex
	progress   chan struct{}
}

// NewPool builds the sections and starts the reclaimer task.
func NewPool(opts Opts) (*Pool, error) {
	if len(opts.SectionPages) == 0 || len(opts.SectionPages) > MaxSections {
		return nil, fmt.Errorf("epc: need between 1 and %d sections, got %d", MaxSections, len(opts.SectionPages))
	}
	if opts.Ops == nil {
		return nil, fmt.Errorf("epc: no primitive layer")
	}
	p := &Pool{
		ops:      opts.Ops,
		low:      opts.LowWater,
		high:     opts.HighWater,
		batch:    opts.Batch,
		progress: make(chan struct{}),
	}
	if p.low == 0 {
		p.low = DefaultLowWater
	}
	if p.high == 0 {
		p.high = DefaultHighWater
	}
	if p.batch == 0 {
		p.batch = DefaultBatch
	}
	for i, n := range opts.SectionPages {
		if n <= 0 {
			return nil, fmt.Errorf("epc: section %d has no pages", i)
		}
		s := &Section{
			index: i,
			arena: make([]byte, n*sgx.PageSize),
			pages: make([]Page, n),
		}
		for f := range s.pages {
			pg := &s.pages[f]
			pg.desc = uint64(f)<<frameShift | uint64(i)
			s.free.pushBack(pg, tagFree)
		}
		s.freeCnt.Store(uint64(n))
		p.sections = append(p.sections, s)
	}
	p.reclaimerCond = sync.NewCond(&p.reclaimerMu)
	p.wg.Add(1)
	go p.runReclaimer()
	return p, nil
}

// Destroy stops the reclaimer task. Every page must already be free.
func (p *Pool) Destroy() {
	p.reclaimerMu.Lock()
	p.destroyed = true
	p.reclaimerCond.Signal()
	p.reclaimerMu.Unlock()
	p.wg.Wait()
}

// Body returns the memory backing p.
func (p *Pool) Body(pg *Page) []byte {
	return p.sections[pg.SectionIndex()].body(pg)
}

// FreeCount returns the total number of free pages across all sections.
func (p *Pool) FreeCount() uint64 {
	var n uint64
	for _, s := range p.sections {
		n += s.FreeCount()
	}
	return n
}

// Sections returns the sections, for accounting.
func (p *Pool) Sections() []*Section { return p.sections }

// Alloc takes a free page and binds it to owner. With reclaim set, an
// exhausted pool wakes the reclaimer and waits for it to make progress,
// retrying until a page appears, the reclaim list runs dry (ENOMEM), or ctx
// is done (ERESTARTSYS). Without reclaim, exhaustion is an immediate
// ENOMEM; that variant is safe to call from the reclaim path itself.
func (p *Pool) Alloc(ctx context.Context, owner PageOwner, reclaim bool) (*Page, error) {
	for {
		if pg := p.tryAlloc(owner); pg != nil {
			return pg, nil
		}
		if !reclaim {
			return nil, linuxerr.ENOMEM
		}
		p.reclaimMu.Lock()
		empty := p.reclaimList.empty()
		p.reclaimMu.Unlock()
		if empty {
			return nil, linuxerr.ENOMEM
		}
		ch := p.progressChan()
		p.WakeReclaimer()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, linuxerr.ERESTARTSYS
		}
	}
}

func (p *Pool) tryAlloc(owner PageOwner) *Page {
	start := int(p.cursor.Add(1))
	for i := range p.sections {
		s := p.sections[(start+i)%len(p.sections)]
		s.mu.Lock()
		pg := s.free.popFront(tagFree)
		if pg == nil {
			s.mu.Unlock()
			continue
		}
		s.freeCnt.Add(^uint64(0))
		s.mu.Unlock()
		pg.owner = owner
		pg.flags.Store(0)
		return pg
	}
	return nil
}

// Free unconditionally returns pg to its section: the page is removed from
// the enclave it belonged to and pushed back on the free list. pg must not
// be on any list.
func (p *Pool) Free(pg *Page) {
	if r := p.ops.ERemove(p.Body(pg)); r.Faulted() {
		panic(fmt.Sprintf("epc: EREMOVE faulted on %d/%d: %v", pg.SectionIndex(), pg.Frame(), r))
	}
	p.putFree(pg)
}

// putFree pushes pg onto its section free list without touching hardware
// state; the reclaim pipeline uses it after write-back has already evicted
// the page.
func (p *Pool) putFree(pg *Page) {
	if pg.tag != tagNone {
		panic("epc: freeing a page still on a list")
	}
	pg.owner = nil
	pg.flags.Store(0)
	s := p.sections[pg.SectionIndex()]
	s.mu.Lock()
	s.free.pushBack(pg, tagFree)
	s.freeCnt.Add(1)
	s.mu.Unlock()
}

// TryFree attempts to take pg back from the reclaim machinery and free it.
// If the page is sitting on the reclaim list it is detached and freed,
// returning true. If the reclaimer has already taken it, the free is
// recorded on the page (PageReclaimed) and deferred to whoever holds it;
// TryFree returns false and the caller must leave the binding in place.
func (p *Pool) TryFree(pg *Page) bool {
	p.reclaimMu.Lock()
	switch {
	case pg.tag == tagReclaim:
		p.reclaimList.remove(pg, tagReclaim)
		pg.flags.Store(0)
		p.reclaimMu.Unlock()
		p.Free(pg)
		return true
	case pg.Flags()&PageReclaimable != 0:
		setFlag(&pg.flags, PageReclaimed)
		p.reclaimMu.Unlock()
		return false
	default:
		p.reclaimMu.Unlock()
		p.Free(pg)
		return true
	}
}

// MarkReclaimable publishes pg to the reclaim list. Under the low
// watermark this also kicks the reclaimer so pressure is answered before
// allocators start waiting.
func (p *Pool) MarkReclaimable(pg *Page) {
	p.reclaimMu.Lock()
	setFlag(&pg.flags, PageReclaimable)
	p.reclaimList.pushBack(pg, tagReclaim)
	p.reclaimMu.Unlock()
	if p.FreeCount() < p.low {
		p.WakeReclaimer()
	}
}

// ReclaimCount returns the length of the reclaim list.
func (p *Pool) ReclaimCount() int {
	p.reclaimMu.Lock()
	defer p.reclaimMu.Unlock()
	return p.reclaimList.len
}

func (p *Pool) progressChan() <-chan struct{} {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	return p.progress
}

func (p *Pool) signalProgress() {
	p.progressMu.Lock()
	close(p.progress)
	p.progress = make(chan struct{})
	p.progressMu.Unlock()
}

func setFlag(f *atomicbitops.Uint32, bit uint32) {
	for {
		old := f.Load()
		if f.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// pageList is an intrusive doubly-linked list of pages. Transitions assert
// the page's tag so that a page can never sit on two lists at once.
type pageList struct {
	head, tail *Page
	len        int
}

func (l *pageList) empty() bool { return l.head == nil }

func (l *pageList) pushBack(pg *Page, tag uint8) {
	if pg.tag != tagNone {
		panic("epc: page already on a list")
	}
	pg.tag = tag
	pg.prev = l.tail
	pg.next = nil
	if l.tail != nil {
		l.tail.next = pg
	} else {
		l.head = pg
	}
	l.tail = pg
	l.len++
}

func (l *pageList) popFront(tag uint8) *Page {
	pg := l.head
	if pg == nil {
		return nil
	}
	l.remove(pg, tag)
	return pg
}

func (l *pageList) remove(pg *Page, tag uint8) {
	if pg.tag != tag {
		panic("epc: page on the wrong list")
	}
	if pg.prev != nil {
		pg.prev.next = pg.next
	} else {
		l.head = pg.next
	}
	if pg.next != nil {
		pg.next.prev = pg.prev
	} else {
		l.tail = pg.prev
	}
	pg.next = nil
	pg.prev = nil
	pg.tag = tagNone
	l.len--
}
