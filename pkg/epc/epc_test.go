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
	"context"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"epcd.dev/epcd/pkg/encls/simencls"
)

// fakeOwner is a reclaim owner whose behavior the tests script.
type fakeOwner struct {
	refs atomicbitops.Int64

	young      atomicbitops.Bool
	ageCalls   atomicbitops.Int64
	blockCalls atomicbitops.Int64
	writeCalls atomicbitops.Int64
}

func newFakeOwner() *fakeOwner {
	o := &fakeOwner{}
	o.refs.Store(1)
	return o
}

func (o *fakeOwner) TryGet() bool {
	for {
		old := o.refs.Load()
		if old <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

func (o *fakeOwner) Put() { o.refs.Add(-1) }

func (o *fakeOwner) Age() bool {
	o.ageCalls.Add(1)
	return !o.young.Load()
}

func (o *fakeOwner) Block() { o.blockCalls.Add(1) }

func (o *fakeOwner) WriteBack() { o.writeCalls.Add(1) }

func newTestPool(t *testing.T, sections ...int) *Pool {
	t.Helper()
	p, err := NewPool(Opts{
		SectionPages: sections,
		Ops:          simencls.New(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func checkCounts(t *testing.T, p *Pool) {
	t.Helper()
	for _, s := range p.Sections() {
		s.mu.Lock()
		listed := uint64(s.free.len)
		s.mu.Unlock()
		if got := s.FreeCount(); got != listed {
			t.Errorf("section %d: free count %d, list length %d", s.index, got, listed)
		}
	}
}

func TestAllocFree(t *testing.T) {
	p := newTestPool(t, 4, 4)
	total := p.FreeCount()
	if total != 8 {
		t.Fatalf("FreeCount: got %d, want 8", total)
	}

	owner := newFakeOwner()
	var pages []*Page
	for i := 0; i < 8; i++ {
		pg, err := p.Alloc(context.Background(), owner, false)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		pages = append(pages, pg)
		checkCounts(t, p)
	}
	if got := p.FreeCount(); got != 0 {
		t.Fatalf("FreeCount after draining: got %d, want 0", got)
	}

	if _, err := p.Alloc(context.Background(), owner, false); err != linuxerr.ENOMEM {
		t.Fatalf("Alloc on empty pool: got %v, want ENOMEM", err)
	}

	for _, pg := range pages {
		p.Free(pg)
		checkCounts(t, p)
	}
	if got := p.FreeCount(); got != total {
		t.Fatalf("FreeCount after freeing: got %d, want %d", got, total)
	}
}

func TestAllocSpreadsSections(t *testing.T) {
	p := newTestPool(t, 8, 8)
	owner := newFakeOwner()

	seen := map[int]int{}
	for i := 0; i < 8; i++ {
		pg, err := p.Alloc(context.Background(), owner, false)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		seen[pg.SectionIndex()]++
	}
	if len(seen) != 2 {
		t.Errorf("allocations landed in %d sections, want 2: %v", len(seen), seen)
	}
}

func TestTryFreeOnList(t *testing.T) {
	p := newTestPool(t, 4)
	owner := newFakeOwner()

	pg, err := p.Alloc(context.Background(), owner, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.MarkReclaimable(pg)
	if got := p.ReclaimCount(); got != 1 {
		t.Fatalf("ReclaimCount: got %d, want 1", got)
	}

	if !p.TryFree(pg) {
		t.Fatal("TryFree of a listed page reported deferred")
	}
	if got := p.ReclaimCount(); got != 0 {
		t.Errorf("ReclaimCount after TryFree: got %d, want 0", got)
	}
	if got := p.FreeCount(); got != 4 {
		t.Errorf("FreeCount after TryFree: got %d, want 4", got)
	}
}

func TestReclaimEvictsColdPages(t *testing.T) {
	p := newTestPool(t, 4)
	owner := newFakeOwner()

	for i := 0; i < 4; i++ {
		pg, err := p.Alloc(context.Background(), owner, false)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		p.MarkReclaimable(pg)
	}

	p.ReclaimPages()

	if got := owner.blockCalls.Load(); got != 4 {
		t.Errorf("block calls: got %d, want 4", got)
	}
	if got := owner.writeCalls.Load(); got != 4 {
		t.Errorf("write-back calls: got %d, want 4", got)
	}
	if got := p.FreeCount(); got != 4 {
		t.Errorf("FreeCount after reclaim: got %d, want 4", got)
	}
	if got := owner.refs.Load(); got != 1 {
		t.Errorf("owner refs after reclaim: got %d, want 1", got)
	}
}

func TestReclaimSkipsYoungPages(t *testing.T) {
	p := newTestPool(t, 4)
	owner := newFakeOwner()
	owner.young.Store(true)

	pg, err := p.Alloc(context.Background(), owner, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.MarkReclaimable(pg)

	p.ReclaimPages()

	if got := owner.writeCalls.Load(); got != 0 {
		t.Errorf("young page written back %d times", got)
	}
	if got := p.ReclaimCount(); got != 1 {
		t.Errorf("young page not recycled to the list: count %d", got)
	}
	if pg.Flags()&PageReclaimable == 0 {
		t.Error("young page lost its reclaimable flag")
	}
}

func TestReclaimDropsReleasedOwners(t *testing.T) {
	p := newTestPool(t, 4)
	owner := newFakeOwner()

	pg, err := p.Alloc(context.Background(), owner, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.MarkReclaimable(pg)

	// Drop the last owner reference; TryGet must now fail and the
	// pipeline must step aside for the owner's free.
	owner.Put()
	p.ReclaimPages()

	if got := owner.ageCalls.Load(); got != 0 {
		t.Errorf("released owner was age-tested %d times", got)
	}
	if pg.Flags() != 0 {
		t.Errorf("dropped page kept flags %#x", pg.Flags())
	}
	if !p.TryFree(pg) {
		t.Error("owner free after pipeline drop was deferred")
	}
	if got := p.FreeCount(); got != 4 {
		t.Errorf("FreeCount: got %d, want 4", got)
	}
}

func TestAllocWaitsForReclaim(t *testing.T) {
	p := newTestPool(t, 2)
	owner := newFakeOwner()

	for i := 0; i < 2; i++ {
		pg, err := p.Alloc(context.Background(), owner, false)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		p.MarkReclaimable(pg)
	}

	// The pool is exhausted but the reclaim list is populated, so a
	// waiting allocation must eventually succeed off the reclaimer.
	done := make(chan error, 1)
	go func() {
		_, err := p.Alloc(context.Background(), owner, true)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiting Alloc: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("waiting Alloc never completed")
	}
}

func TestAllocInterruptible(t *testing.T) {
	p := newTestPool(t, 1)
	owner := newFakeOwner()
	owner.young.Store(true)

	pg, err := p.Alloc(context.Background(), owner, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.MarkReclaimable(pg)

	// The only reclaimable page keeps reporting young, so the wait can
	// only end by interruption.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Alloc(ctx, owner, true)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != linuxerr.ERESTARTSYS {
			t.Fatalf("interrupted Alloc: got %v, want ERESTARTSYS", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("interrupted Alloc never returned")
	}
}
