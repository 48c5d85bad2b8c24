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
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// attachment records one address space mapping the enclave range. Entries
// are reference counted independently of the enclave: the mapping holds
// one reference for its lifetime, and every iteration step holds one while
// it works on the entry, so an entry can be unlinked under a walker
// without invalidating its position.
type attachment struct {
	encl *Enclave
	as   AddressSpace
	refs atomicbitops.Int64

	next, prev *attachment
}

func (at *attachment) tryIncRef() bool {
	for {
		old := at.refs.Load()
		if old <= 0 {
			return false
		}
		if at.refs.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

func (at *attachment) decRef() {
	if v := at.refs.Add(-1); v == 0 {
		e := at.encl
		e.mmMu.Lock()
		if at.prev != nil {
			at.prev.next = at.next
		} else if e.mmHead == at {
			e.mmHead = at.next
		}
		if at.next != nil {
			at.next.prev = at.prev
		} else if e.mmTail == at {
			e.mmTail = at.prev
		}
		at.next = nil
		at.prev = nil
		e.mmMu.Unlock()
	}
}

// attach records as against the enclave, once. Callers that represent a
// new mapping must pair this with an enclave reference.
func (e *Enclave) attach(as AddressSpace) {
	e.mmMu.Lock()
	for at := e.mmHead; at != nil; at = at.next {
		if at.as == as {
			e.mmMu.Unlock()
			return
		}
	}
	at := &attachment{encl: e, as: as}
	at.refs.Store(1)
	at.prev = e.mmTail
	if e.mmTail != nil {
		e.mmTail.next = at
	} else {
		e.mmHead = at
	}
	e.mmTail = at
	e.mmMu.Unlock()
}

// Attach registers a new mapping of the enclave range: the attachment for
// its address space (unless the enclave is already dead) plus an enclave
// reference owned by the mapping.
func (e *Enclave) Attach(as AddressSpace) {
	if !e.Dead() {
		e.attach(as)
	}
	e.IncRef()
}

// Detach unregisters a mapping, dropping the attachment's lifetime
// reference and the mapping's enclave reference.
func (e *Enclave) Detach(as AddressSpace) {
	e.mmMu.Lock()
	var found *attachment
	for at := e.mmHead; at != nil; at = at.next {
		if at.as == as {
			found = at
			break
		}
	}
	e.mmMu.Unlock()
	if found != nil {
		found.decRef()
	}
	e.DecRef()
}

// forEachAttachment walks the attachment list calling fn outside the list
// lock, holding a reference on the current entry. A concurrently released
// entry restarts the walk from the head; fn returning true stops it.
func (e *Enclave) forEachAttachment(fn func(as AddressSpace) (stop bool)) {
	var cur *attachment
	for {
		e.mmMu.Lock()
		var next *attachment
		if cur == nil {
			next = e.mmHead
		} else {
			next = cur.next
		}
		if next != nil && !next.tryIncRef() {
			// Entry is being released under us; restart.
			e.mmMu.Unlock()
			if cur != nil {
				cur.decRef()
				cur = nil
			}
			continue
		}
		e.mmMu.Unlock()
		if cur != nil {
			cur.decRef()
		}
		cur = next
		if cur == nil {
			return
		}
		if fn(cur.as) {
			cur.decRef()
			return
		}
	}
}

// cpuMask unions the executing-CPU sets of every attached address space.
func (e *Enclave) cpuMask() uint64 {
	var mask uint64
	e.forEachAttachment(func(as AddressSpace) bool {
		mask |= as.CPUMask()
		return false
	})
	return mask
}
