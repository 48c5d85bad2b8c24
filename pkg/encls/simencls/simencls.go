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

// Package simencls emulates the privileged instruction layer in software.
//
// The emulation keeps shadow state for every page it has been asked to
// operate on, keyed by the identity of the page body. It enforces the same
// ordering rules the hardware does (write-back requires block, and a
// completed tracking cycle when strict tracking is enabled), seals evicted
// pages with a real MAC so that reload verification is meaningful, and
// supports scripted status injection for exercising retry paths.
package simencls

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"unsafe"

	"gvisor.dev/gvisor/pkg/rand"
	"gvisor.dev/gvisor/pkg/sync"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
)

// Op identifies a primitive, for injection and tracing.
type Op int

// Primitive identifiers.
const (
	OpECreate Op = iota
	OpEAdd
	OpEExtend
	OpEInit
	OpEBlock
	OpETrack
	OpEWB
	OpELD
	OpEPA
	OpERemove
)

var opNames = [...]string{"ECREATE", "EADD", "EEXTEND", "EINIT", "EBLOCK",
	"ETRACK", "EWB", "ELD", "EPA", "EREMOVE"}

// String implements fmt.Stringer.
func (op Op) String() string { return opNames[op] }

// TrackMode selects how pedantic the emulation is about the tracking cycle
// required between block and write-back.
type TrackMode int

const (
	// TrackLoose allows write-back of any blocked page.
	TrackLoose TrackMode = iota

	// TrackRequired fails write-back with NOT_TRACKED until a tracking
	// epoch has been opened since the last block.
	TrackRequired

	// TrackShootdown additionally requires a shootdown after the track
	// before write-back succeeds, exercising the full three-attempt
	// sequence.
	TrackShootdown
)

type simPage struct {
	typ     uint64
	addr    uint64
	flags   uint64
	blocked bool
	encl    *simEnclave
}

type simEnclave struct {
	id          uint64
	size        uint64
	base        uint64
	attributes  uint64
	xfrm        uint64
	measurement encoding.BinaryMarshaler
	mrHash      interface{ Write([]byte) (int, error) }
	children    int
	initialized bool
	tracked     bool
	trackOpen   bool
}

type injection struct {
	ret   encls.Ret
	times int
}

// TraceEntry records one primitive invocation.
type TraceEntry struct {
	Op   Op
	Page uintptr
	Ret  encls.Ret
}

// Sim is a software implementation of encls.Ops.
type Sim struct {
	// Tracking selects the write-back tracking strictness. It must be set
	// before first use and not changed after.
	Tracking TrackMode

	mu      sync.Mutex
	pages   map[uintptr]*simPage
	secs    map[uintptr]*simEnclave
	sealed  map[uint64]*simEnclave
	inject  map[Op][]injection
	trace   []TraceEntry
	sealKey [32]byte
	nextID  uint64
}

// New returns an emulation with a random sealing key.
func New() *Sim {
	s := &Sim{
		pages:  make(map[uintptr]*simPage),
		secs:   make(map[uintptr]*simEnclave),
		sealed: make(map[uint64]*simEnclave),
		inject: make(map[Op][]injection),
	}
	if _, err := rand.Read(s.sealKey[:]); err != nil {
		panic("simencls: no entropy for sealing key")
	}
	return s
}

func key(b []byte) uintptr { return uintptr(unsafe.Pointer(&b[0])) }

// InjectRet arranges for the next times invocations of op to return ret
// without touching emulation state.
func (s *Sim) InjectRet(op Op, ret encls.Ret, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject[op] = append(s.inject[op], injection{ret, times})
}

func (s *Sim) injected(op Op) (encls.Ret, bool) {
	q := s.inject[op]
	if len(q) == 0 {
		return 0, false
	}
	q[0].times--
	if q[0].times <= 0 {
		s.inject[op] = q[1:]
	}
	return q[0].ret, true
}

func (s *Sim) record(op Op, page uintptr, ret encls.Ret) encls.Ret {
	s.trace = append(s.trace, TraceEntry{op, page, ret})
	return ret
}

// Trace returns a copy of the invocation history.
func (s *Sim) Trace() []TraceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceEntry, len(s.trace))
	copy(out, s.trace)
	return out
}

// Calls returns how many times op has been invoked.
func (s *Sim) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.trace {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Measurement returns the current enclave measurement for secs. Callers use
// it to construct a sigstruct that EInit will accept; a real signing flow
// computes the same digest offline.
func (s *Sim) Measurement(secs []byte) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.secs[key(secs)]
	if !ok {
		return [32]byte{}, false
	}
	return e.digest(), true
}

// MeasurementAt is Measurement keyed by enclave base address, for callers
// without access to the control page body.
func (s *Sim) MeasurementAt(base uint64) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.secs {
		if e.base == base {
			return e.digest(), true
		}
	}
	return [32]byte{}, false
}

func (e *simEnclave) extend(record []byte) {
	e.mrHash.Write(record)
}

func (e *simEnclave) digest() [32]byte {
	state, err := e.measurement.MarshalBinary()
	if err != nil {
		panic("simencls: hash state not marshallable")
	}
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic("simencls: hash state not restorable")
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ECreate implements encls.Ops.ECreate.
func (s *Sim) ECreate(pginfo encls.PageInfo, secs []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpECreate); ok {
		return s.record(OpECreate, key(secs), ret)
	}
	var img sgx.SECS
	img.UnmarshalBytes(pginfo.Contents)

	h := sha256.New()
	s.nextID++
	e := &simEnclave{
		id:          s.nextID,
		size:        img.Size,
		base:        img.Base,
		attributes:  img.Attributes,
		xfrm:        img.XFRM,
		measurement: h.(encoding.BinaryMarshaler),
		mrHash:      h,
		tracked:     true,
	}
	var hdr [24]byte
	copy(hdr[:8], "ECREATE\x00")
	binary.LittleEndian.PutUint64(hdr[8:], img.Size)
	binary.LittleEndian.PutUint32(hdr[16:], img.SSAFrameSize)
	e.extend(hdr[:])

	copy(secs, pginfo.Contents)
	s.secs[key(secs)] = e
	s.pages[key(secs)] = &simPage{typ: sgx.PageTypeSECS, encl: e}
	return s.record(OpECreate, key(secs), encls.Success)
}

// EAdd implements encls.Ops.EAdd.
func (s *Sim) EAdd(pginfo encls.PageInfo, page []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEAdd); ok {
		return s.record(OpEAdd, key(page), ret)
	}
	e, ok := s.secs[key(pginfo.SECS)]
	if !ok || e.initialized {
		return s.record(OpEAdd, key(page), encls.FaultFlag)
	}
	copy(page, pginfo.Contents)
	s.pages[key(page)] = &simPage{
		typ:   pginfo.SecInfo.PageType(),
		addr:  pginfo.Addr,
		flags: pginfo.SecInfo.Flags,
		encl:  e,
	}
	e.children++

	var rec [24]byte
	copy(rec[:8], "EADD\x00\x00\x00\x00")
	binary.LittleEndian.PutUint64(rec[8:], pginfo.Addr-e.base)
	binary.LittleEndian.PutUint64(rec[16:], pginfo.SecInfo.Flags)
	e.extend(rec[:])
	return s.record(OpEAdd, key(page), encls.Success)
}

// EExtend implements encls.Ops.EExtend.
func (s *Sim) EExtend(secs []byte, chunk []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEExtend); ok {
		return s.record(OpEExtend, key(secs), ret)
	}
	e, ok := s.secs[key(secs)]
	if !ok || e.initialized {
		return s.record(OpEExtend, key(secs), encls.FaultFlag)
	}
	e.extend([]byte("EEXTEND\x00"))
	e.extend(chunk)
	return s.record(OpEExtend, key(secs), encls.Success)
}

// EInit implements encls.Ops.EInit.
func (s *Sim) EInit(sig *sgx.SigStruct, token *sgx.EInitToken, secs []byte, mrsigner [32]byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEInit); ok {
		return s.record(OpEInit, key(secs), ret)
	}
	e, ok := s.secs[key(secs)]
	if !ok || e.initialized {
		return s.record(OpEInit, key(secs), encls.FaultFlag)
	}
	if sha256.Sum256(sig.Modulus[:]) != mrsigner {
		return s.record(OpEInit, key(secs), encls.ErrInvalidSig)
	}
	if e.digest() != sig.MREnclave {
		return s.record(OpEInit, key(secs), encls.ErrInvalidMeasure)
	}
	if e.attributes&sig.AttributeMask != sig.Attributes&sig.AttributeMask {
		return s.record(OpEInit, key(secs), encls.ErrInvalidAttr)
	}
	e.initialized = true
	return s.record(OpEInit, key(secs), encls.Success)
}

// EBlock implements encls.Ops.EBlock.
func (s *Sim) EBlock(page []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEBlock); ok {
		return s.record(OpEBlock, key(page), ret)
	}
	p, ok := s.pages[key(page)]
	if !ok {
		return s.record(OpEBlock, key(page), encls.FaultFlag)
	}
	if p.typ == sgx.PageTypeSECS {
		return s.record(OpEBlock, key(page), encls.ErrPageIsSECS)
	}
	p.blocked = true
	if s.Tracking != TrackLoose {
		p.encl.tracked = false
		p.encl.trackOpen = false
	}
	return s.record(OpEBlock, key(page), encls.Success)
}

// ETrack implements encls.Ops.ETrack.
func (s *Sim) ETrack(secs []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpETrack); ok {
		return s.record(OpETrack, key(secs), ret)
	}
	e, ok := s.secs[key(secs)]
	if !ok {
		return s.record(OpETrack, key(secs), encls.FaultFlag)
	}
	switch s.Tracking {
	case TrackShootdown:
		e.trackOpen = true
	default:
		e.tracked = true
	}
	return s.record(OpETrack, key(secs), encls.Success)
}

// Shootdown completes any open tracking epochs, standing in for the
// cross-processor barrier that forces enclave threads out. It satisfies the
// manager's Remote collaborator.
func (s *Sim) Shootdown(cpus uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.secs {
		if e.trackOpen {
			e.trackOpen = false
			e.tracked = true
		}
	}
}

func (s *Sim) seal(p *simPage, contents, pcmdBytes, vaSlot []byte, body []byte) {
	var nonce [sgx.VASlotSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic("simencls: no entropy for sealing nonce")
	}
	copy(vaSlot, nonce[:])
	copy(contents, body)

	var pcmd sgx.PCMD
	pcmd.SecInfo.Flags = p.flags
	pcmd.EnclaveID = p.encl.id
	pcmd.MAC = s.mac(p, contents, nonce[:])
	pcmd.MarshalBytes(pcmdBytes)
}

func (s *Sim) mac(p *simPage, contents, nonce []byte) [16]byte {
	m := hmac.New(sha256.New, s.sealKey[:])
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:], p.encl.id)
	binary.LittleEndian.PutUint64(hdr[8:], p.addr)
	binary.LittleEndian.PutUint64(hdr[16:], p.flags)
	m.Write(hdr[:])
	m.Write(nonce)
	m.Write(contents)
	var out [16]byte
	copy(out[:], m.Sum(nil))
	return out
}

// EWB implements encls.Ops.EWB.
func (s *Sim) EWB(pginfo encls.PageInfo, page []byte, vaSlot []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEWB); ok {
		return s.record(OpEWB, key(page), ret)
	}
	p, ok := s.pages[key(page)]
	if !ok || p.typ == sgx.PageTypeSECS && p.encl.children > 0 {
		return s.record(OpEWB, key(page), encls.FaultFlag)
	}
	if p.typ != sgx.PageTypeSECS {
		if !p.blocked {
			return s.record(OpEWB, key(page), encls.ErrNotBlocked)
		}
		if s.Tracking != TrackLoose && !p.encl.tracked {
			return s.record(OpEWB, key(page), encls.ErrNotTracked)
		}
	}
	for i := range vaSlot {
		if vaSlot[i] != 0 {
			return s.record(OpEWB, key(page), encls.ErrVASlotOccupied)
		}
	}
	s.seal(p, pginfo.Contents, pginfo.Metadata, vaSlot, page)
	if p.typ != sgx.PageTypeSECS {
		p.encl.children--
	} else {
		s.sealed[p.encl.id] = p.encl
		delete(s.secs, key(page))
	}
	delete(s.pages, key(page))
	zero(page)
	return s.record(OpEWB, key(page), encls.Success)
}

// ELD implements encls.Ops.ELD.
func (s *Sim) ELD(pginfo encls.PageInfo, page []byte, vaSlot []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpELD); ok {
		return s.record(OpELD, key(page), ret)
	}
	var pcmd sgx.PCMD
	pcmd.UnmarshalBytes(pginfo.Metadata)

	var e *simEnclave
	if pcmd.SecInfo.PageType() == sgx.PageTypeSECS {
		// Reloading a control page resurrects the enclave itself; the
		// caller passes no SECS in that case.
		e = s.sealed[pcmd.EnclaveID]
	} else {
		e = s.secs[key(pginfo.SECS)]
	}
	if e == nil {
		return s.record(OpELD, key(page), encls.FaultFlag)
	}
	p := &simPage{
		typ:   pcmd.SecInfo.PageType(),
		addr:  pginfo.Addr,
		flags: pcmd.SecInfo.Flags,
		encl:  e,
	}
	if s.mac(p, pginfo.Contents, vaSlot) != pcmd.MAC {
		return s.record(OpELD, key(page), encls.ErrMacCompareFail)
	}
	copy(page, pginfo.Contents)
	zero(vaSlot)
	s.pages[key(page)] = p
	if p.typ == sgx.PageTypeSECS {
		delete(s.sealed, e.id)
		s.secs[key(page)] = e
	} else {
		e.children++
	}
	return s.record(OpELD, key(page), encls.Success)
}

// EPA implements encls.Ops.EPA.
func (s *Sim) EPA(page []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpEPA); ok {
		return s.record(OpEPA, key(page), ret)
	}
	zero(page)
	s.pages[key(page)] = &simPage{typ: sgx.PageTypeVA}
	return s.record(OpEPA, key(page), encls.Success)
}

// ERemove implements encls.Ops.ERemove.
func (s *Sim) ERemove(page []byte) encls.Ret {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret, ok := s.injected(OpERemove); ok {
		return s.record(OpERemove, key(page), ret)
	}
	p, ok := s.pages[key(page)]
	if !ok {
		// Already written back or never populated; removal of an empty
		// slot is a no-op.
		return s.record(OpERemove, key(page), encls.Success)
	}
	if p.typ == sgx.PageTypeSECS {
		if p.encl.children > 0 {
			return s.record(OpERemove, key(page), encls.ErrChildPresent)
		}
		delete(s.secs, key(page))
	} else if p.encl != nil {
		p.encl.children--
	}
	delete(s.pages, key(page))
	zero(page)
	return s.record(OpERemove, key(page), encls.Success)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
