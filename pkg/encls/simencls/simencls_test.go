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

package simencls

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
)

const page = sgx.PageSize

func modulusHash(sig *sgx.SigStruct) [32]byte {
	return sha256.Sum256(sig.Modulus[:])
}

type testEnclave struct {
	sim  *Sim
	secs []byte
	pg   []byte
	va   []byte
}

func buildEnclave(t *testing.T, sim *Sim) *testEnclave {
	t.Helper()
	te := &testEnclave{
		sim:  sim,
		secs: make([]byte, page),
		pg:   make([]byte, page),
		va:   make([]byte, page),
	}

	img := sgx.SECS{Size: 2 * page, Base: 1 << 20, SSAFrameSize: 1, XFRM: sgx.XFRMFP | sgx.XFRMSSE}
	buf := make([]byte, page)
	img.MarshalBytes(buf)
	if ret := sim.ECreate(encls.PageInfo{Contents: buf}, te.secs); ret != 0 {
		t.Fatalf("ECREATE: %v", ret)
	}

	contents := bytes.Repeat([]byte{0xAB}, page)
	secinfo := &sgx.SecInfo{Flags: sgx.PageTypeREG | sgx.SecInfoR | sgx.SecInfoW}
	pginfo := encls.PageInfo{Addr: 1 << 20, Contents: contents, SecInfo: secinfo, SECS: te.secs}
	if ret := sim.EAdd(pginfo, te.pg); ret != 0 {
		t.Fatalf("EADD: %v", ret)
	}
	if ret := sim.EPA(te.va); ret != 0 {
		t.Fatalf("EPA: %v", ret)
	}
	return te
}

func (te *testEnclave) ewb(t *testing.T) (contents, pcmd []byte) {
	t.Helper()
	contents = make([]byte, page)
	pcmd = make([]byte, sgx.PCMDSize)
	ret := te.sim.EWB(encls.PageInfo{Contents: contents, Metadata: pcmd}, te.pg, te.va[:sgx.VASlotSize])
	if ret != 0 {
		t.Fatalf("EWB: %v", ret)
	}
	return contents, pcmd
}

func TestWriteBackRequiresBlock(t *testing.T) {
	sim := New()
	te := buildEnclave(t, sim)

	contents := make([]byte, page)
	pcmd := make([]byte, sgx.PCMDSize)
	ret := sim.EWB(encls.PageInfo{Contents: contents, Metadata: pcmd}, te.pg, te.va[:sgx.VASlotSize])
	if ret != encls.ErrNotBlocked {
		t.Fatalf("EWB on unblocked page: got %v, want %v", ret, encls.ErrNotBlocked)
	}
}

func TestTrackingEscalation(t *testing.T) {
	sim := New()
	sim.Tracking = TrackShootdown
	te := buildEnclave(t, sim)

	if ret := sim.EBlock(te.pg); ret != 0 {
		t.Fatalf("EBLOCK: %v", ret)
	}

	contents := make([]byte, page)
	pcmd := make([]byte, sgx.PCMDSize)
	slot := te.va[:sgx.VASlotSize]

	if ret := sim.EWB(encls.PageInfo{Contents: contents, Metadata: pcmd}, te.pg, slot); ret != encls.ErrNotTracked {
		t.Fatalf("EWB before track: got %v, want %v", ret, encls.ErrNotTracked)
	}
	if ret := sim.ETrack(te.secs); ret != 0 {
		t.Fatalf("ETRACK: %v", ret)
	}
	if ret := sim.EWB(encls.PageInfo{Contents: contents, Metadata: pcmd}, te.pg, slot); ret != encls.ErrNotTracked {
		t.Fatalf("EWB before shootdown: got %v, want %v", ret, encls.ErrNotTracked)
	}
	sim.Shootdown(^uint64(0))
	if ret := sim.EWB(encls.PageInfo{Contents: contents, Metadata: pcmd}, te.pg, slot); ret != 0 {
		t.Fatalf("EWB after shootdown: %v", ret)
	}
}

func TestSealAndReload(t *testing.T) {
	sim := New()
	te := buildEnclave(t, sim)

	want := make([]byte, page)
	copy(want, te.pg)

	if ret := sim.EBlock(te.pg); ret != 0 {
		t.Fatalf("EBLOCK: %v", ret)
	}
	contents, pcmd := te.ewb(t)

	if !bytes.Equal(contents, want) {
		t.Fatal("sealed contents do not match the page")
	}
	for i := range te.pg {
		if te.pg[i] != 0 {
			t.Fatal("page body not scrubbed by write-back")
		}
	}

	fresh := make([]byte, page)
	pginfo := encls.PageInfo{Addr: 1 << 20, Contents: contents, Metadata: pcmd, SECS: te.secs}
	if ret := sim.ELD(pginfo, fresh, te.va[:sgx.VASlotSize]); ret != 0 {
		t.Fatalf("ELD: %v", ret)
	}
	if !bytes.Equal(fresh, want) {
		t.Fatal("reloaded contents do not match the original")
	}
	for _, b := range te.va[:sgx.VASlotSize] {
		if b != 0 {
			t.Fatal("version array slot not cleared by reload")
		}
	}
}

func TestReloadRejectsTampering(t *testing.T) {
	sim := New()
	te := buildEnclave(t, sim)

	if ret := sim.EBlock(te.pg); ret != 0 {
		t.Fatalf("EBLOCK: %v", ret)
	}
	contents, pcmd := te.ewb(t)
	contents[123] ^= 0xFF

	fresh := make([]byte, page)
	pginfo := encls.PageInfo{Addr: 1 << 20, Contents: contents, Metadata: pcmd, SECS: te.secs}
	if ret := sim.ELD(pginfo, fresh, te.va[:sgx.VASlotSize]); ret != encls.ErrMacCompareFail {
		t.Fatalf("ELD of tampered contents: got %v, want %v", ret, encls.ErrMacCompareFail)
	}
}

func TestInjection(t *testing.T) {
	sim := New()
	te := buildEnclave(t, sim)

	mr, ok := sim.Measurement(te.secs)
	if !ok {
		t.Fatal("no measurement")
	}
	sig := &sgx.SigStruct{MREnclave: mr}
	mrsigner := modulusHash(sig)

	sim.InjectRet(OpEInit, encls.ErrUnmaskedEvent, 2)
	for i := 0; i < 2; i++ {
		if ret := sim.EInit(sig, &sgx.EInitToken{}, te.secs, mrsigner); ret != encls.ErrUnmaskedEvent {
			t.Fatalf("injected EINIT %d: got %v, want %v", i, ret, encls.ErrUnmaskedEvent)
		}
	}
	if ret := sim.EInit(sig, &sgx.EInitToken{}, te.secs, mrsigner); ret != 0 {
		t.Fatalf("EINIT after injections drained: %v", ret)
	}
	if n := sim.Calls(OpEInit); n != 3 {
		t.Errorf("EINIT call count: got %d, want 3", n)
	}
}

func TestBlockOrderedBeforeWriteBack(t *testing.T) {
	sim := New()
	te := buildEnclave(t, sim)

	if ret := sim.EBlock(te.pg); ret != 0 {
		t.Fatalf("EBLOCK: %v", ret)
	}
	te.ewb(t)

	blockAt, ewbAt := -1, -1
	for i, entry := range sim.Trace() {
		switch {
		case entry.Op == OpEBlock && blockAt < 0:
			blockAt = i
		case entry.Op == OpEWB && entry.Ret == encls.Success:
			ewbAt = i
		}
	}
	if blockAt < 0 || ewbAt < 0 || blockAt >= ewbAt {
		t.Errorf("trace order wrong: block at %d, write-back at %d", blockAt, ewbAt)
	}
}
