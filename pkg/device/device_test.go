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

package device_test

import (
	"context"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/device"
	"epcd.dev/epcd/pkg/enclave"
	"epcd.dev/epcd/pkg/enclave/enclavetest"
	"epcd.dev/epcd/pkg/encls"
	"epcd.dev/epcd/pkg/encls/simencls"
	"epcd.dev/epcd/pkg/epc"
)

const page = sgx.PageSize

type env struct {
	sim      *simencls.Sim
	pool     *epc.Pool
	mgr      *enclave.Manager
	dev      *device.Device
	resolver *enclavetest.Resolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sim := simencls.New()
	pool, err := epc.NewPool(epc.Opts{SectionPages: []int{32}, Ops: sim})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Destroy)
	mgr := enclave.NewManager(enclave.Config{Pool: pool, Ops: sim, Remote: sim})
	resolver := new(enclavetest.Resolver)
	return &env{
		sim:      sim,
		pool:     pool,
		mgr:      mgr,
		dev:      device.New(mgr, resolver),
		resolver: resolver,
	}
}

func (ev *env) mapRange(base, size uint64) *enclavetest.Mapping {
	m := enclavetest.NewMapping(enclavetest.NewAddressSpace(1), base, size)
	ev.resolver.Add(m)
	return m
}

func testSECS(base, size uint64) *sgx.SECS {
	return &sgx.SECS{
		Size:         size,
		Base:         base,
		SSAFrameSize: 1,
		XFRM:         sgx.XFRMFP | sgx.XFRMSSE,
	}
}

func (ev *env) build(t *testing.T, base, size uint64) *enclavetest.Mapping {
	t.Helper()
	m := ev.mapRange(base, size)
	if err := ev.dev.Create(context.Background(), testSECS(base, size)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

type provisionFile struct{ ok bool }

func (p provisionFile) Provision() bool { return p.ok }

func TestCreateWithoutMapping(t *testing.T) {
	ev := newEnv(t)
	if err := ev.dev.Create(context.Background(), testSECS(2*page, 2*page)); err != linuxerr.EINVAL {
		t.Fatalf("Create with no mapping: got %v, want EINVAL", err)
	}
}

func TestLookupErrors(t *testing.T) {
	ev := newEnv(t)
	data := make([]byte, page)

	// Unaligned command address.
	err := ev.dev.AddPage(context.Background(), device.AddPageParams{Addr: 2*page + 1, Src: data})
	if err != linuxerr.EINVAL {
		t.Fatalf("unaligned AddPage: got %v, want EINVAL", err)
	}

	// Mapping exists but no enclave was created under it.
	ev.mapRange(2*page, 2*page)
	err = ev.dev.AddPage(context.Background(), device.AddPageParams{
		Addr:    2 * page,
		Src:     data,
		SecInfo: sgx.SecInfo{Flags: sgx.PageTypeREG | sgx.SecInfoR},
	})
	if err != linuxerr.ENOENT {
		t.Fatalf("AddPage without enclave: got %v, want ENOENT", err)
	}
}

func TestInitStatusPassthrough(t *testing.T) {
	ev := newEnv(t)
	m := ev.build(t, 2*page, 2*page)
	defer m.Unmap()

	err := ev.dev.AddPage(context.Background(), device.AddPageParams{
		Addr:    2 * page,
		Src:     make([]byte, page),
		SecInfo: sgx.SecInfo{Flags: sgx.PageTypeREG | sgx.SecInfoR},
		MRMask:  0xFFFF,
	})
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}

	// A wrong measurement is an architectural status, not an errno; it
	// must come back unmodified with no error.
	m.Enclave().Flush()
	sig := &sgx.SigStruct{MREnclave: [32]byte{1, 2, 3}}
	ret, err := ev.dev.Init(context.Background(), 2*page, sig, &sgx.EInitToken{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ret != encls.ErrInvalidMeasure {
		t.Fatalf("Init status: got %v, want %v", ret, encls.ErrInvalidMeasure)
	}

	// And the enclave survives to initialize properly afterwards.
	mr, ok := ev.sim.MeasurementAt(2 * page)
	if !ok {
		t.Fatal("no measurement")
	}
	ret, err = ev.dev.Init(context.Background(), 2*page, &sgx.SigStruct{MREnclave: mr}, &sgx.EInitToken{})
	if err != nil || ret != 0 {
		t.Fatalf("second Init: ret=%v err=%v", ret, err)
	}
}

func TestSetAttribute(t *testing.T) {
	ev := newEnv(t)
	m := ev.build(t, 2*page, 2*page)
	defer m.Unmap()

	if err := ev.dev.SetAttribute(context.Background(), 2*page, provisionFile{ok: false}); err != linuxerr.EINVAL {
		t.Fatalf("SetAttribute with a non-provisioning handle: got %v, want EINVAL", err)
	}
	if err := ev.dev.SetAttribute(context.Background(), 2*page, provisionFile{ok: true}); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
}

func TestSuspendedHandle(t *testing.T) {
	ev := newEnv(t)
	m := ev.build(t, 2*page, 2*page)
	defer m.Unmap()

	ev.mgr.Suspend()

	_, err := ev.dev.Init(context.Background(), 2*page, &sgx.SigStruct{}, &sgx.EInitToken{})
	if err != enclave.ErrPowerLost {
		t.Fatalf("Init on suspended enclave: got %v, want power-lost", err)
	}
	err = ev.dev.AddPage(context.Background(), device.AddPageParams{
		Addr:    2 * page,
		Src:     make([]byte, page),
		SecInfo: sgx.SecInfo{Flags: sgx.PageTypeREG | sgx.SecInfoR},
	})
	if err != enclave.ErrPowerLost {
		t.Fatalf("AddPage on suspended enclave: got %v, want power-lost", err)
	}
}
