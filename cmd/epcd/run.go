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

package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/device"
	"epcd.dev/epcd/pkg/enclave"
	"epcd.dev/epcd/pkg/enclave/enclavetest"
	"epcd.dev/epcd/pkg/encls/simencls"
	"epcd.dev/epcd/pkg/epc"
)

type runConfig struct {
	// Sections lists the page counts of the simulated sections.
	Sections []int `toml:"sections"`

	LowWater  uint64 `toml:"low_water"`
	HighWater uint64 `toml:"high_water"`
	Batch     int    `toml:"batch"`

	// Builders is how many enclaves to build concurrently; Pages is the
	// data-page count of each.
	Builders int `toml:"builders"`
	Pages    int `toml:"pages"`
}

func defaultConfig() runConfig {
	return runConfig{
		Sections: []int{64, 64},
		Builders: 4,
		Pages:    24,
	}
}

type runCmd struct {
	configPath string
}

// Name implements subcommands.Command.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string { return "build enclaves against the simulated page cache" }

// Usage implements subcommands.Command.
func (*runCmd) Usage() string { return "run [-config <file>]\n" }

// SetFlags implements subcommands.Command.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML pool configuration")
}

// Execute implements subcommands.Command.
func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := defaultConfig()
	if c.configPath != "" {
		if _, err := toml.DecodeFile(c.configPath, &cfg); err != nil {
			fmt.Printf("bad config: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	if err := run(ctx, cfg); err != nil {
		fmt.Printf("self test failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func run(ctx context.Context, cfg runConfig) error {
	sim := simencls.New()
	sim.Tracking = simencls.TrackShootdown

	pool, err := epc.NewPool(epc.Opts{
		SectionPages: cfg.Sections,
		LowWater:     cfg.LowWater,
		HighWater:    cfg.HighWater,
		Batch:        cfg.Batch,
		Ops:          sim,
	})
	if err != nil {
		return err
	}
	defer pool.Destroy()
	total := pool.FreeCount()

	mgr := enclave.NewManager(enclave.Config{Pool: pool, Ops: sim, Remote: sim})
	resolver := new(enclavetest.Resolver)
	dev := device.New(mgr, resolver)

	var g errgroup.Group
	for i := 0; i < cfg.Builders; i++ {
		base := uint64(1<<32) << i
		g.Go(func() error {
			return buildAndCycle(ctx, dev, sim, resolver, base, cfg.Pages)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Releases triggered from the reclaim pipeline finish on its task;
	// give the pool a moment to settle before calling a page leaked.
	deadline := time.Now().Add(10 * time.Second)
	for pool.FreeCount() != total && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if free := pool.FreeCount(); free != total {
		return fmt.Errorf("pool leaked: %d of %d pages free", free, total)
	}
	fmt.Printf("ok: %d builders x %d pages over a %d-page pool\n", cfg.Builders, cfg.Pages, total)
	return nil
}

// buildAndCycle creates one enclave, initializes it, touches every page to
// fault evicted ones back in, and tears it down.
func buildAndCycle(ctx context.Context, dev *device.Device, sim *simencls.Sim, resolver *enclavetest.Resolver, base uint64, pages int) error {
	size := uint64(1)
	for size < uint64(pages+1)*sgx.PageSize {
		size <<= 1
	}
	for base&(size-1) != 0 {
		base += sgx.PageSize
	}

	as := enclavetest.NewAddressSpace(1)
	m := enclavetest.NewMapping(as, base, size)
	resolver.Add(m)
	defer m.Unmap()

	secs := &sgx.SECS{
		Size:         size,
		Base:         base,
		SSAFrameSize: 1,
		XFRM:         sgx.XFRMFP | sgx.XFRMSSE,
	}
	if err := dev.Create(ctx, secs); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	data := make([]byte, sgx.PageSize)
	for i := 0; i < pages; i++ {
		for j := range data {
			data[j] = byte(i + j)
		}
		err := dev.AddPage(ctx, device.AddPageParams{
			Addr:    base + uint64(i)*sgx.PageSize,
			Src:     data,
			SecInfo: sgx.SecInfo{Flags: sgx.PageTypeREG | sgx.SecInfoR | sgx.SecInfoW},
			MRMask:  0xFFFF,
		})
		if err != nil {
			return fmt.Errorf("add page %d: %w", i, err)
		}
	}

	e := m.Enclave()
	e.Flush()
	mr, ok := sim.MeasurementAt(base)
	if !ok {
		return fmt.Errorf("no measurement for enclave at %#x", base)
	}
	sig := &sgx.SigStruct{MREnclave: mr}
	if ret, err := dev.Init(ctx, base, sig, &sgx.EInitToken{}); err != nil || ret != 0 {
		return fmt.Errorf("init: ret=%v err=%v", ret, err)
	}

	// Touch everything; evicted pages come back through the fault path.
	for i := 0; i < pages; i++ {
		addr := base + uint64(i)*sgx.PageSize
		for {
			err := e.Fault(as, addr)
			if err == nil {
				break
			}
			if err != linuxerr.EBUSY {
				return fmt.Errorf("fault %#x: %w", addr, err)
			}
			runtime.Gosched()
		}
	}
	return nil
}
