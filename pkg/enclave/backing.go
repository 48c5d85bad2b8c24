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
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/memutil"

	"epcd.dev/epcd/pkg/abi/sgx"
)

// Backing is an enclave's backing store: an anonymous shared-memory file
// with one page-sized slot per enclave page (control page last) followed
// by the packed per-page sealing metadata, 32 records to a page. Reads and
// writes go through the host page cache.
type Backing struct {
	file  *os.File
	pages uint64
}

// NewBacking creates a backing store for an enclave of size bytes
// (including the control page slot).
func NewBacking(size uint64) (*Backing, error) {
	fd, err := memutil.CreateMemFD("enclave-backing", 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "enclave-backing")
	if err := f.Truncate(int64(size + size/32)); err != nil {
		f.Close()
		return nil, err
	}
	return &Backing{file: f, pages: size >> sgx.PageShift}, nil
}

// Close releases the file.
func (b *Backing) Close() error { return b.file.Close() }

func (b *Backing) pageOff(index uint64) int64 {
	return int64(index) * sgx.PageSize
}

func (b *Backing) pcmdOff(index uint64) int64 {
	return int64(b.pages)*sgx.PageSize + int64(index)*sgx.PCMDSize
}

// ReadPage pins and returns the contents of slot index.
func (b *Backing) ReadPage(index uint64) ([]byte, error) {
	buf := make([]byte, sgx.PageSize)
	if _, err := unix.Pread(int(b.file.Fd()), buf, b.pageOff(index)); err != nil {
		return nil, linuxerr.EIO
	}
	return buf, nil
}

// WritePage stores data into slot index and marks it dirty.
func (b *Backing) WritePage(index uint64, data []byte) error {
	if _, err := unix.Pwrite(int(b.file.Fd()), data, b.pageOff(index)); err != nil {
		return linuxerr.EIO
	}
	return nil
}

// ReadPCMD returns the sealing metadata record for slot index.
func (b *Backing) ReadPCMD(index uint64) ([]byte, error) {
	buf := make([]byte, sgx.PCMDSize)
	if _, err := unix.Pread(int(b.file.Fd()), buf, b.pcmdOff(index)); err != nil {
		return nil, linuxerr.EIO
	}
	return buf, nil
}

// WritePCMD stores the sealing metadata record for slot index.
func (b *Backing) WritePCMD(index uint64, data []byte) error {
	if _, err := unix.Pwrite(int(b.file.Fd()), data, b.pcmdOff(index)); err != nil {
		return linuxerr.EIO
	}
	return nil
}
