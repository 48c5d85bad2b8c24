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

// Package encls defines the contract with the privileged instruction layer.
//
// Every primitive is an opaque operation taking page bodies and returning a
// status. The manager core never assumes anything about how a primitive is
// carried out, only about the documented status codes, which lets the whole
// stack run against the software emulation in simencls.
package encls

import (
	"epcd.dev/epcd/pkg/abi/sgx"
)

// Ret is the status returned by a privileged primitive. Zero is success.
// Positive values below FaultFlag are architectural error codes returned in
// a register; a value with FaultFlag set means the instruction itself
// faulted.
type Ret int64

// Architectural error codes.
const (
	Success            Ret = 0
	ErrInvalidSig      Ret = 1
	ErrInvalidAttr     Ret = 2
	ErrBlkState        Ret = 3
	ErrInvalidMeasure  Ret = 4
	ErrNotBlocked      Ret = 10
	ErrNotTracked      Ret = 11
	ErrVASlotOccupied  Ret = 12
	ErrChildPresent    Ret = 13
	ErrEnclaveAct      Ret = 14
	ErrEntryEpochLock  Ret = 15
	ErrInvalidToken    Ret = 16
	ErrPrevTrkIncmpl   Ret = 17
	ErrPageIsSECS      Ret = 18
	ErrInvalidCPUSVN   Ret = 32
	ErrInvalidISVSVN   Ret = 64
	ErrUnmaskedEvent   Ret = 128
	ErrInvalidKeyname  Ret = 256
	ErrMacCompareFail  Ret = 9
	ErrPageAttrsMismat Ret = 19

	// FaultFlag marks a status produced by a hardware fault rather than a
	// code returned by the primitive.
	FaultFlag Ret = 1 << 30
)

// Faulted returns true if the primitive took a hardware fault.
func (r Ret) Faulted() bool { return r&FaultFlag != 0 }

// Code strips the fault flag.
func (r Ret) Code() Ret { return r &^ FaultFlag }

// ReturnedCode returns true if the primitive completed but reported a
// non-zero architectural code.
func (r Ret) ReturnedCode() bool { return r != 0 && !r.Faulted() }

// Transient returns true for statuses that retry loops are expected to
// absorb.
func (r Ret) Transient() bool { return r == ErrUnmaskedEvent }

// PageInfo is the descriptor tuple passed to the create, add, write-back
// and reload primitives. Which fields are populated depends on the
// primitive, mirroring the hardware PAGEINFO conventions:
//
//   - ECreate: Contents = marshalled SECS.
//   - EAdd: Addr, Contents = source page, SecInfo, SECS.
//   - EWB / ELD: Addr (ELD only), Contents = backing page slot,
//     Metadata = PCMD slot, SECS (ELD only).
type PageInfo struct {
	Addr     uint64
	Contents []byte
	Metadata []byte
	SecInfo  *sgx.SecInfo
	SECS     []byte
}

// Ops is the privileged primitive set. Page arguments are the page bodies
// inside an EPC section arena; implementations key any internal state they
// need off the identity of those slices.
//
// Ordering obligations the caller must honor for any one page:
// block precedes track precedes write-back precedes remove-or-reload; an
// implementation is entitled to fail a call made out of order.
type Ops interface {
	// ECreate initializes secs as an enclave control page.
	ECreate(pginfo PageInfo, secs []byte) Ret

	// EAdd installs pginfo.Contents into page, owned by the enclave whose
	// control page is pginfo.SECS.
	EAdd(pginfo PageInfo, page []byte) Ret

	// EExtend measures a 256-byte chunk of an added page into the enclave
	// measurement.
	EExtend(secs []byte, chunk []byte) Ret

	// EInit finalizes the measurement and flips the enclave executable.
	// mrsigner is the hash of the sigstruct modulus, computed by the
	// caller.
	EInit(sig *sgx.SigStruct, token *sgx.EInitToken, secs []byte, mrsigner [32]byte) Ret

	// EBlock marks page as blocked; faults on it from inside the enclave
	// are architectural from this point.
	EBlock(page []byte) Ret

	// ETrack opens a tracking epoch on the enclave of secs.
	ETrack(secs []byte) Ret

	// EWB seals page into pginfo.Contents/pginfo.Metadata and the given
	// version-array slot, then frees the EPC page.
	EWB(pginfo PageInfo, page []byte, vaSlot []byte) Ret

	// ELD reloads a sealed page into page, verifying it against the PCMD
	// and version-array slot, and clears the slot.
	ELD(pginfo PageInfo, page []byte, vaSlot []byte) Ret

	// EPA turns page into an empty version-array page.
	EPA(page []byte) Ret

	// ERemove evicts page from the enclave it belongs to without sealing.
	ERemove(page []byte) Ret
}
