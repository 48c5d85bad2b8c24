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

package sgx

import (
	"encoding/binary"
)

// SECS is the enclave control structure. The full structure occupies a page;
// the reserved tail is carried explicitly so that the validation code can
// insist it is zero.
type SECS struct {
	Size         uint64
	Base         uint64
	SSAFrameSize uint32
	MiscSelect   uint32
	Reserved1    [24]byte
	Attributes   uint64
	XFRM         uint64
	MREnclave    [32]byte
	Reserved2    [32]byte
	MRSigner     [32]byte
	Reserved3    [96]byte
	ISVProdID    uint16
	ISVSVN       uint16
	Reserved4    [3836]byte
}

// SizeBytes implements marshalling the way the gVisor ABI structs do; the
// layouts here are fixed by the architecture, so the encoders are written by
// hand instead of generated.
func (s *SECS) SizeBytes() int { return PageSize }

// MarshalBytes serializes s into dst.
func (s *SECS) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], s.Size)
	binary.LittleEndian.PutUint64(dst[8:], s.Base)
	binary.LittleEndian.PutUint32(dst[16:], s.SSAFrameSize)
	binary.LittleEndian.PutUint32(dst[20:], s.MiscSelect)
	copy(dst[24:48], s.Reserved1[:])
	binary.LittleEndian.PutUint64(dst[48:], s.Attributes)
	binary.LittleEndian.PutUint64(dst[56:], s.XFRM)
	copy(dst[64:96], s.MREnclave[:])
	copy(dst[96:128], s.Reserved2[:])
	copy(dst[128:160], s.MRSigner[:])
	copy(dst[160:256], s.Reserved3[:])
	binary.LittleEndian.PutUint16(dst[256:], s.ISVProdID)
	binary.LittleEndian.PutUint16(dst[258:], s.ISVSVN)
	copy(dst[260:], s.Reserved4[:])
}

// UnmarshalBytes deserializes s from src.
func (s *SECS) UnmarshalBytes(src []byte) {
	s.Size = binary.LittleEndian.Uint64(src[0:])
	s.Base = binary.LittleEndian.Uint64(src[8:])
	s.SSAFrameSize = binary.LittleEndian.Uint32(src[16:])
	s.MiscSelect = binary.LittleEndian.Uint32(src[20:])
	copy(s.Reserved1[:], src[24:48])
	s.Attributes = binary.LittleEndian.Uint64(src[48:])
	s.XFRM = binary.LittleEndian.Uint64(src[56:])
	copy(s.MREnclave[:], src[64:96])
	copy(s.Reserved2[:], src[96:128])
	copy(s.MRSigner[:], src[128:160])
	copy(s.Reserved3[:], src[160:256])
	s.ISVProdID = binary.LittleEndian.Uint16(src[256:])
	s.ISVSVN = binary.LittleEndian.Uint16(src[258:])
	copy(s.Reserved4[:], src[260:])
}

// ReservedClear returns true if every reserved field is zero.
func (s *SECS) ReservedClear() bool {
	return allZero(s.Reserved1[:]) && allZero(s.Reserved2[:]) &&
		allZero(s.Reserved3[:]) && allZero(s.Reserved4[:])
}

// SecInfo describes the type and permissions of a page being added. The
// hardware requires the structure to be 64-byte aligned; holders keep it by
// value and marshal on use, which sidesteps alignment of the Go allocation.
type SecInfo struct {
	Flags    uint64
	Reserved [7]uint64
}

// SizeBytes returns the serialized size.
func (si *SecInfo) SizeBytes() int { return 64 }

// MarshalBytes serializes si into dst.
func (si *SecInfo) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], si.Flags)
	for i, r := range si.Reserved {
		binary.LittleEndian.PutUint64(dst[8+8*i:], r)
	}
}

// UnmarshalBytes deserializes si from src.
func (si *SecInfo) UnmarshalBytes(src []byte) {
	si.Flags = binary.LittleEndian.Uint64(src[0:])
	for i := range si.Reserved {
		si.Reserved[i] = binary.LittleEndian.Uint64(src[8+8*i:])
	}
}

// PageType extracts the page type field.
func (si *SecInfo) PageType() uint64 { return si.Flags & SecInfoPageTypeMask }

// TCS is a thread control structure page image.
type TCS struct {
	State       uint64
	Flags       uint64
	SSAOffset   uint64
	CSSA        uint32
	NSSA        uint32
	EntryOffset uint64
	ExitAddr    uint64
	FSOffset    uint64
	GSOffset    uint64
	FSLimit     uint32
	GSLimit     uint32
	Reserved    [4024]byte
}

// SizeBytes returns the serialized size.
func (t *TCS) SizeBytes() int { return PageSize }

// MarshalBytes serializes t into dst.
func (t *TCS) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], t.State)
	binary.LittleEndian.PutUint64(dst[8:], t.Flags)
	binary.LittleEndian.PutUint64(dst[16:], t.SSAOffset)
	binary.LittleEndian.PutUint32(dst[24:], t.CSSA)
	binary.LittleEndian.PutUint32(dst[28:], t.NSSA)
	binary.LittleEndian.PutUint64(dst[32:], t.EntryOffset)
	binary.LittleEndian.PutUint64(dst[40:], t.ExitAddr)
	binary.LittleEndian.PutUint64(dst[48:], t.FSOffset)
	binary.LittleEndian.PutUint64(dst[56:], t.GSOffset)
	binary.LittleEndian.PutUint32(dst[64:], t.FSLimit)
	binary.LittleEndian.PutUint32(dst[68:], t.GSLimit)
	copy(dst[72:], t.Reserved[:])
}

// UnmarshalBytes deserializes t from src.
func (t *TCS) UnmarshalBytes(src []byte) {
	t.State = binary.LittleEndian.Uint64(src[0:])
	t.Flags = binary.LittleEndian.Uint64(src[8:])
	t.SSAOffset = binary.LittleEndian.Uint64(src[16:])
	t.CSSA = binary.LittleEndian.Uint32(src[24:])
	t.NSSA = binary.LittleEndian.Uint32(src[28:])
	t.EntryOffset = binary.LittleEndian.Uint64(src[32:])
	t.ExitAddr = binary.LittleEndian.Uint64(src[40:])
	t.FSOffset = binary.LittleEndian.Uint64(src[48:])
	t.GSOffset = binary.LittleEndian.Uint64(src[56:])
	t.FSLimit = binary.LittleEndian.Uint32(src[64:])
	t.GSLimit = binary.LittleEndian.Uint32(src[68:])
	copy(t.Reserved[:], src[72:])
}

// ReservedClear returns true if the reserved tail is zero.
func (t *TCS) ReservedClear() bool { return allZero(t.Reserved[:]) }

// SigStruct is the enclave signature structure handed to EINIT. Only the
// fields the manager consumes are broken out; the signature proper is
// carried opaquely.
type SigStruct struct {
	Header        [16]byte
	Vendor        uint32
	Date          uint32
	Header2       [16]byte
	SWDefined     uint32
	Reserved1     [84]byte
	Modulus       [ModulusSize]byte
	Exponent      uint32
	Signature     [ModulusSize]byte
	MiscSelect    uint32
	MiscMask      uint32
	Reserved2     [20]byte
	Attributes    uint64
	XFRM          uint64
	AttributeMask uint64
	XFRMMask      uint64
	MREnclave     [32]byte
	Reserved3     [32]byte
	ISVProdID     uint16
	ISVSVN        uint16
	Reserved4     [12]byte
	Q1            [ModulusSize]byte
	Q2            [ModulusSize]byte
}

// SizeBytes returns the serialized size.
func (ss *SigStruct) SizeBytes() int { return 1808 }

// MarshalBytes serializes ss into dst.
func (ss *SigStruct) MarshalBytes(dst []byte) {
	copy(dst[0:16], ss.Header[:])
	binary.LittleEndian.PutUint32(dst[16:], ss.Vendor)
	binary.LittleEndian.PutUint32(dst[20:], ss.Date)
	copy(dst[24:40], ss.Header2[:])
	binary.LittleEndian.PutUint32(dst[40:], ss.SWDefined)
	copy(dst[44:128], ss.Reserved1[:])
	copy(dst[128:512], ss.Modulus[:])
	binary.LittleEndian.PutUint32(dst[512:], ss.Exponent)
	copy(dst[516:900], ss.Signature[:])
	binary.LittleEndian.PutUint32(dst[900:], ss.MiscSelect)
	binary.LittleEndian.PutUint32(dst[904:], ss.MiscMask)
	copy(dst[908:928], ss.Reserved2[:])
	binary.LittleEndian.PutUint64(dst[928:], ss.Attributes)
	binary.LittleEndian.PutUint64(dst[936:], ss.XFRM)
	binary.LittleEndian.PutUint64(dst[944:], ss.AttributeMask)
	binary.LittleEndian.PutUint64(dst[952:], ss.XFRMMask)
	copy(dst[960:992], ss.MREnclave[:])
	copy(dst[992:1024], ss.Reserved3[:])
	binary.LittleEndian.PutUint16(dst[1024:], ss.ISVProdID)
	binary.LittleEndian.PutUint16(dst[1026:], ss.ISVSVN)
	copy(dst[1028:1040], ss.Reserved4[:])
	copy(dst[1040:1424], ss.Q1[:])
	copy(dst[1424:1808], ss.Q2[:])
}

// UnmarshalBytes deserializes ss from src.
func (ss *SigStruct) UnmarshalBytes(src []byte) {
	copy(ss.Header[:], src[0:16])
	ss.Vendor = binary.LittleEndian.Uint32(src[16:])
	ss.Date = binary.LittleEndian.Uint32(src[20:])
	copy(ss.Header2[:], src[24:40])
	ss.SWDefined = binary.LittleEndian.Uint32(src[40:])
	copy(ss.Reserved1[:], src[44:128])
	copy(ss.Modulus[:], src[128:512])
	ss.Exponent = binary.LittleEndian.Uint32(src[512:])
	copy(ss.Signature[:], src[516:900])
	ss.MiscSelect = binary.LittleEndian.Uint32(src[900:])
	ss.MiscMask = binary.LittleEndian.Uint32(src[904:])
	copy(ss.Reserved2[:], src[908:928])
	ss.Attributes = binary.LittleEndian.Uint64(src[928:])
	ss.XFRM = binary.LittleEndian.Uint64(src[936:])
	ss.AttributeMask = binary.LittleEndian.Uint64(src[944:])
	ss.XFRMMask = binary.LittleEndian.Uint64(src[952:])
	copy(ss.MREnclave[:], src[960:992])
	copy(ss.Reserved3[:], src[992:1024])
	ss.ISVProdID = binary.LittleEndian.Uint16(src[1024:])
	ss.ISVSVN = binary.LittleEndian.Uint16(src[1026:])
	copy(ss.Reserved4[:], src[1028:1040])
	copy(ss.Q1[:], src[1040:1424])
	copy(ss.Q2[:], src[1424:1808])
}

// EInitToken is the launch token passed to EINIT. The manager never looks
// inside it.
type EInitToken struct {
	Payload [304]byte
}

// SizeBytes returns the serialized size.
func (tk *EInitToken) SizeBytes() int { return len(tk.Payload) }

// MarshalBytes serializes tk into dst.
func (tk *EInitToken) MarshalBytes(dst []byte) { copy(dst, tk.Payload[:]) }

// UnmarshalBytes deserializes tk from src.
func (tk *EInitToken) UnmarshalBytes(src []byte) { copy(tk.Payload[:], src) }

// PCMD is the crypto metadata record produced for an evicted page. It lives
// in the backing store next to the sealed page contents and is consumed by
// the reload primitive together with the version-array slot.
type PCMD struct {
	SecInfo   SecInfo
	EnclaveID uint64
	Reserved  [40]byte
	MAC       [16]byte
}

// SizeBytes returns the serialized size.
func (p *PCMD) SizeBytes() int { return PCMDSize }

// MarshalBytes serializes p into dst.
func (p *PCMD) MarshalBytes(dst []byte) {
	p.SecInfo.MarshalBytes(dst[0:64])
	binary.LittleEndian.PutUint64(dst[64:], p.EnclaveID)
	copy(dst[72:112], p.Reserved[:])
	copy(dst[112:128], p.MAC[:])
}

// UnmarshalBytes deserializes p from src.
func (p *PCMD) UnmarshalBytes(src []byte) {
	p.SecInfo.UnmarshalBytes(src[0:64])
	p.EnclaveID = binary.LittleEndian.Uint64(src[64:])
	copy(p.Reserved[:], src[72:112])
	copy(p.MAC[:], src[112:128])
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
