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

// Package sgx describes the architectural structures and constants shared
// between the enclave page-cache manager and the privileged instruction
// layer: SECS, SECINFO, TCS, SIGSTRUCT, the per-page crypto metadata (PCMD)
// and the flag/mask vocabulary used to validate them.
package sgx

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the size of an EPC page. The architecture fixes it at 4 KiB
// independently of the host page size, but the two must agree for frame
// installation to work.
const (
	PageSize  = hostarch.PageSize
	PageShift = hostarch.PageShift
)

// Enclave attribute bits (SECS.ATTRIBUTES).
const (
	AttrInit          = 1 << 0
	AttrDebug         = 1 << 1
	AttrMode64Bit     = 1 << 2
	AttrProvisionKey  = 1 << 4
	AttrEInitTokenKey = 1 << 5

	// AttributesReservedMask covers every bit the architecture has not
	// defined; a SECS carrying any of them is rejected.
	AttributesReservedMask = ^uint64(AttrInit | AttrDebug | AttrMode64Bit |
		AttrProvisionKey | AttrEInitTokenKey)

	// AllowedAttributesDefault is the ceiling applied to EINIT before any
	// provisioning privilege has been granted.
	AllowedAttributesDefault = uint64(AttrDebug | AttrMode64Bit)
)

// XSAVE feature bits (SECS.XFRM).
const (
	XFRMFP      = 1 << 0
	XFRMSSE     = 1 << 1
	XFRMAVX     = 1 << 2
	XFRMBndRegs = 1 << 3
	XFRMBndCSR  = 1 << 4

	XFRMReservedMask = ^uint64((1 << 10) - 1)
)

// MISCSELECT bits.
const (
	MiscEXINFO = 1 << 0

	MiscSelectReservedMask = ^uint32(MiscEXINFO)
)

// SECINFO flag bits and page types.
const (
	SecInfoR = 1 << 0
	SecInfoW = 1 << 1
	SecInfoX = 1 << 2

	SecInfoPermissionMask = uint64(SecInfoR | SecInfoW | SecInfoX)
	SecInfoPageTypeMask   = uint64(0xFF00)

	PageTypeSECS = 0x0 << 8
	PageTypeTCS  = 0x1 << 8
	PageTypeREG  = 0x2 << 8
	PageTypeVA   = 0x3 << 8
	PageTypeTRIM = 0x4 << 8

	SecInfoReservedMask = ^(SecInfoPermissionMask | SecInfoPageTypeMask)
)

// TCS flag bits.
const (
	TCSDbgOptIn = 1 << 0

	TCSReservedMask = ^uint64(TCSDbgOptIn)
)

const (
	// ModulusSize is the size of the SIGSTRUCT RSA modulus that the signer
	// identity is derived from.
	ModulusSize = 384

	// SSAFrameGPRSSize and SSAFrameMiscEXINFOSize are the fixed parts of
	// a state-save-area frame.
	SSAFrameGPRSSize       = 184
	SSAFrameMiscEXINFOSize = 16

	// VASlotSize is the size of one version-array sealing slot; a VA page
	// therefore carries VASlotCount of them.
	VASlotSize  = 8
	VASlotCount = PageSize / VASlotSize

	// PCMDSize is the size of the per-page crypto metadata record written
	// next to an evicted page. Thirty-two of them fill a page, which is
	// where the size/32 backing-store slack comes from.
	PCMDSize = 128

	// EncSizeMax64 and EncSizeMax32 bound SECS.SIZE for 64 and 32 bit
	// enclaves.
	EncSizeMax64 = uint64(1) << 36
	EncSizeMax32 = uint64(1) << 31
)

// xsaveSizeTbl maps an XFRM feature bit to the cumulative XSAVE area size
// when that feature is the highest one enabled. Index 0 and 1 (FP, SSE) are
// covered by the base frame and never consulted.
var xsaveSizeTbl = [64]uint32{
	2: 832,  // AVX
	3: 896,  // MPX BNDREGS
	4: 960,  // MPX BNDCSR
	5: 1088, // AVX-512 opmask
	6: 1600, // AVX-512 ZMM_Hi256
	7: 2112, // AVX-512 Hi16_ZMM
	9: 2696, // PKRU
}

// SSAFrameSize returns the number of pages one state-save-area frame needs
// for the given feature selection.
func SSAFrameSize(miscSelect uint32, xfrm uint64) uint32 {
	max := uint32(PageSize)
	for i := 2; i < 64; i++ {
		if xfrm&(1<<i) == 0 || xsaveSizeTbl[i] == 0 {
			continue
		}
		size := SSAFrameGPRSSize + xsaveSizeTbl[i]
		if miscSelect&MiscEXINFO != 0 {
			size += SSAFrameMiscEXINFOSize
		}
		if size > max {
			max = size
		}
	}
	return (max + PageSize - 1) / PageSize
}

// ValidXFRM checks the architectural consistency rules for an XFRM value:
// FP and SSE are mandatory, and the two MPX bits must be set or clear
// together.
func ValidXFRM(xfrm uint64) bool {
	if xfrm&XFRMFP == 0 || xfrm&XFRMSSE == 0 {
		return false
	}
	return (xfrm>>3)&1 == (xfrm>>4)&1
}
