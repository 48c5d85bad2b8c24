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

// Package device is the command dispatch surface: the four enclave
// commands translated onto the manager core, with the same lookup,
// refcount and error conventions the character-device layer has.
package device

import (
	"context"
	"errors"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/enclave"
	"epcd.dev/epcd/pkg/encls"
)

// Resolver finds the enclave mapping covering an address, standing in for
// the host's address-space lookup.
type Resolver interface {
	Find(addr uint64) (enclave.Mapping, bool)
}

// AttributeSource gates privileged attribute grants; only the designated
// provisioning handle unlocks the provisioning key attribute.
type AttributeSource interface {
	Provision() bool
}

// Device dispatches enclave commands.
type Device struct {
	mgr  *enclave.Manager
	maps Resolver
}

// New returns a Device over mgr and maps.
func New(mgr *enclave.Manager, maps Resolver) *Device {
	return &Device{mgr: mgr, maps: maps}
}

// AddPageParams carries one ADD_PAGE command.
type AddPageParams struct {
	Addr    uint64
	Src     []byte
	SecInfo sgx.SecInfo
	MRMask  uint16
}

// Create handles the CREATE command: validates the control structure
// against the caller's existing mapping and constructs the enclave.
func (d *Device) Create(ctx context.Context, secs *sgx.SECS) error {
	m, ok := d.maps.Find(secs.Base)
	if !ok {
		return linuxerr.EINVAL
	}
	_, err := d.mgr.Create(ctx, secs, m)
	return err
}

// enclaveAt resolves addr to its enclave and takes a reference, reporting
// the power-lost status for a suspended one.
func (d *Device) enclaveAt(addr uint64) (*enclave.Enclave, error) {
	if addr&(sgx.PageSize-1) != 0 {
		return nil, linuxerr.EINVAL
	}
	m, ok := d.maps.Find(addr)
	if !ok {
		return nil, linuxerr.EINVAL
	}
	e := m.Enclave()
	if e == nil {
		return nil, linuxerr.ENOENT
	}
	if e.Suspended() {
		return nil, enclave.ErrPowerLost
	}
	e.IncRef()
	return e, nil
}

// AddPage handles the ADD_PAGE command.
func (d *Device) AddPage(ctx context.Context, p AddPageParams) error {
	e, err := d.enclaveAt(p.Addr)
	if err != nil {
		return err
	}
	defer e.DecRef()
	return e.AddPage(ctx, p.Addr, p.Src, p.SecInfo, p.MRMask)
}

// Init handles the INIT command. The returned status is non-zero when the
// hardware primitive reported an architectural code; such results are
// passed through unmodified, with a nil error.
func (d *Device) Init(ctx context.Context, addr uint64, sig *sgx.SigStruct, token *sgx.EInitToken) (encls.Ret, error) {
	e, err := d.enclaveAt(addr)
	if err != nil {
		return 0, err
	}
	defer e.DecRef()

	err = e.Init(ctx, sig, token)
	var hw *enclave.HardwareError
	if errors.As(err, &hw) && hw != enclave.ErrPowerLost {
		return hw.Ret, nil
	}
	return 0, err
}

// SetAttribute handles the SET_ATTRIBUTE command, raising the provisioning
// attribute ceiling when src is the provisioning handle.
func (d *Device) SetAttribute(ctx context.Context, addr uint64, src AttributeSource) error {
	if src == nil || !src.Provision() {
		return linuxerr.EINVAL
	}
	e, err := d.enclaveAt(addr)
	if err != nil {
		return err
	}
	defer e.DecRef()
	e.SetAllowedAttributes(sgx.AttrProvisionKey)
	return nil
}
