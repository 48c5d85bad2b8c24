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
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"epcd.dev/epcd/pkg/abi/sgx"
	"epcd.dev/epcd/pkg/encls"
)

// The init primitive can be interrupted by unmasked events on the
// executing processor; the classic policy is to spin a bounded number of
// times, then back off to an interruptible sleep, then give up.
const (
	einitSpinCount  = 20
	einitSleepCount = 50
	einitSleepTime  = 20 * time.Millisecond
)

var errEInitTransient = errors.New("init transiently interrupted")

// Init finalizes the enclave: verifies that its attributes fit the allowed
// ceiling, derives the signer identity from the signature structure,
// flushes pending page additions, and runs the bounded retry loop around
// the hardware init primitive. ctx interrupts the inter-attempt sleeps.
//
// A fault status kills the enclave and reports EFAULT. A non-fault
// hardware status (an unacceptable measurement, for instance) is passed
// through as a HardwareError without killing the enclave.
func (e *Enclave) Init(ctx context.Context, sig *sgx.SigStruct, token *sgx.EInitToken) error {
	if e.secsAttributes & ^e.allowedAttributes.Load() != 0 {
		return linuxerr.EINVAL
	}

	mrsigner := sha256.Sum256(sig.Modulus[:])

	e.flushAddWork()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flags.Load()&flagInitialized != 0 {
		return nil
	}
	if e.flags.Load()&flagDead != 0 {
		if e.Suspended() {
			return ErrPowerLost
		}
		return linuxerr.EFAULT
	}

	var ret encls.Ret
	attempt := func() error {
		for j := 0; j < einitSpinCount; j++ {
			ret = e.mgr.ops.EInit(sig, token, e.secsBody(), mrsigner)
			if !ret.Transient() {
				return nil
			}
		}
		return errEInitTransient
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(einitSleepTime), einitSleepCount-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if ctx.Err() != nil {
			return linuxerr.ERESTARTSYS
		}
		// Retries exhausted with the transient status still set; fall
		// through and classify ret.
	}

	switch {
	case ret.Faulted():
		log.Warningf("enclave %d: EINIT returned %v", e.id, ret)
		e.destroyLocked(false)
		return linuxerr.EFAULT
	case ret.ReturnedCode():
		log.Debugf("enclave %d: EINIT returned %v", e.id, ret)
		return &HardwareError{Op: "EINIT", Ret: ret}
	default:
		e.setFlags(flagInitialized)
		return nil
	}
}
