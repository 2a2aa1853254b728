// Copyright 2026 The gVisor Authors.
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

package usermem

import (
	"context"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/hostarch"
)

// BytesIO implements IO using a byte slice. Addresses are interpreted as
// offsets into the slice. Reads and writes beyond the end of the slice return
// EFAULT.
type BytesIO struct {
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(b.Bytes[int(addr):], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(dst[:rngN], b.Bytes[int(addr):]), rngErr
}

// LoadUint32 implements IO.LoadUint32.
func (b *BytesIO) LoadUint32(ctx context.Context, addr hostarch.Addr) (uint32, error) {
	p, err := b.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// StoreUint32 atomically stores val at addr. It plays the user-space side of
// shared-word protocols in tests and simulations.
func (b *BytesIO) StoreUint32(addr hostarch.Addr, val uint32) error {
	p, err := b.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, val)
	return nil
}

// AddUint32 atomically adds delta to the word at addr and returns the new
// value.
func (b *BytesIO) AddUint32(addr hostarch.Addr, delta uint32) (uint32, error) {
	p, err := b.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(p, delta), nil
}

func (b *BytesIO) word(addr hostarch.Addr) (*uint32, error) {
	if addr%4 != 0 {
		return nil, linuxerr.EINVAL
	}
	if _, err := b.rangeCheck(addr, 4); err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b.Bytes[int(addr)])), nil
}

func (b *BytesIO) rangeCheck(addr hostarch.Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if length < 0 {
		return 0, linuxerr.EINVAL
	}
	max := hostarch.Addr(len(b.Bytes))
	if addr >= max {
		return 0, linuxerr.EFAULT
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		return int(max - addr), linuxerr.EFAULT
	}
	return length, nil
}
