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

package sa

import (
	"testing"

	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp/lwptest"
)

func TestCapturedOrDeferred(t *testing.T) {
	s := lwptest.New(1)
	l := s.NewThread()
	l.Bind(3)

	var none CapturedOrDeferred
	if none.Present() || none.ID() != lwp.NoID || none.VP() != lwp.NoVP {
		t.Errorf("zero value = %+v, want nothing", none)
	}
	if _, ok := none.Registers(); ok {
		t.Errorf("zero value has registers")
	}

	d := Deferred(l)
	if !d.Present() || !d.IsDeferred() || d.ID() != l.ID() || d.VP() != 3 || !d.References(l) {
		t.Errorf("Deferred(%v) = %+v", l, d)
	}
	if _, ok := d.Registers(); ok {
		t.Errorf("unresolved deferred capture has registers")
	}

	// The state is taken at resolution, not at creation.
	l.UpdateRegisters(func(r *arch.Registers) { r.IP = 0x1234 })
	d.Resolve(s)
	regs, ok := d.Registers()
	if !ok || regs.IP != 0x1234 || d.IsDeferred() || d.References(l) {
		t.Errorf("resolved capture = %+v", d)
	}

	c := captureNow(s, l)
	l.UpdateRegisters(func(r *arch.Registers) { r.IP = 0x5678 })
	if regs, _ := c.Registers(); regs.IP != 0x1234 {
		t.Errorf("eager capture ip = %#x, want %#x", regs.IP, 0x1234)
	}
}
