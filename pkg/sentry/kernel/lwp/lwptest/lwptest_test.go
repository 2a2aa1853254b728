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

package lwptest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

func TestRunQueueOrder(t *testing.T) {
	s := New(2)
	leader := s.NewThread()
	a, err := s.SpawnSuspended()
	if err != nil {
		t.Fatalf("SpawnSuspended failed: %v", err)
	}
	b, _ := s.SpawnSuspended()
	s.MakeRunnable(b)
	s.MakeRunnable(a)
	s.MakeRunnable(b)
	if diff := cmp.Diff([]lwp.ID{b.ID(), a.ID()}, s.RunQueue()); diff != "" {
		t.Errorf("RunQueue mismatch (-want +got):\n%s", diff)
	}
	s.RemoveFromRunQueue(b)
	s.YieldTo(a)
	if len(s.RunQueue()) != 0 {
		t.Errorf("RunQueue not empty: %v", s.RunQueue())
	}
	if s.Current() != a || a.State() != lwp.Running {
		t.Errorf("Current() = %v, want %v running", s.Current(), a)
	}
	if s.Lookup(leader.ID()) != leader {
		t.Errorf("Lookup(%d) did not find leader thread", leader.ID())
	}
}

func TestFailSpawns(t *testing.T) {
	s := New(1)
	s.FailSpawns(2)
	for i := 0; i < 2; i++ {
		if _, err := s.SpawnSuspended(); err != linuxerr.ENOMEM {
			t.Errorf("SpawnSuspended #%d got err %v, want ENOMEM", i, err)
		}
	}
	if _, err := s.SpawnSuspended(); err != nil {
		t.Errorf("SpawnSuspended after failures got err %v", err)
	}
}

func TestFailSpawnsAfter(t *testing.T) {
	s := New(1)
	s.FailSpawnsAfter(1, 1)
	if _, err := s.SpawnSuspended(); err != nil {
		t.Errorf("first SpawnSuspended got err %v", err)
	}
	if _, err := s.SpawnSuspended(); err != linuxerr.ENOMEM {
		t.Errorf("second SpawnSuspended got err %v, want ENOMEM", err)
	}
	if _, err := s.SpawnSuspended(); err != nil {
		t.Errorf("third SpawnSuspended got err %v", err)
	}
}

func TestTerminate(t *testing.T) {
	s := New(1)
	l := s.NewThread()
	s.Terminate(l, unix.SIGILL)
	s.Terminate(l, unix.SIGKILL)
	if sig, ok := s.Terminated(l); !ok || sig != unix.SIGILL {
		t.Errorf("Terminated() = (%v, %t), want (SIGILL, true)", sig, ok)
	}
	if s.Lookup(l.ID()) != nil {
		t.Errorf("Lookup found terminated LWP")
	}
	if got := s.Count(OpTerminate); got != 2 {
		t.Errorf("Count(terminate) = %d, want 2", got)
	}
}

func TestMakeRunnableRejectsSwitching(t *testing.T) {
	s := New(1)
	l := s.NewThread()
	l.BeginSwitch()
	defer func() {
		if recover() == nil {
			t.Errorf("MakeRunnable on a switching LWP did not panic")
		}
	}()
	s.MakeRunnable(l)
}

func TestBeforeNextDequeue(t *testing.T) {
	s := New(1)
	a := s.NewThread()
	b := s.NewThread()
	calls := 0
	s.BeforeNextDequeue(func(l *lwp.LWP) {
		calls++
		if l != a {
			t.Errorf("hook saw %v, want %v", l, a)
		}
		// The hook runs before a leaves the queue and may use s.
		s.MakeRunnable(b)
	})
	s.MakeRunnable(a)
	s.RemoveFromRunQueue(a)
	s.RemoveFromRunQueue(b)
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
	if got := s.RunQueue(); len(got) != 0 {
		t.Errorf("RunQueue() = %v, want empty", got)
	}
}
