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

package scenario

import (
	"sort"

	"github.com/mohae/deepcopy"
)

var builtins = map[string]*Scenario{
	"block-wake-drain": {
		Name:        "block-wake-drain",
		Description: "A blocked thread hands off its virtual processor, is woken, and both events arrive in one upcall.",
		NumCPU:      1,
		Generation:  true,
		Steps: []Step{
			{Op: OpRegister},
			{Op: OpStacks, N: 2, Expect: []string{"accepted=2"}},
			{Op: OpEnable, Thread: "main"},
			{Op: OpDrain, Expect: []string{"NEWPROC(1)"}},
			{Op: OpBlock, Thread: "main", Name: "A", Expect: []string{"handoff"}},
			{Op: OpStats, Expect: []string{"queued=1", "cached=0"}},
			{Op: OpWake, Thread: "A", Expect: []string{"woken"}},
			{Op: OpStats, Expect: []string{"woken=1"}},
			{Op: OpDrain, Expect: []string{"BLOCKED(1)", "UNBLOCKED(1, interrupted=2)"}},
			{Op: OpStats, Expect: []string{"queued=0", "woken=0", "cached=2"}},
		},
	},
	"concurrency-beyond-hardware": {
		Name:        "concurrency-beyond-hardware",
		Description: "Requesting more virtual processors than CPUs materializes one per CPU and keeps the rest dormant.",
		NumCPU:      2,
		Generation:  true,
		Steps: []Step{
			{Op: OpRegister},
			{Op: OpStacks, N: 4, Expect: []string{"accepted=4"}},
			{Op: OpEnable, Thread: "main"},
			{Op: OpDrain, Expect: []string{"NEWPROC(1)"}},
			{Op: OpSetConcurrency, N: 4, Expect: []string{"added=1"}},
			{Op: OpStats, Expect: []string{"vps=2", "dormant=2", "target=4"}},
			{Op: OpDrain, Thread: "vp1", Expect: []string{"NEWPROC(3)"}},
			{Op: OpHardware, N: 4, Expect: []string{"added=2"}},
			{Op: OpStats, Expect: []string{"vps=4", "dormant=0"}},
			{Op: OpDrainAll, Expect: []string{"vp2: NEWPROC(5)", "vp3: NEWPROC(7)"}},
		},
	},
	"stack-exhaustion": {
		Name:        "stack-exhaustion",
		Description: "With a single stack, the second of two simultaneous blocks proceeds without an upcall instead of deadlocking.",
		NumCPU:      2,
		Generation:  true,
		Steps: []Step{
			{Op: OpRegister},
			{Op: OpStacks, N: 1, Expect: []string{"accepted=1"}},
			{Op: OpEnable, Thread: "main"},
			{Op: OpDrain, Expect: []string{"NEWPROC(1)"}},
			{Op: OpSetConcurrency, N: 2, Expect: []string{"added=1"}},
			{Op: OpDrain, Thread: "vp1", Expect: []string{"NEWPROC(3)"}},
			{Op: OpBlock, Thread: "vp0", Name: "A", Expect: []string{"handoff"}},
			{Op: OpBlock, Thread: "vp1", Name: "B", Expect: []string{"proceed"}},
			{Op: OpWake, Thread: "B", Expect: []string{"ignored"}},
			{Op: OpDrain, Expect: []string{"BLOCKED(1)"}},
			{Op: OpWake, Thread: "A", Expect: []string{"woken"}},
			{Op: OpDrain, Expect: []string{"UNBLOCKED(1, interrupted=2)"}},
		},
	},
}

// Builtin returns a copy of the built-in scenario called name.
func Builtin(name string) (*Scenario, bool) {
	s, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return deepcopy.Copy(s).(*Scenario), true
}

// BuiltinNames returns the names of all built-in scenarios, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
