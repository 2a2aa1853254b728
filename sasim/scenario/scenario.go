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

// Package scenario describes and runs scripted scheduler-activations
// workloads against a deterministic scheduler.
//
// A scenario is a list of steps. Each step performs one operation, such as a
// syscall, a block or a drain, and may state the outcome it expects. Threads
// are named: "main" is the thread that enables SA mode, "vpN" is the current
// occupant of virtual processor N, and a blocking step may bind the blocked
// thread to a new name for later steps.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Operations.
const (
	OpRegister       = "register"
	OpStacks         = "stacks"
	OpEnable         = "enable"
	OpSetConcurrency = "setconcurrency"
	OpHardware       = "hardware"
	OpBlock          = "block"
	OpWake           = "wake"
	OpDrain          = "drain"
	OpDrainAll       = "drainall"
	OpPreempt        = "preempt"
	OpSignal         = "signal"
	OpUser           = "user"
	OpYield          = "yield"
	OpStats          = "stats"
	OpExit           = "exit"
)

var ops = map[string]struct{}{
	OpRegister:       {},
	OpStacks:         {},
	OpEnable:         {},
	OpSetConcurrency: {},
	OpHardware:       {},
	OpBlock:          {},
	OpWake:           {},
	OpDrain:          {},
	OpDrainAll:       {},
	OpPreempt:        {},
	OpSignal:         {},
	OpUser:           {},
	OpYield:          {},
	OpStats:          {},
	OpExit:           {},
}

// Scenario is a scripted workload.
type Scenario struct {
	Name        string `toml:"name" yaml:"name"`
	Description string `toml:"description" yaml:"description"`

	// NumCPU overrides the simulated hardware parallelism if positive.
	NumCPU int `toml:"ncpu" yaml:"ncpu"`

	// StackSize is the size of each donated stack. Zero selects
	// DefaultStackSize.
	StackSize uint64 `toml:"stack_size" yaml:"stack_size"`

	// Generation selects the generation-word stack protocol. Without it,
	// stacks are returned by yielding.
	Generation bool `toml:"generation" yaml:"generation"`

	Steps []Step `toml:"step" yaml:"steps"`
}

// Step is one operation of a scenario.
type Step struct {
	Op string `toml:"op" yaml:"op"`

	// Thread names the thread the operation acts on. The default is "vp0".
	Thread string `toml:"thread" yaml:"thread"`

	// Name binds the thread acted on to a new name.
	Name string `toml:"name" yaml:"name"`

	// N is the count or value argument of stacks, setconcurrency,
	// hardware and signal.
	N int `toml:"n" yaml:"n"`

	// Arg is the argument blob of a user upcall.
	Arg string `toml:"arg" yaml:"arg"`

	// Expect lists the expected outcome. For drain steps these are the
	// delivered events in order. For stats steps each "key=value" entry
	// must be present. An empty Expect is not checked.
	Expect []string `toml:"expect" yaml:"expect"`

	// Err is the expected errno name, e.g. "EBUSY".
	Err string `toml:"err" yaml:"err"`
}

// DefaultStackSize is the stack size used when a scenario sets none.
const DefaultStackSize = 0x4000

// String implements fmt.Stringer.
func (s Step) String() string {
	var b strings.Builder
	b.WriteString(s.Op)
	if s.Thread != "" {
		fmt.Fprintf(&b, " %s", s.Thread)
	}
	if s.N != 0 {
		fmt.Fprintf(&b, " n=%d", s.N)
	}
	if s.Name != "" {
		fmt.Fprintf(&b, " as %s", s.Name)
	}
	return b.String()
}

// Validate checks that s is well formed.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if s.NumCPU < 0 {
		return fmt.Errorf("scenario %q: ncpu must not be negative, got %d", s.Name, s.NumCPU)
	}
	if s.StackSize%16 != 0 {
		return fmt.Errorf("scenario %q: stack_size %#x is not 16-byte aligned", s.Name, s.StackSize)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", s.Name)
	}
	for i, step := range s.Steps {
		if _, ok := ops[step.Op]; !ok {
			return fmt.Errorf("scenario %q: step %d: unknown op %q", s.Name, i, step.Op)
		}
		if step.N < 0 {
			return fmt.Errorf("scenario %q: step %d (%v): n must not be negative", s.Name, i, step)
		}
		if step.Name == "main" || strings.HasPrefix(step.Name, "vp") {
			return fmt.Errorf("scenario %q: step %d (%v): name %q is reserved", s.Name, i, step, step.Name)
		}
	}
	return nil
}

// Format is the encoding of a scenario file.
type Format string

// Supported formats.
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor returns the format implied by path's extension.
func FormatFor(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown scenario format %q", ext)
	}
}

// Parse decodes a scenario. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Scenario, error) {
	var s Scenario
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &s)
		if err != nil {
			return nil, fmt.Errorf("decoding TOML scenario: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in TOML scenario: %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding YAML scenario: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown scenario format %q", format)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads the scenario file at path.
func Load(path string) (*Scenario, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Lookup returns the built-in scenario called name, or loads name as a file
// if no built-in matches.
func Lookup(name string) (*Scenario, error) {
	if s, ok := Builtin(name); ok {
		return s, nil
	}
	if _, err := FormatFor(name); err != nil {
		return nil, fmt.Errorf("no built-in scenario %q", name)
	}
	return Load(name)
}
