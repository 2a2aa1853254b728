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
	"fmt"
	"time"
)

// Config holds the runtime tunables.
type Config struct {
	// StacksPerVP caps registered stacks at StacksPerVP times the requested
	// concurrency (at least 1).
	StacksPerVP int

	// CacheTarget is the number of suspended contexts each virtual
	// processor keeps ready to replace a blocking occupant.
	CacheTarget int

	// MaxVPs caps the requested concurrency. Zero means no cap beyond the
	// hardware parallelism.
	MaxVPs int

	// MaxEvents caps the number of live upcall events in the process. Zero
	// means unlimited. It models allocator exhaustion.
	MaxEvents int

	// EventFreeList is the number of spare events each virtual processor
	// keeps so that blocking never allocates.
	EventFreeList int

	// RefillBackoff bounds the time spent retrying context allocation for a
	// cache refill.
	RefillBackoff time.Duration

	// LogEvery rate-limits warnings on degraded paths.
	LogEvery time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		StacksPerVP:   16,
		CacheTarget:   1,
		EventFreeList: 4,
		RefillBackoff: 100 * time.Millisecond,
		LogEvery:      time.Second,
	}
}

// Validate checks that c is usable.
func (c *Config) Validate() error {
	switch {
	case c.StacksPerVP < 1:
		return fmt.Errorf("StacksPerVP must be positive, got %d", c.StacksPerVP)
	case c.CacheTarget < 1:
		return fmt.Errorf("CacheTarget must be positive, got %d", c.CacheTarget)
	case c.MaxVPs < 0:
		return fmt.Errorf("MaxVPs must not be negative, got %d", c.MaxVPs)
	case c.MaxEvents < 0:
		return fmt.Errorf("MaxEvents must not be negative, got %d", c.MaxEvents)
	case c.EventFreeList < 1:
		return fmt.Errorf("EventFreeList must be positive, got %d", c.EventFreeList)
	case c.RefillBackoff < 0:
		return fmt.Errorf("RefillBackoff must not be negative, got %v", c.RefillBackoff)
	case c.LogEvery <= 0:
		return fmt.Errorf("LogEvery must be positive, got %v", c.LogEvery)
	}
	return nil
}
