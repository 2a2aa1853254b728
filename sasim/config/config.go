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

// Package config provides the configuration of the sasim simulator.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/upcalls/pkg/log"
	ksa "gvisor.dev/upcalls/pkg/sentry/kernel/sa"
)

// Config holds the simulator configuration. Each field is populated from the
// flag named by its tag.
type Config struct {
	// ConfigFile is a TOML file whose keys are flag names. Its values
	// replace flag defaults; flags given on the command line win.
	ConfigFile string `flag:"config"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the format of the log: text or json.
	LogFormat string `flag:"log-format"`

	// LogFilename is the file logs are written to. Empty means stderr. It may
	// contain %TIMESTAMP%, %COMMAND% and %SCENARIO%, and a trailing slash names
	// a directory.
	LogFilename string `flag:"log"`

	// NumCPU is the simulated hardware parallelism.
	NumCPU int `flag:"ncpu"`

	// MemSize is the size in bytes of the simulated address space.
	MemSize uint64 `flag:"mem-size"`

	// Parallel is the number of scenarios run at once.
	Parallel int `flag:"parallel"`

	// The remaining fields map onto the runtime tunables.
	StacksPerVP   int           `flag:"stacks-per-vp"`
	CacheTarget   int           `flag:"cache-target"`
	MaxVPs        int           `flag:"max-vps"`
	MaxEvents     int           `flag:"max-events"`
	EventFreeList int           `flag:"event-free-list"`
	RefillBackoff time.Duration `flag:"refill-backoff"`
	LogEvery      time.Duration `flag:"log-every"`
}

// Runtime returns the runtime tunables.
func (c *Config) Runtime() ksa.Config {
	return ksa.Config{
		StacksPerVP:   c.StacksPerVP,
		CacheTarget:   c.CacheTarget,
		MaxVPs:        c.MaxVPs,
		MaxEvents:     c.MaxEvents,
		EventFreeList: c.EventFreeList,
		RefillBackoff: c.RefillBackoff,
		LogEvery:      c.LogEvery,
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.NumCPU < 1 {
		return fmt.Errorf("ncpu must be positive, got %d", c.NumCPU)
	}
	if c.MemSize < 1<<20 {
		return fmt.Errorf("mem-size must be at least 1MiB, got %d", c.MemSize)
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", c.Parallel)
	}
	rc := c.Runtime()
	return rc.Validate()
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.NumCPU: %d", c.NumCPU)
	log.Infof("Config.MemSize: %#x", c.MemSize)
	log.Infof("Config.Parallel: %d", c.Parallel)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.Runtime: %+v", c.Runtime())
}
