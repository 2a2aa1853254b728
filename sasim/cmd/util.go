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

// Package cmd holds implementations of the sasim commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"gvisor.dev/upcalls/pkg/log"
	"gvisor.dev/upcalls/sasim/config"
	"gvisor.dev/upcalls/sasim/scenario"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "sasim: "+format+"\n", args...)
	os.Exit(128)
}

// options returns the simulation options described by conf.
func options(conf *config.Config) scenario.Options {
	return scenario.Options{
		Runtime: conf.Runtime(),
		NumCPU:  conf.NumCPU,
		MemSize: conf.MemSize,
	}
}

// lookupAll resolves scenario names, or every built-in scenario if names is
// empty.
func lookupAll(names []string) ([]*scenario.Scenario, error) {
	if len(names) == 0 {
		names = scenario.BuiltinNames()
	}
	scs := make([]*scenario.Scenario, 0, len(names))
	for _, name := range names {
		sc, err := scenario.Lookup(name)
		if err != nil {
			return nil, err
		}
		scs = append(scs, sc)
	}
	return scs, nil
}

// runAll runs the named scenarios and writes a transcript of each to w.
func runAll(ctx context.Context, conf *config.Config, names []string, w io.Writer) error {
	scs, err := lookupAll(names)
	if err != nil {
		return err
	}
	results, runErr := scenario.RunAll(ctx, scs, options(conf), conf.Parallel)
	for _, res := range results {
		if res == nil {
			continue
		}
		fmt.Fprintf(w, "=== %s\n", res.Name)
		for i, s := range res.Steps {
			fmt.Fprintf(w, "%3d  %v\n", i, s)
		}
	}
	return runErr
}
