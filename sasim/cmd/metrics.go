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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/upcalls/pkg/log"
	"gvisor.dev/upcalls/pkg/metric"
	"gvisor.dev/upcalls/sasim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run scenarios and export runtime metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-o <file>] [scenario...] - runs scenarios like "run" and prints the runtime metrics in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.output, "o", "", "file to write metrics to, default is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	status := subcommands.ExitSuccess
	if err := runAll(ctx, conf, f.Args(), io.Discard); err != nil {
		log.Warningf("Scenarios failed: %v", err)
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		status = subcommands.ExitFailure
	}

	var w io.Writer = os.Stdout
	if m.output != "" {
		file, err := os.Create(m.output)
		if err != nil {
			Fatalf("creating metrics file %q: %v", m.output, err)
		}
		defer file.Close()
		w = file
	}
	if err := metric.WriteText(w); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return status
}
