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
	"gvisor.dev/upcalls/sasim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scheduler-activations scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [scenario...] - runs built-in scenarios by name or scenario files (.toml, .yaml). With no arguments, every built-in scenario runs.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "only report failures.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var w io.Writer = os.Stdout
	if r.quiet {
		w = io.Discard
	}
	if err := runAll(ctx, conf, f.Args(), w); err != nil {
		log.Warningf("Run failed: %v", err)
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(os.Stdout, "PASS")
	return subcommands.ExitSuccess
}
