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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/upcalls/sasim/scenario"
)

// Scenarios implements subcommands.Command for the "scenarios" command.
type Scenarios struct {
	output string
}

// ScenarioDoc describes one built-in scenario.
type ScenarioDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       int    `json:"steps"`
}

type scenarioOutputFunc func(io.Writer, []ScenarioDoc) error

var scenarioOutputs = map[string]scenarioOutputFunc{
	"table": outputScenarioTable,
	"json":  outputScenarioJSON,
}

// Name implements subcommands.Command.Name.
func (*Scenarios) Name() string {
	return "scenarios"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenarios) Synopsis() string {
	return "list built-in scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Scenarios) Usage() string {
	return `scenarios [options] - lists the built-in scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenarios) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenarios) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := scenarioOutputs[s.output]
	if !ok {
		Fatalf("Unsupported output format %q", s.output)
	}
	if err := out(os.Stdout, scenarioDocs()); err != nil {
		Fatalf("Error writing scenarios: %v", err)
	}
	return subcommands.ExitSuccess
}

func scenarioDocs() []ScenarioDoc {
	var docs []ScenarioDoc
	for _, name := range scenario.BuiltinNames() {
		sc, _ := scenario.Builtin(name)
		docs = append(docs, ScenarioDoc{
			Name:        sc.Name,
			Description: sc.Description,
			Steps:       len(sc.Steps),
		})
	}
	return docs
}

func outputScenarioTable(w io.Writer, docs []ScenarioDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Name, d.Steps, d.Description)
	}
	return tw.Flush()
}

func outputScenarioJSON(w io.Writer, docs []ScenarioDoc) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}
