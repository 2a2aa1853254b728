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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/upcalls/sasim/config"
	"gvisor.dev/upcalls/sasim/scenario"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	fs.Set("refill-backoff", "0")
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

func TestRunAllBuiltins(t *testing.T) {
	var out bytes.Buffer
	if err := runAll(context.Background(), testConfig(t), nil, &out); err != nil {
		t.Fatalf("runAll failed: %v\n%s", err, out.String())
	}
	for _, name := range scenario.BuiltinNames() {
		if !strings.Contains(out.String(), "=== "+name+"\n") {
			t.Errorf("transcript has no section for %q:\n%s", name, out.String())
		}
	}
}

func TestRunAllUnknown(t *testing.T) {
	var out bytes.Buffer
	if err := runAll(context.Background(), testConfig(t), []string{"no-such-scenario"}, &out); err == nil {
		t.Errorf("runAll of an unknown scenario succeeded")
	}
}

func TestScenarioOutputs(t *testing.T) {
	docs := scenarioDocs()
	if len(docs) != len(scenario.BuiltinNames()) {
		t.Fatalf("scenarioDocs() returned %d docs, want %d", len(docs), len(scenario.BuiltinNames()))
	}

	var js bytes.Buffer
	if err := outputScenarioJSON(&js, docs); err != nil {
		t.Fatalf("outputScenarioJSON failed: %v", err)
	}
	var got []ScenarioDoc
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("decoding JSON output: %v", err)
	}
	if diff := cmp.Diff(docs, got); diff != "" {
		t.Errorf("JSON output mismatch (-want +got):\n%s", diff)
	}

	var table bytes.Buffer
	if err := outputScenarioTable(&table, docs); err != nil {
		t.Fatalf("outputScenarioTable failed: %v", err)
	}
	if lines := strings.Count(table.String(), "\n"); lines != len(docs)+1 {
		t.Errorf("table has %d lines, want %d:\n%s", lines, len(docs)+1, table.String())
	}
}
