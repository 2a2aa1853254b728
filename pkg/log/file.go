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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// PatternOpts substitutes the following variables in a log pattern:
//   - %TIMESTAMP%: <yyyymmdd-hhmmss.uuuuuu>
//   - %COMMAND%: the command being run.
//   - %SCENARIO%: the scenario being simulated.
//
// A pattern ending in '/' is treated as a directory and gets a default file
// name appended.
type PatternOpts struct {
	Command  string
	Scenario string
	Time     time.Time
}

// Build implements FileOpts.Build.
func (o PatternOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "upcalls.%TIMESTAMP%.%COMMAND%.log"
	}
	r := strings.NewReplacer(
		"%TIMESTAMP%", o.Time.Format("20060102-150405.000000"),
		"%COMMAND%", o.Command,
		"%SCENARIO%", o.Scenario,
	)
	return r.Replace(logPattern)
}

// OpenFile expands logPattern with opts and opens the result with flags,
// creating missing parent directories. An empty pattern returns a nil file.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	path := opts.Build(logPattern)
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
