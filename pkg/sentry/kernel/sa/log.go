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

	"gvisor.dev/upcalls/pkg/atomicbitops"
	"gvisor.dev/upcalls/pkg/log"
)

// lastProcessID numbers processes for log prefixes.
var lastProcessID atomicbitops.Int32

// Debugf logs a debug message prefixed with the process identity.
func (p *Process) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.DebugfAtDepth(1, p.logPrefix+format, v...)
	}
}

// Infof logs an info message prefixed with the process identity.
func (p *Process) Infof(format string, v ...any) {
	if log.IsLogging(log.Info) {
		log.InfofAtDepth(1, p.logPrefix+format, v...)
	}
}

// Warningf logs a warning prefixed with the process identity.
func (p *Process) Warningf(format string, v ...any) {
	log.WarningfAtDepth(1, p.logPrefix+format, v...)
}

// limitedWarningf logs a warning on a path that can fire at high rate.
func (p *Process) limitedWarningf(format string, v ...any) {
	p.limited.Warningf(p.logPrefix+format, v...)
}

func makeLogPrefix(id int32) string {
	return fmt.Sprintf("[sa %d] ", id)
}
