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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter prefixes each message with a glog-style header:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// and passes the result to the wrapped Emitter.
type GoogleEmitter struct {
	Emitter
}

// glogPID is the right-aligned pid column, padded like glog's thread id.
var glogPID = func() string {
	s := strconv.Itoa(os.Getpid())
	if len(s) < 7 {
		s = strings.Repeat(" ", 7-len(s)) + s
	}
	return s
}()

// levelMarker returns the single character glog uses for level.
func levelMarker(level Level) byte {
	switch level {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// callerLocation returns "file:line" for the frame depth levels above its
// caller, with the directory trimmed.
func callerLocation(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	hdr := make([]byte, 0, 64+len(format))
	hdr = append(hdr, levelMarker(level))
	hdr = timestamp.AppendFormat(hdr, "0102 15:04:05.000000")
	hdr = append(hdr, ' ')
	hdr = append(hdr, glogPID...)
	hdr = append(hdr, ' ')
	hdr = append(hdr, callerLocation(depth+1)...)
	hdr = append(hdr, "] "...)
	hdr = append(hdr, format...)
	hdr = append(hdr, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(hdr), args...)
}
