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
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/upcalls/pkg/atomicbitops"
)

// rateLimitedLogger drops messages above the configured rate. The number of
// dropped messages is reported with the next message that gets through.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomicbitops.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return 0, false
	}
	n := rl.dropped.Load()
	if n != 0 {
		rl.dropped.Add(^(n - 1))
	}
	return n, true
}

func (rl *rateLimitedLogger) emit(f func(string, ...any), format string, v []any) {
	n, ok := rl.allow()
	if !ok {
		return
	}
	if n != 0 {
		f(format+" (%d similar messages suppressed)", append(v, n)...)
		return
	}
	f(format, v...)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.emit(rl.logger.Debugf, format, v)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.emit(rl.logger.Infof, format, v)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(rl.logger.Warningf, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
