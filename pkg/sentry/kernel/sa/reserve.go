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

// Reserve holds zero or one pre-allocated item.
//
// The item may only be handed out through Use, which obtains its replacement
// first. A full Reserve therefore stays full across any successful Use.
type Reserve[T any] struct {
	item T
	full bool
}

// Full returns true if r holds an item.
func (r *Reserve[T]) Full() bool {
	return r.full
}

// Fill puts item into an empty reserve.
//
// Preconditions: !r.Full().
func (r *Reserve[T]) Fill(item T) {
	if r.full {
		panic("Reserve.Fill on a full reserve")
	}
	r.item = item
	r.full = true
}

// Use hands out the reserved item after obtaining its replacement from refill.
// If r is empty or refill fails, r is unchanged and Use returns false.
func (r *Reserve[T]) Use(refill func() (T, bool)) (T, bool) {
	var zero T
	if !r.full {
		return zero, false
	}
	next, ok := refill()
	if !ok {
		return zero, false
	}
	item := r.item
	r.item = next
	return item, true
}

// Drain empties r and returns its item, if any. It is only used at teardown.
func (r *Reserve[T]) Drain() (T, bool) {
	var zero T
	if !r.full {
		return zero, false
	}
	item := r.item
	r.item = zero
	r.full = false
	return item, true
}
