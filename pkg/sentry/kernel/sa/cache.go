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
	"gvisor.dev/upcalls/pkg/ilist"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

// contextCache is a LIFO pool of suspended contexts owned by a virtual
// processor. It is protected by the virtual processor's mutex.
type contextCache struct {
	list ilist.List[*lwp.LWP]
	n    int
}

// put pushes l into the cache, marking it SA-owned and suspended.
func (c *contextCache) put(l *lwp.LWP) {
	l.ClearFlags(lwp.Blocking | lwp.Woken | lwp.Idle | lwp.NeedRefill | lwp.Upcall | lwp.PreemptPending)
	l.SetFlags(lwp.SAOwned)
	l.SetState(lwp.Suspended)
	l.TakeDrainRequest()
	c.list.PushFront(l)
	c.n++
}

// take pops the most recently cached context, or returns nil.
func (c *contextCache) take() *lwp.LWP {
	l := c.list.PopFront()
	if l != nil {
		c.n--
	}
	return l
}

// len returns the number of cached contexts.
func (c *contextCache) len() int {
	return c.n
}

// contains returns true if l is cached.
func (c *contextCache) contains(l *lwp.LWP) bool {
	for e := c.list.Front(); e != nil; e = e.Next() {
		if e == l {
			return true
		}
	}
	return false
}

// drain empties the cache and returns its contexts.
func (c *contextCache) drain() []*lwp.LWP {
	ls := make([]*lwp.LWP, 0, c.n)
	for l := c.take(); l != nil; l = c.take() {
		ls = append(ls, l)
	}
	return ls
}
