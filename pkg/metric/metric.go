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

// Package metric provides cumulative counters for the upcall runtime and
// exports them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"sort"

	"gvisor.dev/upcalls/pkg/atomicbitops"
	"gvisor.dev/upcalls/pkg/sync"
)

var (
	// ErrNameInUse is returned when a metric name is registered twice.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues is returned for a field that could never
	// take a value.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field breaks a metric down by one label whose values are fixed at
// registration.
type Field struct {
	name          string
	allowedValues []string
}

// NewField returns a Field called name that may take any of allowedValues.
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric is a cumulative counter, optionally split by one Field. Its
// values only ever increase.
type Uint64Metric struct {
	name        string
	description string

	// field is nil for metrics without a breakdown.
	field *Field

	// values holds one counter per allowed field value, in the field's
	// order, or a single counter when field is nil.
	values []atomicbitops.Uint64
}

// index returns the counter for fieldValues. It panics if fieldValues does
// not name exactly one allowed value of m's field, or is non-empty for an
// unfielded metric.
func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s takes one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %s: disallowed %s value %q", m.name, m.field.name, fieldValues[0]))
}

// label returns the field value counted by values[i], if m has a field.
func (m *Uint64Metric) label(i int) (name, value string, ok bool) {
	if m.field == nil {
		return "", "", false
	}
	return m.field.name, m.field.allowedValues[i], true
}

var registry = struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}{metrics: make(map[string]*Uint64Metric)}

// sortedMetrics returns every registered metric ordered by name.
func sortedMetrics() []*Uint64Metric {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// NewUint64Metric registers a counter called name. At most one field may be
// given. Metrics are meant to be defined once, at init.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{name: name, description: description}
	switch len(fields) {
	case 0:
		m.values = make([]atomicbitops.Uint64, 1)
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		f := fields[0]
		m.field = &f
		m.values = make([]atomicbitops.Uint64, len(f.allowedValues))
	default:
		return nil, fmt.Errorf("%d fields provided, must be <= 1", len(fields))
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric is NewUint64Metric, panicking on error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the name m was registered with.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the count for fieldValues.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment adds one to the count for fieldValues.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy adds v to the count for fieldValues.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}
