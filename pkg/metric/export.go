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

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// namePrefix is prepended to every exported metric name.
const namePrefix = "upcalls"

// exportName converts a slash-separated metric name into a Prometheus metric
// name, e.g. "/sa/upcalls" becomes "upcalls_sa_upcalls".
func exportName(name string) string {
	return namePrefix + strings.ReplaceAll(name, "/", "_")
}

// familyFor builds the Prometheus representation of m.
func familyFor(m *Uint64Metric) *dto.MetricFamily {
	name := exportName(m.name)
	help := m.description
	typ := dto.MetricType_COUNTER
	mf := &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: &typ,
	}
	for i := range m.values {
		value := float64(m.values[i].Load())
		metric := &dto.Metric{Counter: &dto.Counter{Value: &value}}
		if labelName, labelValue, ok := m.label(i); ok {
			metric.Label = []*dto.LabelPair{{Name: &labelName, Value: &labelValue}}
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format, ordered by metric name.
func WriteText(w io.Writer) error {
	for _, m := range sortedMetrics() {
		if _, err := expfmt.MetricFamilyToText(w, familyFor(m)); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}

// Snapshot returns the current value of every registered metric, keyed by
// metric name and then by field value ("" for metrics without fields).
func Snapshot() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	for _, m := range sortedMetrics() {
		vals := make(map[string]uint64, len(m.values))
		for i := range m.values {
			_, labelValue, _ := m.label(i)
			vals[labelValue] = m.values[i].Load()
		}
		out[m.name] = vals
	}
	return out
}
