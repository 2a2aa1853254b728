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
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/metric"
)

// Reasons a block proceeds without a BLOCKED upcall.
const (
	degradedNoContext = "no_context"
	degradedNoStack   = "no_stack"
	degradedNoEvent   = "no_event"
)

var (
	upcallsMetric = metric.MustCreateNewUint64Metric("/sa/upcalls", "Number of upcall events delivered, by upcall type.",
		metric.NewField("type", abisa.UpcallTypeNames()))

	blocksMetric = metric.MustCreateNewUint64Metric("/sa/blocks", "Number of blocks that handed their virtual processor to a replacement.")

	degradedBlocksMetric = metric.MustCreateNewUint64Metric("/sa/degraded_blocks", "Number of blocks that proceeded without a BLOCKED upcall, by reason.",
		metric.NewField("reason", []string{degradedNoContext, degradedNoStack, degradedNoEvent}))

	wokenMetric = metric.MustCreateNewUint64Metric("/sa/woken", "Number of blocked contexts parked on a woken list.")

	stacksRegisteredMetric = metric.MustCreateNewUint64Metric("/sa/stacks_registered", "Number of upcall stacks donated.")

	fatalMetric = metric.MustCreateNewUint64Metric("/sa/fatal", "Number of contexts terminated for upcall protocol errors.")
)
