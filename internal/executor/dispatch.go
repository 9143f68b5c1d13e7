// Copyright 2026 fanjia1024
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

package executor

import "math"

const defaultRefiningRatio = 0.3

// ClaimSlot 一次认领：ReadyLike=true 认领 READY 及过期 RUNNING，否则认领 REFINING
type ClaimSlot struct {
	ReadyLike bool
	Limit     int
}

// ClaimPlan 一个 tick 的认领计划：先按配额认领，余量按 FallbackOrder 补齐
type ClaimPlan struct {
	Limit         int
	Primary       []ClaimSlot
	FallbackOrder []bool
}

// ResolveClaimLimit min(batch, maxPerTick, available)
func ResolveClaimLimit(batch, maxPerTick, available int) int {
	n := min(batch, maxPerTick)
	if n <= 0 {
		return 0
	}
	return max(min(n, available), 0)
}

// PlanClaim REFINING 配额为 floor(limit*ratio) 与 minPerTick 取大，且不超过 limit
func PlanClaim(limit int, readyFirst bool, refiningRatio float64, refiningMin int) ClaimPlan {
	if limit <= 0 {
		return ClaimPlan{}
	}
	refining := refiningQuota(limit, refiningRatio, refiningMin)
	ready := limit - refining
	readySlot := ClaimSlot{ReadyLike: true, Limit: ready}
	refiningSlot := ClaimSlot{ReadyLike: false, Limit: refining}
	if readyFirst {
		return ClaimPlan{Limit: limit, Primary: []ClaimSlot{readySlot, refiningSlot}, FallbackOrder: []bool{true, false}}
	}
	return ClaimPlan{Limit: limit, Primary: []ClaimSlot{refiningSlot, readySlot}, FallbackOrder: []bool{false, true}}
}

func refiningQuota(limit int, ratio float64, minPerTick int) int {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		ratio = defaultRefiningRatio
	}
	ratio = math.Max(0, math.Min(ratio, 1))
	byRatio := int(math.Floor(float64(limit) * ratio))
	floor := min(max(minPerTick, 0), limit)
	return min(max(byRatio, floor), limit)
}
