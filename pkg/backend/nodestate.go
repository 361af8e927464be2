// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

// NodeState is the state of one pool node.
type NodeState string

const (
	NodeIdle                NodeState = "idle"
	NodeRunning             NodeState = "running"
	NodeCreating            NodeState = "creating"
	NodeStarting            NodeState = "starting"
	NodeUnusable            NodeState = "unusable"
	NodeStartTaskFailed     NodeState = "start_task_failed"
	NodeRebooting           NodeState = "rebooting"
	NodeReimaging           NodeState = "reimaging"
	NodeLeavingPool         NodeState = "leaving_pool"
	NodeOffline             NodeState = "offline"
	NodePreempted           NodeState = "preempted"
	NodeUnknown             NodeState = "unknown"
	NodeWaitingForStartTask NodeState = "waiting_for_start_task"
)

// NodeStates lists every node state in reporting order.
var NodeStates = []NodeState{
	NodeIdle, NodeRunning, NodeCreating, NodeStarting, NodeUnusable,
	NodeStartTaskFailed, NodeRebooting, NodeReimaging, NodeLeavingPool,
	NodeOffline, NodePreempted, NodeUnknown, NodeWaitingForStartTask,
}

// NodeCounts maps every node state to a count, including zero counts.
func NodeCounts(nodes []Node) map[NodeState]int {
	counts := make(map[NodeState]int, len(NodeStates))
	for _, s := range NodeStates {
		counts[s] = 0
	}
	for _, n := range nodes {
		if _, ok := counts[n.State]; !ok {
			counts[NodeUnknown]++
			continue
		}
		counts[n.State]++
	}
	return counts
}
