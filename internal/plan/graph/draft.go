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

package graph

import (
	"fmt"
	"strings"

	"plan-orchestrator/pkg/utils"
)

// 草稿图中的虚拟起止节点，仅用于可视化，不参与执行
var (
	virtualEntries = map[string]bool{"START": true, "BEGIN": true, "ENTRY": true, "ROOT_START": true, "SOURCE": true}
	virtualExits   = map[string]bool{"END": true, "FINISH": true, "EXIT": true, "ROOT_END": true, "SINK": true}
)

// IsVirtualBoundary 判断 id 是否为虚拟起止标记（忽略大小写，- 与 _ 等价）
func IsVirtualBoundary(id string) bool {
	k := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(id), "-", "_"))
	return virtualEntries[k] || virtualExits[k]
}

// NormalizeDraft 规范化外部草稿图 {nodes, edges, groups}：
// 去掉虚拟起止节点及其相连的边，分组 id 作为端点时展开为组内节点，边去重后校验无环。
func NormalizeDraft(draft map[string]any) (*Result, error) {
	if len(draft) == 0 {
		return nil, compileErr("graph: draft is empty")
	}
	rawNodes, _ := draft["nodes"].([]any)
	var (
		nodes    []Node
		index    = make(map[string]int)
		warnings []string
	)
	for i, raw := range rawNodes {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, compileErr("graph: nodes[%d] must be an object", i)
		}
		id := utils.Text(m, "id", "nodeId", "node_id")
		if id == "" {
			return nil, compileErr("graph: nodes[%d].id is required", i)
		}
		if IsVirtualBoundary(id) {
			continue
		}
		if _, dup := index[id]; dup {
			return nil, compileErr("graph: nodes[%d].id duplicated: %s", i, id)
		}
		typ, err := normalizeType(utils.Text(m, "type", "taskType", "task_type", "roleType"))
		if err != nil {
			return nil, compileErr("graph: nodes[%d].type %v", i, err)
		}
		name := utils.Text(m, "name", "title", "label")
		if name == "" {
			name = id
			warnings = append(warnings, fmt.Sprintf("nodes[%d].name is empty, fell back to node id %s", i, id))
		}
		p, err := parsePolicy(fmt.Sprintf("nodes[%d]", i), m)
		if err != nil {
			return nil, err
		}
		cfg := utils.Map(m, "config", "configSnapshot", "config_snapshot", "options")
		if cfg == nil {
			cfg = map[string]any{}
		}
		index[id] = len(nodes)
		nodes = append(nodes, Node{
			ID:      id,
			Name:    name,
			Type:    typ,
			Config:  utils.CloneMap(cfg),
			GroupID: utils.Text(m, "groupId", "group_id"),
			Policy:  normalizePolicy(p),
		})
	}
	if len(nodes) == 0 {
		return nil, compileErr("graph: draft has no executable nodes")
	}

	var groups []Group
	if list, ok := draft["groups"].([]any); ok {
		for i, raw := range list {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, compileErr("graph: groups[%d] must be an object", i)
			}
			g, err := parseGroup(fmt.Sprintf("groups[%d]", i), m)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g)
		}
	}
	outGroups, gw, err := buildGroups(nodes, index, groups)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, gw...)
	members := make(map[string][]string, len(outGroups))
	for _, g := range outGroups {
		members[g.ID] = g.Nodes
	}

	rawEdges, _ := draft["edges"].([]any)
	deps := make([][]string, len(nodes))
	var edges []Edge
	seen := make(map[Edge]bool)
	for i, raw := range rawEdges {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, compileErr("graph: edges[%d] must be an object", i)
		}
		from := utils.Text(m, "from", "source", "src")
		to := utils.Text(m, "to", "target", "dst")
		if from == "" || to == "" {
			return nil, compileErr("graph: edges[%d] requires from and to", i)
		}
		if IsVirtualBoundary(from) || IsVirtualBoundary(to) {
			continue
		}
		froms, err := expandEndpoint(from, index, members)
		if err != nil {
			return nil, compileErr("graph: edges[%d] %v", i, err)
		}
		tos, err := expandEndpoint(to, index, members)
		if err != nil {
			return nil, compileErr("graph: edges[%d] %v", i, err)
		}
		for _, f := range froms {
			for _, t := range tos {
				e := Edge{From: f, To: t}
				if seen[e] {
					continue
				}
				if f == t {
					return nil, &CompileError{Msg: fmt.Sprintf("graph: draft graph contains a cycle at %s", f), Cause: ErrCycle}
				}
				seen[e] = true
				edges = append(edges, e)
				deps[index[t]] = append(deps[index[t]], f)
			}
		}
	}
	if err := checkAcyclic(nodes, deps, index); err != nil {
		return nil, &CompileError{Msg: "graph: draft graph contains a cycle", Cause: ErrCycle}
	}
	if edges == nil {
		edges = []Edge{}
	}
	return finish(&Graph{Version: DSLVersion, Nodes: nodes, Edges: edges, Groups: outGroups}, warnings)
}

func expandEndpoint(id string, index map[string]int, members map[string][]string) ([]string, error) {
	if _, ok := index[id]; ok {
		return []string{id}, nil
	}
	if m, ok := members[id]; ok {
		if len(m) == 0 {
			return nil, fmt.Errorf("group %s has no members", id)
		}
		return m, nil
	}
	return nil, fmt.Errorf("references unknown node %s", id)
}
