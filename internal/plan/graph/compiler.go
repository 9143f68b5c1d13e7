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

// Compile 解析 {steps, groups} 形式的描述（通常来自 JSON/YAML 解码）并编译
func Compile(spec map[string]any) (*Result, error) {
	if len(spec) == 0 {
		return nil, compileErr("graph: spec is empty")
	}
	rawSteps, ok := spec["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return nil, compileErr("graph: steps must not be empty")
	}
	steps := make([]Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, compileErr("graph: steps[%d] must be an object", i)
		}
		s, err := parseStep(i, m)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	var groups []Group
	if rawGroups, exists := spec["groups"]; exists && rawGroups != nil {
		list, ok := rawGroups.([]any)
		if !ok {
			return nil, compileErr("graph: groups must be an array")
		}
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
	return CompileSteps(steps, groups)
}

// Validate 编译但不返回图，仅报告是否通过
func Validate(spec map[string]any) Validation {
	res, err := Compile(spec)
	if err != nil {
		return Validation{Pass: false, Issues: []string{err.Error()}, Warnings: []string{}}
	}
	return Validation{Pass: true, Issues: []string{}, Warnings: res.Warnings}
}

// CompileSteps 编译已解析的步骤与分组；任一校验失败返回单个 *CompileError，不返回部分结果
func CompileSteps(steps []Step, groups []Group) (*Result, error) {
	if len(steps) == 0 {
		return nil, compileErr("graph: steps must not be empty")
	}
	var warnings []string

	nodes := make([]Node, 0, len(steps))
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, compileErr("graph: steps[%d].id is required", i)
		}
		if _, dup := index[id]; dup {
			return nil, compileErr("graph: steps[%d].id duplicated: %s", i, id)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = id
			warnings = append(warnings, fmt.Sprintf("steps[%d].name is empty, fell back to node id %s", i, id))
		}
		typ, err := normalizeType(s.Type)
		if err != nil {
			return nil, compileErr("graph: steps[%d].roleType %v", i, err)
		}
		cfg := s.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		index[id] = i
		nodes = append(nodes, Node{
			ID:      id,
			Name:    name,
			Type:    typ,
			Config:  utils.CloneMap(cfg),
			GroupID: strings.TrimSpace(s.GroupID),
			Policy:  normalizePolicy(s.Policy),
		})
	}

	deps := make([][]string, len(steps))
	for i, s := range steps {
		deps[i] = dedupeTrimmed(s.DependsOn)
		for _, d := range deps[i] {
			if d == nodes[i].ID {
				return nil, compileErr("graph: invalid dependency: step %s depends on itself", d)
			}
			if _, ok := index[d]; !ok {
				return nil, compileErr("graph: invalid dependency: step %s references unknown step %s", nodes[i].ID, d)
			}
		}
	}
	if err := checkAcyclic(nodes, deps, index); err != nil {
		return nil, err
	}

	outGroups, gw, err := buildGroups(nodes, index, groups)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, gw...)

	var edges []Edge
	seen := make(map[Edge]bool)
	for i := range nodes {
		for _, d := range deps[i] {
			e := Edge{From: d, To: nodes[i].ID}
			if !seen[e] {
				seen[e] = true
				edges = append(edges, e)
			}
		}
	}
	if edges == nil {
		edges = []Edge{}
	}

	g := &Graph{Version: DSLVersion, Nodes: nodes, Edges: edges, Groups: outGroups}
	return finish(g, warnings)
}

func finish(g *Graph, warnings []string) (*Result, error) {
	hash, err := Hash(g)
	if err != nil {
		return nil, err
	}
	if warnings == nil {
		warnings = []string{}
	}
	return &Result{Graph: g, Hash: hash, Signature: Signature(g), Warnings: warnings}, nil
}

// checkAcyclic Kahn 拓扑排序，访问节点数小于总数即存在环
func checkAcyclic(nodes []Node, deps [][]string, index map[string]int) error {
	indegree := make([]int, len(nodes))
	downstream := make([][]int, len(nodes))
	for i := range nodes {
		for _, d := range deps[i] {
			j := index[d]
			downstream[j] = append(downstream[j], i)
			indegree[i]++
		}
	}
	queue := make([]int, 0, len(nodes))
	for i, n := range indegree {
		if n == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range downstream[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(nodes) {
		return &CompileError{Msg: "graph: steps contain a dependency cycle", Cause: ErrCycle}
	}
	return nil
}

// buildGroups 校验显式分组，并为只在步骤上声明的 groupId 补齐默认分组
func buildGroups(nodes []Node, index map[string]int, groups []Group) ([]Group, []string, error) {
	out := make([]Group, 0, len(groups))
	declared := make(map[string]bool, len(groups))
	for i, g := range groups {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return nil, nil, compileErr("graph: groups[%d].id is required", i)
		}
		if declared[id] {
			return nil, nil, compileErr("graph: groups[%d].id duplicated: %s", i, id)
		}
		members := dedupeTrimmed(g.Nodes)
		for _, m := range members {
			if _, ok := index[m]; !ok {
				return nil, nil, compileErr("graph: groups[%d].nodes contains unknown node: %s", i, m)
			}
		}
		declared[id] = true
		out = append(out, Group{
			ID:     id,
			Name:   strings.TrimSpace(g.Name),
			Nodes:  members,
			Policy: normalizePolicy(g.Policy),
		})
	}

	var warnings []string
	implicit := make(map[string]int)
	for _, n := range nodes {
		if n.GroupID == "" || declared[n.GroupID] {
			continue
		}
		pos, ok := implicit[n.GroupID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("steps.groupId=%s is not declared, a default group was added", n.GroupID))
			out = append(out, Group{ID: n.GroupID, Name: n.GroupID, Nodes: []string{}})
			pos = len(out) - 1
			implicit[n.GroupID] = pos
		}
		out[pos].Nodes = append(out[pos].Nodes, n.ID)
	}
	return out, warnings, nil
}

func parseStep(i int, m map[string]any) (Step, error) {
	path := fmt.Sprintf("steps[%d]", i)
	s := Step{
		ID:      utils.Text(m, "id", "stepId"),
		Name:    utils.Text(m, "name", "title", "label"),
		Type:    utils.Text(m, "roleType", "type", "taskType"),
		GroupID: utils.Text(m, "groupId", "group_id"),
	}
	if raw, ok := m["config"]; ok && raw != nil {
		cfg, ok := raw.(map[string]any)
		if !ok {
			return Step{}, compileErr("graph: %s.config must be an object", path)
		}
		s.Config = cfg
	}
	depKeys := []string{"dependsOn", "dependencies", "deps"}
	for _, k := range depKeys {
		raw, ok := m[k]
		if !ok || raw == nil {
			continue
		}
		list, err := stringList(raw)
		if err != nil {
			return Step{}, compileErr("graph: %s.%s %v", path, k, err)
		}
		s.DependsOn = list
		break
	}
	p, err := parsePolicy(path, m)
	if err != nil {
		return Step{}, err
	}
	s.Policy = p
	return s, nil
}

func parseGroup(path string, m map[string]any) (Group, error) {
	g := Group{
		ID:   utils.Text(m, "id", "groupId", "group_id"),
		Name: utils.Text(m, "name", "title", "label"),
	}
	for _, k := range []string{"nodes", "nodeIds", "members"} {
		raw, ok := m[k]
		if !ok || raw == nil {
			continue
		}
		list, err := stringList(raw)
		if err != nil {
			return Group{}, compileErr("graph: %s.%s %v", path, k, err)
		}
		g.Nodes = list
		break
	}
	p, err := parsePolicy(path, m)
	if err != nil {
		return Group{}, err
	}
	g.Policy = p
	return g, nil
}

func parsePolicy(path string, m map[string]any) (Policy, error) {
	p := Policy{
		Join:    utils.Text(m, "joinPolicy", "join_policy", "dependencyJoinPolicy"),
		Failure: utils.Text(m, "failurePolicy", "failure_policy"),
		Run:     utils.Text(m, "runPolicy", "run_policy"),
	}
	q, ok, err := utils.Int(m, "quorum", "joinQuorum")
	if err != nil {
		return Policy{}, compileErr("graph: %s.quorum %v", path, err)
	}
	if ok {
		p.Quorum = &q
	}
	return p, nil
}

func stringList(raw any) ([]string, error) {
	switch x := raw.(type) {
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, v := range x {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("must contain only strings, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be an array, got %T", raw)
}

func normalizeType(raw string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	switch t {
	case "":
		return TypeWorker, nil
	case TypeWorker, TypeCritic:
		return t, nil
	}
	return "", fmt.Errorf("must be WORKER or CRITIC, got %q", raw)
}

// NormalizeJoin 空值保持未声明，any/quorum 之外一律视为 all
func NormalizeJoin(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case JoinAny:
		return JoinAny
	case JoinQuorum:
		return JoinQuorum
	}
	return JoinAll
}

// NormalizeFailure 空值保持未声明，failSafe/fail_safe 之外一律视为 failFast
func NormalizeFailure(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return ""
	case strings.EqualFold(s, FailSafe), strings.EqualFold(s, "fail_safe"):
		return FailSafe
	}
	return FailFast
}

func normalizePolicy(p Policy) Policy {
	out := Policy{
		Join:    NormalizeJoin(p.Join),
		Failure: NormalizeFailure(p.Failure),
		Run:     strings.TrimSpace(p.Run),
	}
	if p.Quorum != nil {
		q := *p.Quorum
		out.Quorum = &q
	}
	return out
}

func dedupeTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func compileErr(format string, args ...any) error {
	return &CompileError{Msg: fmt.Sprintf(format, args...)}
}
