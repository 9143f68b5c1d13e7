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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) map[string]any {
	d := make([]any, 0, len(deps))
	for _, x := range deps {
		d = append(d, x)
	}
	return map[string]any{"id": id, "name": id, "dependsOn": d}
}

func spec(steps ...map[string]any) map[string]any {
	list := make([]any, 0, len(steps))
	for _, s := range steps {
		list = append(list, s)
	}
	return map[string]any{"steps": list}
}

func TestCompile_AnalysisDesign(t *testing.T) {
	res, err := Compile(spec(step("analysis"), step("design", "analysis")))
	require.NoError(t, err)
	g := res.Graph
	assert.Equal(t, DSLVersion, g.Version)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, []Edge{{From: "analysis", To: "design"}}, g.Edges)
	assert.Empty(t, g.Groups)
	assert.Equal(t, []string{"analysis"}, g.DependenciesOf("design"))
	assert.Equal(t, TypeWorker, g.Nodes[0].Type)
	assert.Len(t, res.Hash, 64)
	assert.True(t, strings.HasPrefix(res.Signature, "sig_"))
	assert.Len(t, res.Signature, len("sig_")+24)
}

func TestCompile_FieldAliases(t *testing.T) {
	res, err := Compile(spec(
		map[string]any{"stepId": "a", "title": "调研", "type": "worker"},
		map[string]any{
			"id": "b", "taskType": "Critic", "deps": []any{" a ", "a"},
			"join_policy": "QUORUM", "failure_policy": "fail_safe", "joinQuorum": "1",
			"run_policy": " serial ", "group_id": "review",
		},
	))
	require.NoError(t, err)
	b, ok := res.Graph.Node("b")
	require.True(t, ok)
	assert.Equal(t, "b", b.Name)
	assert.Equal(t, TypeCritic, b.Type)
	assert.Equal(t, JoinQuorum, b.Join)
	assert.Equal(t, FailSafe, b.Failure)
	require.NotNil(t, b.Quorum)
	assert.Equal(t, 1, *b.Quorum)
	assert.Equal(t, "serial", b.Run)
	assert.Equal(t, []Edge{{From: "a", To: "b"}}, res.Graph.Edges)

	// name 回退与隐式分组均产生告警
	require.Len(t, res.Warnings, 2)
	gr, ok := res.Graph.Group("review")
	require.True(t, ok)
	assert.Equal(t, "review", gr.Name)
	assert.Equal(t, []string{"b"}, gr.Nodes)
}

func TestCompile_Errors(t *testing.T) {
	cases := []struct {
		name string
		spec map[string]any
		want string
	}{
		{"empty", map[string]any{}, "spec is empty"},
		{"no steps", map[string]any{"steps": []any{}}, "steps must not be empty"},
		{"missing id", spec(map[string]any{"name": "x"}), "steps[0].id is required"},
		{"duplicate", spec(step("a"), step("a")), "duplicated: a"},
		{"self dependency", spec(step("a", "a")), "depends on itself"},
		{"unknown dependency", spec(step("a", "ghost")), "unknown step ghost"},
		{"bad role", spec(map[string]any{"id": "a", "roleType": "JUDGE"}), "WORKER or CRITIC"},
		{"deps not array", spec(map[string]any{"id": "a", "dependsOn": "b"}), "must be an array"},
		{"bad quorum", spec(map[string]any{"id": "a", "quorum": "two"}), "quorum"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Compile(tc.spec)
			require.Error(t, err)
			assert.Nil(t, res)
			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCompile_Cycle(t *testing.T) {
	_, err := Compile(spec(step("a", "c"), step("b", "a"), step("c", "b"), step("d")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompile_Groups(t *testing.T) {
	s := spec(step("a"), step("b", "a"))
	s["groups"] = []any{
		map[string]any{"groupId": "g1", "members": []any{"a", "b"}, "failurePolicy": "failFast"},
	}
	res, err := Compile(s)
	require.NoError(t, err)
	require.Len(t, res.Graph.Groups, 1)
	assert.Equal(t, FailFast, res.Graph.Groups[0].Failure)

	s["groups"] = []any{map[string]any{"id": "g1", "nodes": []any{"zzz"}}}
	_, err = Compile(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node: zzz")

	s["groups"] = []any{map[string]any{"id": "g1"}, map[string]any{"id": "g1"}}
	_, err = Compile(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "groups[1].id duplicated")
}

func TestHash_InvariantUnderReordering(t *testing.T) {
	a := spec(step("a"), step("b"), step("c", "a", "b"))
	a["groups"] = []any{
		map[string]any{"id": "g1", "nodes": []any{"a", "b"}},
		map[string]any{"id": "g2", "nodes": []any{"c"}},
	}
	b := spec(step("c", "b", "a"), step("b"), step("a"))
	b["groups"] = []any{
		map[string]any{"id": "g2", "nodes": []any{"c"}},
		map[string]any{"id": "g1", "nodes": []any{"b", "a"}},
	}
	ra, err := Compile(a)
	require.NoError(t, err)
	rb, err := Compile(b)
	require.NoError(t, err)
	assert.Equal(t, ra.Hash, rb.Hash)
	assert.Equal(t, ra.Signature, rb.Signature)
}

func TestHash_ChangesWithPolicy(t *testing.T) {
	base, err := Compile(spec(step("a"), step("b", "a")))
	require.NoError(t, err)

	variants := []map[string]any{
		{"joinPolicy": "any"},
		{"failurePolicy": "failSafe"},
		{"quorum": 1},
	}
	for _, v := range variants {
		s := step("b", "a")
		for k, val := range v {
			s[k] = val
		}
		res, err := Compile(spec(step("a"), s))
		require.NoError(t, err)
		assert.NotEqual(t, base.Hash, res.Hash, "hash should change for %v", v)
		assert.NotEqual(t, base.Signature, res.Signature, "signature should change for %v", v)
	}
}

func TestSignature_IgnoresNameAndConfig(t *testing.T) {
	a, err := Compile(spec(map[string]any{"id": "a", "name": "一", "config": map[string]any{"k": 1}}))
	require.NoError(t, err)
	b, err := Compile(spec(map[string]any{"id": "a", "name": "二"}))
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestValidate(t *testing.T) {
	v := Validate(spec(step("a", "b"), step("b", "a")))
	assert.False(t, v.Pass)
	require.Len(t, v.Issues, 1)

	v = Validate(spec(map[string]any{"id": "a"}))
	assert.True(t, v.Pass)
	assert.Len(t, v.Warnings, 1)
}

func TestParseSpec_YAML(t *testing.T) {
	s, err := ParseSpec([]byte(`
steps:
  - id: analysis
    name: 需求分析
  - id: design
    name: 方案设计
    dependsOn: [analysis]
    quorum: 1
    config:
      prompt: "基于 {{analysis}} 给出设计"
`))
	require.NoError(t, err)
	res, err := Compile(s)
	require.NoError(t, err)
	n, _ := res.Graph.Node("design")
	require.NotNil(t, n.Quorum)
	assert.Equal(t, "基于 {{analysis}} 给出设计", n.Config["prompt"])
}
