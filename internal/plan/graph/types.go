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

// Package graph 将步骤/分组描述编译为规范化的运行时图（节点、边、分组），并计算内容哈希与结构签名。
package graph

import "errors"

// DSLVersion 运行时图 DSL 版本
const DSLVersion = 2

// 节点角色类型
const (
	TypeWorker = "WORKER"
	TypeCritic = "CRITIC"
)

// 依赖汇合策略
const (
	JoinAll    = "all"
	JoinAny    = "any"
	JoinQuorum = "quorum"
)

// 依赖失败策略
const (
	FailFast = "failFast"
	FailSafe = "failSafe"
)

// ErrCycle 依赖图存在环
var ErrCycle = errors.New("graph: dependency cycle")

// CompileError 编译失败，Msg 为完整的描述信息；环路错误的 Cause 为 ErrCycle
type CompileError struct {
	Msg   string
	Cause error
}

func (e *CompileError) Error() string { return e.Msg }

func (e *CompileError) Unwrap() error { return e.Cause }

// Policy 节点或分组上的调度策略，空字符串/nil 表示未声明
type Policy struct {
	Join    string `json:"joinPolicy,omitempty" yaml:"joinPolicy,omitempty"`
	Failure string `json:"failurePolicy,omitempty" yaml:"failurePolicy,omitempty"`
	Quorum  *int   `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	Run     string `json:"runPolicy,omitempty" yaml:"runPolicy,omitempty"`
}

// Step 编译输入中的一个步骤
type Step struct {
	ID        string
	Name      string
	Type      string
	Config    map[string]any
	DependsOn []string
	GroupID   string
	Policy    Policy
}

// Group 节点分组，Policy 作为组内节点的默认策略
type Group struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Nodes  []string `json:"nodes"`
	Policy
}

// Node 运行时图节点
type Node struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config"`
	GroupID string         `json:"groupId,omitempty"`
	Policy
}

// Edge 依赖边 From -> To，To 依赖 From
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph 运行时图
type Graph struct {
	Version int     `json:"version"`
	Nodes   []Node  `json:"nodes"`
	Edges   []Edge  `json:"edges"`
	Groups  []Group `json:"groups"`
}

// Result 编译产物
type Result struct {
	Graph     *Graph
	Hash      string
	Signature string
	Warnings  []string
}

// Validation 仅校验不落库时的结果
type Validation struct {
	Pass     bool     `json:"pass"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

// Node 按 id 查找节点
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Group 按 id 查找分组
func (g *Graph) Group(id string) (Group, bool) {
	for _, gr := range g.Groups {
		if gr.ID == id {
			return gr, true
		}
	}
	return Group{}, false
}

// DependenciesOf 返回 nodeID 的上游节点，顺序与边列表一致
func (g *Graph) DependenciesOf(nodeID string) []string {
	var deps []string
	for _, e := range g.Edges {
		if e.To == nodeID {
			deps = append(deps, e.From)
		}
	}
	return deps
}
