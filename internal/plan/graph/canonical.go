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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	signaturePrefix = "sig_"
	signatureLen    = 24
)

// Canonical 返回排序后的副本：节点、分组按 id，边按 (from, to)，分组成员按字典序
func Canonical(g *Graph) *Graph {
	out := &Graph{
		Version: g.Version,
		Nodes:   append([]Node(nil), g.Nodes...),
		Edges:   append([]Edge(nil), g.Edges...),
		Groups:  make([]Group, len(g.Groups)),
	}
	for i, gr := range g.Groups {
		gr.Nodes = append([]string{}, gr.Nodes...)
		sort.Strings(gr.Nodes)
		out.Groups[i] = gr
	}
	sort.SliceStable(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })
	sort.SliceStable(out.Edges, func(i, j int) bool {
		if out.Edges[i].From != out.Edges[j].From {
			return out.Edges[i].From < out.Edges[j].From
		}
		return out.Edges[i].To < out.Edges[j].To
	})
	sort.SliceStable(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	return out
}

// CanonicalJSON 规范化序列化：列表按 Canonical 排序，所有对象 key 递归排序
func CanonicalJSON(g *Graph) ([]byte, error) {
	raw, err := json.Marshal(Canonical(g))
	if err != nil {
		return nil, fmt.Errorf("graph: marshal: %w", err)
	}
	// 经由 any 再序列化一次，嵌套对象（包括 config）的 key 均按字典序输出
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("graph: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("graph: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash 规范化 JSON 的 sha256（hex）
func Hash(g *Graph) (string, error) {
	b, err := CanonicalJSON(g)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Signature 只覆盖结构与策略（不含 name/config），用于变更检测
func Signature(g *Graph) string {
	nodes := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n.ID+":"+n.Type+":"+policyToken(n.Policy))
	}
	groups := make([]string, 0, len(g.Groups))
	for _, gr := range g.Groups {
		groups = append(groups, gr.ID+":"+policyToken(gr.Policy))
	}
	edges := make([]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, e.From+"->"+e.To)
	}
	sort.Strings(nodes)
	sort.Strings(groups)
	sort.Strings(edges)

	raw := "v" + strconv.Itoa(g.Version) +
		"#nodes=" + strings.Join(nodes, "|") +
		"#groups=" + strings.Join(groups, "|") +
		"#edges=" + strings.Join(edges, "|")
	sum := sha256.Sum256([]byte(raw))
	return signaturePrefix + hex.EncodeToString(sum[:])[:signatureLen]
}

func policyToken(p Policy) string {
	q := "-"
	if p.Quorum != nil {
		q = strconv.Itoa(*p.Quorum)
	}
	return "join=" + orDash(p.Join) + ":fail=" + orDash(p.Failure) + ":q=" + q
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
