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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"plan-orchestrator/internal/plan/graph"
	"plan-orchestrator/internal/planning"
	"plan-orchestrator/internal/task"
	"plan-orchestrator/pkg/utils"
)

// loadPlanFile 读取计划描述：顶层可带 sessionId/goal/defaultConfig/context，
// 图本身放在 spec（steps 形式）或 draft（nodes/edges 形式）下，也可直接写在顶层
func loadPlanFile(path, sessionID, goal string) (planning.Request, error) {
	doc, err := graph.LoadSpecFile(path)
	if err != nil {
		return planning.Request{}, err
	}
	req := planning.Request{
		SessionID:     utils.CoalesceString(sessionID, utils.Text(doc, "sessionId", "session_id"), "planctl"),
		Goal:          utils.CoalesceString(goal, utils.Text(doc, "goal")),
		DefaultConfig: utils.Map(doc, "defaultConfig", "default_config"),
		Context:       utils.Map(doc, "context"),
		DefinitionID:  utils.Text(doc, "definitionId"),
		DraftID:       utils.Text(doc, "draftId"),
	}
	if req.Goal == "" {
		req.Goal = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	switch {
	case utils.Map(doc, "spec") != nil:
		req.Spec = utils.Map(doc, "spec")
	case utils.Map(doc, "draft") != nil:
		req.Draft = utils.Map(doc, "draft")
	case utils.HasAnyKey(doc, "nodes"):
		req.Draft = doc
	default:
		req.Spec = doc
	}
	return req, nil
}

func addFileFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "计划描述文件（YAML 或 JSON）")
	cmd.Flags().String("session", "", "覆盖文件中的 sessionId")
	cmd.Flags().String("goal", "", "覆盖文件中的 goal")
	_ = cmd.MarkFlagRequired("file")
}

func requestFromFlags(cmd *cobra.Command) (planning.Request, error) {
	path, _ := cmd.Flags().GetString("file")
	session, _ := cmd.Flags().GetString("session")
	goal, _ := cmd.Flags().GetString("goal")
	return loadPlanFile(path, session, goal)
}

func newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "本地编译计划描述并展开任务，不落库",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			b, err := planning.Build(req)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return writeBundleJSON(cmd.OutOrStdout(), b)
			}
			writeBundle(cmd.OutOrStdout(), b)
			return nil
		},
	}
	addFileFlags(cmd)
	cmd.Flags().Bool("json", false, "以 JSON 输出执行图与任务")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "校验计划描述，失败时退出码非 0",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			b, err := planning.Build(req)
			if err != nil {
				color.New(color.FgRed).Fprintf(out, "✗ %v\n", err)
				return fmt.Errorf("validation failed")
			}
			color.New(color.FgGreen).Fprintf(out, "✓ valid: %d nodes, %d edges\n", len(b.Plan.Graph.Nodes), len(b.Plan.Graph.Edges))
			writeWarnings(out, b.Warnings)
			return nil
		},
	}
	addFileFlags(cmd)
	return cmd
}

func writeBundleJSON(w io.Writer, b *planning.Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"source":   b.Source,
		"routing":  b.Decision,
		"plan":     b.Plan,
		"tasks":    b.Tasks,
		"warnings": b.Warnings,
	})
}

func writeBundle(w io.Writer, b *planning.Bundle) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "plan %s", b.Plan.ID)
	fmt.Fprintf(w, "  source=%s route=%s hash=%v\n", b.Source, b.Decision.Type, b.Plan.DefinitionSnapshot["graphHash"])

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tTYPE\tDEPENDS ON\tJOIN\tFAILURE\tMAX RETRIES")
	for _, t := range b.Tasks {
		p := task.PolicyOf(t)
		failure := graph.FailSafe
		if p.FailFast {
			failure = graph.FailFast
		}
		deps := "-"
		if len(t.DependencyNodeIDs) > 0 {
			deps = strings.Join(t.DependencyNodeIDs, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", t.NodeID, t.Type, deps, p.Join, failure, t.MaxRetries)
	}
	_ = tw.Flush()
	writeWarnings(w, b.Warnings)
}

func writeWarnings(w io.Writer, warnings []string) {
	yellow := color.New(color.FgYellow)
	for _, msg := range warnings {
		yellow.Fprintf(w, "! %s\n", msg)
	}
}
