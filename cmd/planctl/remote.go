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
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func apiBaseURL(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("api"); u != "" {
		return u
	}
	if u := os.Getenv("PLAN_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient(cmd *cobra.Command) *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL(cmd)).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// call 发送请求，非 2xx 时返回服务端的 error 字段
func call(req *resty.Request, method, path string) (map[string]any, error) {
	var out map[string]any
	resp, err := req.SetResult(&out).Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
			return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), body.Error)
		}
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), resp.String())
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "提交计划描述到 API 服务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			body := map[string]any{
				"sessionId":     req.SessionID,
				"goal":          req.Goal,
				"spec":          req.Spec,
				"draft":         req.Draft,
				"defaultConfig": req.DefaultConfig,
				"context":       req.Context,
				"definitionId":  req.DefinitionID,
				"draftId":       req.DraftID,
			}
			out, err := call(newClient(cmd).R().SetBody(body), http.MethodPost, "/api/plans")
			if err != nil {
				return err
			}
			p, _ := out["plan"].(map[string]any)
			tasks, _ := out["tasks"].([]any)
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ plan %v created (%v, %d tasks)\n", p["id"], p["status"], len(tasks))
			return nil
		},
	}
	addFileFlags(cmd)
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <planId>",
		Short: "查询计划与任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(cmd)
			p, err := call(client.R(), http.MethodGet, "/api/plans/"+args[0])
			if err != nil {
				return err
			}
			withTasks, _ := cmd.Flags().GetBool("tasks")
			if !withTasks {
				return printJSON(cmd.OutOrStdout(), p)
			}
			tasks, err := call(client.R(), http.MethodGet, "/api/plans/"+args[0]+"/tasks")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"plan": p, "tasks": tasks["tasks"]})
		},
	}
	cmd.Flags().Bool("tasks", false, "同时列出任务")
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <planId>",
		Short: "按游标分页回放计划事件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			client := newClient(cmd)
			w := cmd.OutOrStdout()
			for {
				out, err := call(client.R().SetQueryParams(map[string]string{
					"after": strconv.FormatInt(after, 10),
					"limit": strconv.Itoa(limit),
				}), http.MethodGet, "/api/plans/"+args[0]+"/events")
				if err != nil {
					return err
				}
				events, _ := out["events"].([]any)
				for _, raw := range events {
					writeEventLine(w, raw)
				}
				next, _ := out["nextCursor"].(float64)
				if !all || len(events) == 0 || int64(next) <= after {
					fmt.Fprintf(w, "cursor=%d\n", int64(next))
					return nil
				}
				after = int64(next)
			}
		},
	}
	cmd.Flags().Int64("after", 0, "只返回 id 大于该值的事件")
	cmd.Flags().Int("limit", 200, "单页条数（1~500）")
	cmd.Flags().Bool("all", false, "翻页直到没有更多事件")
	return cmd
}

func writeEventLine(w io.Writer, raw any) {
	e, _ := raw.(map[string]any)
	typ, _ := e["eventType"].(string)
	c := color.New(color.FgCyan)
	switch typ {
	case "PLAN_FINISHED":
		c = color.New(color.FgGreen, color.Bold)
	case "TASK_LOG":
		c = color.New(color.FgYellow)
	}
	data, _ := json.Marshal(e["eventData"])
	fmt.Fprintf(w, "%6v ", e["id"])
	c.Fprintf(w, "%-15s", typ)
	fmt.Fprintf(w, " task=%v %s\n", e["taskId"], data)
}

func newActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <planId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(newClient(cmd).R(), http.MethodPost, "/api/plans/"+args[0]+"/"+action)
			if err != nil {
				return err
			}
			p, _ := out["plan"].(map[string]any)
			if changed, _ := out["changed"].(bool); !changed {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "plan %s already %v\n", args[0], p["status"])
				return nil
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ plan %s %v\n", args[0], p["status"])
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <taskId>",
		Short: "人工重试 FAILED 任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(newClient(cmd).R(), http.MethodPost, "/api/tasks/"+args[0]+"/retry")
			if err != nil {
				return err
			}
			t, _ := out["task"].(map[string]any)
			p, _ := out["plan"].(map[string]any)
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ task %s %v, plan %v\n", args[0], t["status"], p["status"])
			return nil
		},
	}
}
