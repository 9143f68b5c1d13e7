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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reportYAML = `
sessionId: s-yaml
goal: 写一份调研报告
defaultConfig:
  priority: 3
spec:
  groups:
    - id: drafts
      nodes: [body]
      joinPolicy: any
      failurePolicy: failSafe
  steps:
    - id: outline
      name: 写大纲
    - id: body
      name: 写正文
      dependsOn: [outline]
      config:
        maxRetries: 1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadPlanFile(t *testing.T) {
	req, err := loadPlanFile(writeFile(t, "report.yaml", reportYAML), "", "")
	require.NoError(t, err)
	assert.Equal(t, "s-yaml", req.SessionID)
	assert.Equal(t, "写一份调研报告", req.Goal)
	assert.NotNil(t, req.Spec)
	assert.Nil(t, req.Draft)

	draft := `{"nodes":[{"id":"start"},{"id":"a"},{"id":"end"}],"edges":[{"from":"start","to":"a"},{"from":"a","to":"end"}]}`
	req, err = loadPlanFile(writeFile(t, "flow.json", draft), "s2", "")
	require.NoError(t, err)
	assert.Equal(t, "s2", req.SessionID)
	assert.Equal(t, "flow", req.Goal, "goal 缺省取文件名")
	assert.NotNil(t, req.Draft)
	assert.Nil(t, req.Spec)
}

func TestCompile(t *testing.T) {
	path := writeFile(t, "report.yaml", reportYAML)
	out, err := run(t, "compile", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "NODE")
	assert.Contains(t, out, "outline")
	assert.Contains(t, out, "failSafe")
	assert.Contains(t, out, "source=steps")

	out, err = run(t, "compile", "-f", path, "--json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "steps", doc["source"])
	assert.Len(t, doc["tasks"], 2)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "-f", writeFile(t, "report.yaml", reportYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "valid: 2 nodes, 1 edges")

	bad := "steps:\n  - id: a\n    dependsOn: [ghost]\n"
	out, err = run(t, "validate", "-f", writeFile(t, "bad.yaml", bad))
	require.Error(t, err)
	assert.Contains(t, out, "ghost")
}

func TestReplay_FollowsCursor(t *testing.T) {
	var afters []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/plans/p1/events", r.URL.Path)
		after := r.URL.Query().Get("after")
		afters = append(afters, after)
		page := map[string]any{"planId": "p1", "events": []any{}, "nextCursor": 2}
		if after == "0" {
			page["events"] = []any{
				map[string]any{"id": 1, "eventType": "TASK_STARTED", "taskId": "t1", "eventData": map[string]any{}},
				map[string]any{"id": 2, "eventType": "PLAN_FINISHED", "eventData": map[string]any{"status": "COMPLETED"}},
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	out, err := run(t, "replay", "p1", "--all", "--api", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2"}, afters)
	assert.Contains(t, out, "PLAN_FINISHED")
	assert.Contains(t, out, "cursor=2")
}

func TestActionCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/plans/p1/pause":
			_ = json.NewEncoder(w).Encode(map[string]any{"plan": map[string]any{"status": "PAUSED"}, "changed": false})
		default:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid state"})
		}
	}))
	defer srv.Close()

	out, err := run(t, "pause", "p1", "--api", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "already PAUSED")

	_, err = run(t, "cancel", "p1", "--api", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409 invalid state")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "planctl "+version+"\n", out)
}
