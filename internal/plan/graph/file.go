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
	"os"

	"gopkg.in/yaml.v3"
)

// ParseSpec 解析 YAML 或 JSON 文本（JSON 是 YAML 的子集）
func ParseSpec(data []byte) (map[string]any, error) {
	var spec map[string]any
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("graph: parse spec: %w", err)
	}
	if spec == nil {
		return nil, compileErr("graph: spec is empty")
	}
	return spec, nil
}

// LoadSpecFile 读取并解析步骤描述文件
func LoadSpecFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", path, err)
	}
	return ParseSpec(data)
}
