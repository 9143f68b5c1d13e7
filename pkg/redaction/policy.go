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

package redaction

// Policy 脱敏策略；Rules 按数据类别（事件类型或 "task"）区分，Global 对所有类别生效
type Policy struct {
	Rules  map[string][]FieldMask
	Global []FieldMask
}

// FieldMask 字段掩码
type FieldMask struct {
	FieldPath string // 点分路径，如 "eventData.prompt"、"llm.apiKey"
	Mode      Mode
	Salt      string // hash 模式的 salt（可选）
}

// Mode 脱敏模式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 ***REDACTED***
	ModeHash   Mode = "hash"   // 替换为 SHA256 hash
	ModeRemove Mode = "remove" // 移除字段
)

// GlobalKind 配置中代表全局规则的类别名
const GlobalKind = "*"

// Config 脱敏配置
type Config struct {
	Enable   bool         `mapstructure:"enable"`
	Policies []KindConfig `mapstructure:"policies"`
}

// KindConfig 单个类别的规则
type KindConfig struct {
	Kind   string            `mapstructure:"kind"`
	Fields []FieldMaskConfig `mapstructure:"fields"`
}

// FieldMaskConfig 字段掩码配置
type FieldMaskConfig struct {
	Path string `mapstructure:"path"`
	Mode Mode   `mapstructure:"mode"`
	Salt string `mapstructure:"salt"`
}

// PolicyFromConfig 未启用时返回 nil；未知模式按 redact 处理
func PolicyFromConfig(cfg Config) *Policy {
	if !cfg.Enable {
		return nil
	}
	p := &Policy{Rules: make(map[string][]FieldMask)}
	for _, kc := range cfg.Policies {
		masks := make([]FieldMask, 0, len(kc.Fields))
		for _, f := range kc.Fields {
			mode := f.Mode
			switch mode {
			case ModeRedact, ModeHash, ModeRemove:
			default:
				mode = ModeRedact
			}
			masks = append(masks, FieldMask{FieldPath: f.Path, Mode: mode, Salt: f.Salt})
		}
		if kc.Kind == GlobalKind {
			p.Global = append(p.Global, masks...)
			continue
		}
		p.Rules[kc.Kind] = append(p.Rules[kc.Kind], masks...)
	}
	return p
}
