// Package utils 通用小工具，不依赖 internal
package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoalesceString 返回第一个非空字符串
func CoalesceString(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// DefaultInt 若 v 为 0 则返回 defaultVal
func DefaultInt(v, defaultVal int) int {
	if v == 0 {
		return defaultVal
	}
	return v
}

// HasAnyKey m 中是否存在任一 key（值可为空）
func HasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// Text 按 keys 顺序取第一个非空文本值（已 trim）；非字符串标量会被格式化
func Text(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case fmt.Stringer:
			s = x.String()
		case bool, int, int64, float64, json.Number:
			s = fmt.Sprint(x)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Int 取第一个可解析为整数的值；ok=false 表示 keys 均不存在，err 表示存在但非法
func Int(m map[string]any, keys ...string) (n int, ok bool, err error) {
	for _, k := range keys {
		v, exists := m[k]
		if !exists || v == nil {
			continue
		}
		n, err := ToInt(v)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", k, err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// ToInt 将 JSON/YAML 解码得到的数字或数字字符串转换为 int
func ToInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int(x), nil
	case json.Number:
		i, err := x.Int64()
		return int(i), err
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return i, nil
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

// Bool 取第一个布尔值，兼容 "true"/"false" 字符串
func Bool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch x := m[k].(type) {
		case bool:
			return x, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// Map 取第一个对象值
func Map(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if x, ok := m[k].(map[string]any); ok {
			return x
		}
	}
	return nil
}

// CloneMap 深拷贝 JSON 风格的 map（嵌套 map/slice 一并复制）
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

// MergeMaps 浅合并，后者覆盖前者，返回新 map
func MergeMaps(ms ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
