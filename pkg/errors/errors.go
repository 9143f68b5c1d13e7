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

// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误；各存储实现返回时包装这些值，调用方用 errors.Is 判断
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArg       = errors.New("invalid argument")
	ErrOptimisticLock   = errors.New("optimistic lock conflict")
	ErrRetryExhausted   = errors.New("retry exhausted")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrGuardRejected    = errors.New("guarded update rejected")
	ErrAlreadyFinalized = errors.New("already finalized")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsNotFound 是否为未找到
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsOptimisticLock 是否为版本冲突（并发写同一行）
func IsOptimisticLock(err error) bool { return errors.Is(err, ErrOptimisticLock) }

// IsInvalidState 是否为状态守卫拒绝
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }
