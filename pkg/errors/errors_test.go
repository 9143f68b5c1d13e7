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

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	wrapped := Wrapf(ErrOptimisticLock, "plan=%s version=%d", "p1", 3)
	if wrapped.Error() != "plan=p1 version=3: optimistic lock conflict" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
}

func TestClassifiers(t *testing.T) {
	if !IsOptimisticLock(Wrap(ErrOptimisticLock, "update task")) {
		t.Error("wrapped ErrOptimisticLock should be detected")
	}
	if IsOptimisticLock(errors.New("Optimistic lock conflict")) {
		t.Error("classification must be structural, not by message")
	}
	if !IsNotFound(Wrapf(ErrNotFound, "plan %s", "x")) {
		t.Error("wrapped ErrNotFound should be detected")
	}
	if !IsInvalidState(Wrap(ErrInvalidState, "pause")) {
		t.Error("wrapped ErrInvalidState should be detected")
	}
}
