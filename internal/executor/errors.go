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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"plan-orchestrator/internal/task"
	pkgerrors "plan-orchestrator/pkg/errors"
)

// ClassifyError 执行记录的 error_type
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var (
		pgErr     *pgconn.PgError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, pkgerrors.ErrOptimisticLock), strings.Contains(msg, "optimistic lock"):
		return task.ErrorTypeOptimisticLock
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return task.ErrorTypeTimeout
	case errors.As(err, &pgErr), strings.Contains(msg, "connection"), strings.Contains(msg, "sql"):
		return task.ErrorTypeDB
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), strings.Contains(msg, "json"):
		return task.ErrorTypeJSON
	}
	return task.ErrorTypeRuntime
}
