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

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store, planID string, statuses ...Status) []*Task {
	t.Helper()
	var tasks []*Task
	for i, st := range statuses {
		tasks = append(tasks, &Task{
			ID: fmt.Sprintf("%s-t%d", planID, i), PlanID: planID, NodeID: fmt.Sprintf("n%d", i),
			Name: fmt.Sprintf("n%d", i), Type: TypeWorker, Status: st, MaxRetries: 3,
		})
	}
	require.NoError(t, s.BatchCreate(context.Background(), tasks))
	return tasks
}

func TestMemStore_UpdateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusPending)

	a, _ := s.Get(ctx, "p1-t0")
	b, _ := s.Get(ctx, "p1-t0")
	require.NoError(t, a.MarkReady())
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, 1, a.Version)

	require.NoError(t, b.Skip(""))
	err := s.Update(ctx, b)
	assert.True(t, errors.Is(err, ErrOptimisticLock))

	got, _ := s.Get(ctx, "p1-t0")
	assert.Equal(t, StatusReady, got.Status)
}

func TestMemStore_BatchCreateRejectsDuplicateNode(t *testing.T) {
	s := NewMemStore()
	seed(t, s, "p1", StatusPending)
	err := s.BatchCreate(context.Background(), []*Task{{PlanID: "p1", NodeID: "n0"}})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemStore_ConcurrentClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusReady)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.ClaimReadyLike(ctx, fmt.Sprintf("w%d", i), 10, time.Minute)
			if err == nil && len(got) == 1 {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	cur, _ := s.Get(ctx, "p1-t0")
	assert.Equal(t, StatusRunning, cur.Status)
	assert.Equal(t, 1, cur.ExecutionAttempt)
}

func TestMemStore_ClaimRespectsStatusAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusReady, StatusReady, StatusRefining, StatusPending)

	ready, err := s.ClaimReadyLike(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "p1-t0", ready[0].ID)

	refining, err := s.ClaimRefining(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, refining, 1)
	assert.Equal(t, "p1-t2", refining[0].ID)

	none, err := s.ClaimRefining(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemStore_ClaimSkipsNonExecutablePlans(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "cancelled", StatusReady)
	seed(t, s, "paused", StatusRefining)
	seed(t, s, "running", StatusReady)
	executable := map[string]bool{"running": true}
	s.SetPlanFilter(func(planID string) bool { return executable[planID] })

	got, err := s.ClaimReadyLike(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "running", got[0].PlanID)

	got, err = s.ClaimRefining(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)

	// 恢复后可以认领，且此前从未被认领
	executable["paused"] = true
	got, err = s.ClaimRefining(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ExecutionAttempt)
}

func TestMemStore_RenewAndUpdateClaimedGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusReady)
	claimed, err := s.ClaimReadyLike(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	tk := claimed[0]

	ok, err := s.RenewLease(ctx, tk.ID, "w1", tk.ExecutionAttempt, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.RenewLease(ctx, tk.ID, "intruder", tk.ExecutionAttempt, time.Minute)
	assert.False(t, ok)

	// 并发的人工操作抢先修改了任务
	other, _ := s.Get(ctx, tk.ID)
	other.RollbackToDispatchQueue()
	require.NoError(t, s.Update(ctx, other))

	require.NoError(t, tk.Complete("done"))
	ok, err = s.UpdateClaimed(ctx, tk, "w1", tk.ExecutionAttempt)
	require.NoError(t, err)
	assert.False(t, ok, "guard should reject write after the claim was released")

	cur, _ := s.Get(ctx, tk.ID)
	assert.Equal(t, StatusReady, cur.Status)
}

func TestMemStore_UpdateClaimedReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusReady)
	claimed, _ := s.ClaimReadyLike(ctx, "w1", 1, time.Minute)
	tk := claimed[0]
	owner, attempt := tk.ClaimOwner, tk.ExecutionAttempt

	require.NoError(t, tk.Complete("done"))
	ok, err := s.UpdateClaimed(ctx, tk, owner, attempt)
	require.NoError(t, err)
	require.True(t, ok)

	cur, _ := s.Get(ctx, tk.ID)
	assert.Equal(t, StatusCompleted, cur.Status)
	assert.Equal(t, "done", cur.Output)
	assert.Empty(t, cur.ClaimOwner)
	assert.True(t, cur.LeaseUntil.IsZero())
	assert.Equal(t, cur.Version, tk.Version)
}

func TestMemStore_ExpiredRunningAndSummary(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusReady, StatusCompleted, StatusFailed)
	seed(t, s, "p2", StatusPending)
	_, err := s.ClaimReadyLike(ctx, "w1", 1, time.Second)
	require.NoError(t, err)

	n, err := s.CountExpiredRunning(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, _ = s.CountExpiredRunning(ctx, time.Now().Add(2*time.Second))
	assert.Equal(t, 1, n)

	sum, err := s.SummarizeByPlanIDs(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, RunningLike: 1, Completed: 1, Failed: 1, Terminal: 2}, sum["p1"])
	assert.Equal(t, 1, sum["p2"].Pending)
	_, ok := sum["p3"]
	assert.False(t, ok)
}

func TestMemStore_ListByStatusPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "p1", StatusPending, StatusPending, StatusPending)
	page, _ := s.ListByStatus(ctx, StatusPending, "", 2)
	require.Len(t, page, 2)
	rest, _ := s.ListByStatus(ctx, StatusPending, page[1].ID, 2)
	require.Len(t, rest, 1)
	assert.Equal(t, "p1-t2", rest[0].ID)
}

func TestMemExecutionStore_AttemptsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := NewMemExecutionStore()
	require.NoError(t, s.Save(ctx, &Execution{TaskID: "t1", Attempt: 1, ErrorType: ErrorTypeTimeout}))
	require.NoError(t, s.Save(ctx, &Execution{TaskID: "t1", Attempt: 2, Valid: true}))
	assert.ErrorIs(t, s.Save(ctx, &Execution{TaskID: "t1", Attempt: 2}), ErrAttemptConflict)

	max, _ := s.MaxAttempt(ctx, "t1")
	assert.Equal(t, 2, max)
	list, _ := s.ListByTask(ctx, "t1")
	require.Len(t, list, 2)
	assert.Equal(t, ErrorTypeTimeout, list[0].ErrorType)
	assert.Empty(t, list[1].ErrorType)
}
