/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/spool/config"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockEnqueuer) Close() error {
	return m.Called().Error(0)
}

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	args := m.Called(queue)
	info, _ := args.Get(0).(*asynq.QueueInfo)
	return info, args.Error(1)
}

func (m *mockInspector) Close() error {
	return m.Called().Error(0)
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error) {
	args := m.Called(cronspec, task.Type(), string(task.Payload()))
	return args.String(0), args.Error(1)
}

func newMockQueue(cnf *config.Configuration) (*Queue, *mockEnqueuer, *mockInspector) {
	enq := &mockEnqueuer{}
	ins := &mockInspector{}
	return &Queue{client: enq, inspector: ins, cnf: cnf}, enq, ins
}

func TestQueue_EnqueueDispatch(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{Brands: []config.BrandConfig{{Name: "listings"}}})
	q, enq, _ := newMockQueue(cnf)

	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p dispatchPayload
		return task.Type() == TypeDispatch && json.Unmarshal(task.Payload(), &p) == nil && p.Collection == testCollection
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "task_1", Queue: cnf.Queue.DispatchQueue}, nil).Once()

	info, err := q.EnqueueDispatch(context.Background(), testCollection)
	require.NoError(t, err)
	assert.Equal(t, "task_1", info.ID)
	enq.AssertExpectations(t)
}

func TestQueue_ReconcileTimeoutCoversEveryBrand(t *testing.T) {
	brands := make([]config.BrandConfig, 0, 8)
	for i := 0; i < 8; i++ {
		brands = append(brands, config.BrandConfig{Name: fmt.Sprintf("brand_%d", i)})
	}
	cnf := config.MockConfig(&config.Configuration{Brands: brands})
	q, _, _ := newMockQueue(cnf)

	var timeout interface{}
	for _, opt := range q.reconcileOptions() {
		if opt.Type() == asynq.TimeoutOpt {
			timeout = opt.Value()
		}
	}
	assert.Equal(t, 8*cnf.BrandTimeout(), timeout)
	assert.Greater(t, cnf.ReconcileTimeout(), cnf.LockTTL())
}

func TestQueue_EnqueueDispatchError(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, _ := newMockQueue(cnf)
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("redis down")).Once()

	_, err := q.EnqueueDispatch(context.Background(), "default_workflow_queue")
	assert.ErrorContains(t, err, "redis down")
}

func TestQueue_EnqueueReconcile(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, _ := newMockQueue(cnf)

	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p reconcilePayload
		return task.Type() == TypeReconcile && json.Unmarshal(task.Payload(), &p) == nil && p.ThresholdSeconds == 600
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "task_2"}, nil).Once()

	_, err := q.EnqueueReconcile(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	enq.AssertExpectations(t)
}

func TestQueue_Depth(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, _, ins := newMockQueue(cnf)

	ins.On("GetQueueInfo", cnf.Queue.DispatchQueue).Return(&asynq.QueueInfo{Pending: 2, Scheduled: 1}, nil)
	ins.On("GetQueueInfo", cnf.Queue.ReconcileQueue).Return(nil, errors.New("queue not found"))
	ins.On("GetQueueInfo", cnf.Queue.WebhookQueue).Return(&asynq.QueueInfo{Retry: 4}, nil)

	depth := q.Depth()
	assert.Equal(t, 3, depth[cnf.Queue.DispatchQueue])
	assert.Equal(t, 0, depth[cnf.Queue.ReconcileQueue])
	assert.Equal(t, 4, depth[cnf.Queue.WebhookQueue])
}

func TestQueue_Close(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, ins := newMockQueue(cnf)
	enq.On("Close").Return(nil).Once()
	ins.On("Close").Return(errors.New("already closed")).Once()

	assert.EqualError(t, q.Close(), "already closed")
}

func TestRegisterSchedules(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{
		Brands: []config.BrandConfig{
			{Name: "listings", DispatchSchedule: "0 9 * * *"},
			{Name: "tips"},
		},
	})
	reg := &mockRegistrar{}
	reg.On("Register", "0 9 * * *", TypeDispatch, `{"collection":"listings_workflow_queue"}`).Return("e1", nil).Once()
	reg.On("Register", "0 */4 * * *", TypeDispatch, `{"collection":"tips_workflow_queue"}`).Return("e2", nil).Once()
	reg.On("Register", "*/10 * * * *", TypeReconcile, `{}`).Return("e3", nil).Once()

	require.NoError(t, RegisterSchedules(reg, cnf))
	reg.AssertExpectations(t)
}

func TestRegisterSchedules_InvalidSpec(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	reg := &mockRegistrar{}
	reg.On("Register", mock.Anything, TypeDispatch, mock.Anything).Return("", errors.New("bad cronspec")).Once()

	assert.ErrorContains(t, RegisterSchedules(reg, cnf), "default_workflow_queue")
}

func TestProcessDispatchTask(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, 1)
	env.gateway.On("StartAssetGeneration", mock.Anything, mock.Anything).Return("vid_1", nil).Once()

	task, err := NewDispatchTask(testCollection)
	require.NoError(t, err)
	require.NoError(t, env.spool.ProcessDispatchTask(context.Background(), task))
	env.gateway.AssertExpectations(t)
}

func TestProcessTasks_BadPayloadSkipsRetry(t *testing.T) {
	env := newTestEnv(t)
	task := asynq.NewTask(TypeDispatch, []byte("{"))

	err := env.spool.ProcessDispatchTask(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = env.spool.ProcessReconcileTask(context.Background(), asynq.NewTask(TypeReconcile, []byte("nope")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessReconcileTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := NewReconcileTask(0)
	require.NoError(t, err)
	assert.NoError(t, env.spool.ProcessReconcileTask(context.Background(), task))
}

func TestQueue_EnqueueWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	cnf := config.MockConfig(&config.Configuration{})
	q := NewQueue(cnf, &redis.Options{Addr: mr.Addr()})
	defer q.Close()

	_, err = q.EnqueueDispatch(context.Background(), "default_workflow_queue")
	assert.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())
}
