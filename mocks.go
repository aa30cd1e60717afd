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
	"sync"
	"time"

	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of gateway.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) StartAssetGeneration(ctx context.Context, req gateway.AssetRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) PollAssetStatus(ctx context.Context, jobID string) (gateway.JobStatus, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(gateway.JobStatus), args.Error(1)
}

func (m *MockGateway) StartExport(ctx context.Context, req gateway.ExportRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) PollExportStatus(ctx context.Context, exportJobID string) (gateway.JobStatus, error) {
	args := m.Called(ctx, exportJobID)
	return args.Get(0).(gateway.JobStatus), args.Error(1)
}

func (m *MockGateway) RetriggerExport(ctx context.Context, exportJobID string) error {
	args := m.Called(ctx, exportJobID)
	return args.Error(0)
}

func (m *MockGateway) DispatchPost(ctx context.Context, req gateway.PostRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// MockClock is a manually advanced clock for WithClock.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
