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

package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/spool/internal/apierror"
	"github.com/blnkfinance/spool/internal/lock"
	"github.com/blnkfinance/spool/model"
)

// MemoryDatasource is an in-process IDataSource selected with the memory://
// DSN. It applies the same rules as the Postgres datasource under a single
// mutex and is meant for local runs and tests.
type MemoryDatasource struct {
	mu    sync.Mutex
	items map[string]*model.WorkflowItem
	locks *MemoryLockStore
}

func NewMemoryDatasource() *MemoryDatasource {
	return &MemoryDatasource{
		items: make(map[string]*model.WorkflowItem),
		locks: NewMemoryLockStore(),
	}
}

func cloneItem(item *model.WorkflowItem) *model.WorkflowItem {
	c := *item
	if item.MetaData != nil {
		c.MetaData = make(map[string]interface{}, len(item.MetaData))
		for k, v := range item.MetaData {
			c.MetaData[k] = v
		}
	}
	c.LastRetryAt = cloneTime(item.LastRetryAt)
	c.FailedAt = cloneTime(item.FailedAt)
	c.CompletedAt = cloneTime(item.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// nextPosition must be called with mu held.
func (m *MemoryDatasource) nextPosition(collection string) int64 {
	var max int64
	for _, item := range m.items {
		if item.Collection == collection && item.QueueStatus == model.QueueStatusQueued && item.QueuePosition > max {
			max = item.QueuePosition
		}
	}
	return max + 1
}

// activeFor must be called with mu held.
func (m *MemoryDatasource) activeFor(collection, contentRef, exceptID string) bool {
	for _, item := range m.items {
		if item.ID == exceptID || item.Collection != collection || item.ContentRef != contentRef {
			continue
		}
		if item.QueueStatus == model.QueueStatusQueued || item.QueueStatus == model.QueueStatusProcessing {
			return true
		}
	}
	return false
}

func (m *MemoryDatasource) EnqueueWorkflowItem(_ context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeFor(item.Collection, item.ContentRef, "") {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("content %s is already queued", item.ContentRef), nil)
	}
	if _, exists := m.items[item.ID]; exists {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("workflow item %s already exists", item.ID), nil)
	}

	item.QueueStatus = model.QueueStatusQueued
	item.QueuePosition = m.nextPosition(item.Collection)
	item.Progress = model.Pending{}
	item.CreatedAt = item.QueueAddedAt
	item.UpdatedAt = item.QueueAddedAt
	item.Version = 1
	m.items[item.ID] = cloneItem(item)
	return item, nil
}

func (m *MemoryDatasource) DequeueWorkflowItem(_ context.Context, collection string, now time.Time) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *model.WorkflowItem
	for _, item := range m.items {
		if item.Collection != collection || item.QueueStatus != model.QueueStatusQueued {
			continue
		}
		if next == nil || item.QueuePosition < next.QueuePosition {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	next.QueueStatus = model.QueueStatusProcessing
	next.CurrentCycleAttempt++
	next.UpdatedAt = now
	next.Version++
	return cloneItem(next), nil
}

func (m *MemoryDatasource) GetWorkflowItem(_ context.Context, id string) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("workflow item with ID '%s' not found", id), nil)
	}
	return cloneItem(item), nil
}

func (m *MemoryDatasource) GetWorkflowItemByJobID(_ context.Context, collection string, stage model.Stage, jobID string) (*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *model.WorkflowItem
	for _, item := range m.items {
		if item.Collection != collection || item.Stage() != stage {
			continue
		}
		c := item.Correlation()
		id := c.AssetJobID
		if stage == model.StageExportingAsset {
			id = c.ExportJobID
		}
		if id == jobID && (found == nil || item.UpdatedAt.After(found.UpdatedAt)) {
			found = item
		}
	}
	if found == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no %s item waiting on job '%s'", stage, jobID), nil)
	}
	return cloneItem(found), nil
}

// checkWrite must be called with mu held.
func (m *MemoryDatasource) checkWrite(item *model.WorkflowItem) (*model.WorkflowItem, error) {
	stored, ok := m.items[item.ID]
	if !ok || stored.Version != item.Version {
		return nil, ErrStaleWrite
	}
	active := item.QueueStatus == model.QueueStatusQueued || item.QueueStatus == model.QueueStatusProcessing
	if active && m.activeFor(item.Collection, item.ContentRef, item.ID) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("content %s is already queued", item.ContentRef), nil)
	}
	return stored, nil
}

func (m *MemoryDatasource) UpdateWorkflowItem(_ context.Context, item *model.WorkflowItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.checkWrite(item)
	if err != nil {
		return err
	}

	item.Version++
	updated := cloneItem(item)
	updated.QueuePosition = stored.QueuePosition
	updated.QueueAddedAt = stored.QueueAddedAt
	m.items[item.ID] = updated
	return nil
}

func (m *MemoryDatasource) RequeueWorkflowItem(_ context.Context, item *model.WorkflowItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.QueueStatus = model.QueueStatusQueued
	if _, err := m.checkWrite(item); err != nil {
		return err
	}

	item.QueuePosition = m.nextPosition(item.Collection)
	item.QueueAddedAt = item.UpdatedAt
	item.Version++
	m.items[item.ID] = cloneItem(item)
	return nil
}

func (m *MemoryDatasource) ResetCompletedCycle(_ context.Context, collection string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []*model.WorkflowItem
	for _, item := range m.items {
		if item.Collection == collection && item.QueueStatus == model.QueueStatusCompletedCycle && item.Stage() != model.StageFailed {
			completed = append(completed, item)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		a, b := completed[i], completed[j]
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	base := m.nextPosition(collection) - 1
	for i, item := range completed {
		item.QueueStatus = model.QueueStatusQueued
		item.QueuePosition = base + int64(i) + 1
		item.QueueAddedAt = now
		item.CurrentCycleAttempt = 0
		item.RetryCount = 0
		item.Progress = model.Pending{}
		item.LastError = ""
		item.UpdatedAt = now
		item.Version++
	}
	return len(completed), nil
}

func (m *MemoryDatasource) GetStuckWorkflowItems(_ context.Context, collection string, stages []model.Stage, olderThan time.Time, limit int) ([]*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[model.Stage]bool, len(stages))
	for _, s := range stages {
		wanted[s] = true
	}

	items := []*model.WorkflowItem{}
	for _, item := range m.items {
		if item.Collection == collection && item.QueueStatus == model.QueueStatusProcessing &&
			wanted[item.Stage()] && item.UpdatedAt.Before(olderThan) {
			items = append(items, cloneItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryDatasource) ListWorkflowItems(_ context.Context, filter model.ItemFilter) ([]*model.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := []*model.WorkflowItem{}
	for _, item := range m.items {
		if filter.Collection != "" && item.Collection != filter.Collection {
			continue
		}
		if filter.QueueStatus != "" && item.QueueStatus != filter.QueueStatus {
			continue
		}
		if filter.Stage != "" && item.Stage() != filter.Stage {
			continue
		}
		items = append(items, cloneItem(item))
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.QueueStatus != b.QueueStatus {
			return a.QueueStatus < b.QueueStatus
		}
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []*model.WorkflowItem{}, nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (m *MemoryDatasource) GetQueueStats(_ context.Context, collection string) (*model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &model.QueueStats{Collection: collection}
	var next *model.WorkflowItem
	for _, item := range m.items {
		if item.Collection != collection {
			continue
		}
		stats.Add(item.QueueStatus, item.Stage(), 1)
		if item.QueueStatus == model.QueueStatusQueued && (next == nil || item.QueuePosition < next.QueuePosition) {
			next = item
		}
	}
	if next != nil {
		stats.NextItem = cloneItem(next)
	}
	return stats, nil
}

func (m *MemoryDatasource) DeleteWorkflowItems(_ context.Context, collection string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		item, ok := m.items[id]
		if !ok || item.Collection != collection {
			continue
		}
		if item.QueueStatus == model.QueueStatusProcessing || item.Stage() == model.StageFailed {
			continue
		}
		delete(m.items, id)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryDatasource) LockStore() lock.Store {
	return m.locks
}

func (m *MemoryDatasource) Close() error {
	return nil
}

// MemoryLockStore is the in-process lock.Store used with MemoryDatasource.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]model.CronLock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]model.CronLock)}
}

func (s *MemoryLockStore) Acquire(_ context.Context, name, token string, now time.Time, ttl time.Duration) (lock.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[name]
	if ok && !existing.Expired(now) {
		return lock.Held, nil
	}
	s.locks[name] = model.CronLock{LockName: name, OwnerToken: token, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if ok {
		return lock.Reclaimed, nil
	}
	return lock.Acquired, nil
}

func (s *MemoryLockStore) Release(_ context.Context, name, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[name]
	if !ok || existing.OwnerToken != token {
		return false, nil
	}
	delete(s.locks, name)
	return true, nil
}

func (s *MemoryLockStore) Extend(_ context.Context, name, token string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[name]
	if !ok || existing.OwnerToken != token || existing.Expired(now) {
		return false, nil
	}
	existing.ExpiresAt = now.Add(ttl)
	s.locks[name] = existing
	return true, nil
}

func (s *MemoryLockStore) Get(_ context.Context, name string) (*model.CronLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[name]
	if !ok {
		return nil, nil
	}
	return &existing, nil
}
