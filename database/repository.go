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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/spool/internal/lock"
	"github.com/blnkfinance/spool/model"
)

// ErrStaleWrite is returned when a version-checked write finds the record was
// changed by another invocation since it was read.
var ErrStaleWrite = errors.New("workflow item was modified by another invocation")

// UndecodableRowsError is returned together with the rows that did decode when
// some stored items could not be turned back into a WorkflowItem.
type UndecodableRowsError struct {
	IDs []string
}

func (e *UndecodableRowsError) Error() string {
	return fmt.Sprintf("skipped %d undecodable workflow items: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	workflow // Interface for workflow item operations
	cronLock // Interface for cron lock persistence
	Close() error
}

// workflow defines methods for handling workflow items and their rotation queue.
type workflow interface {
	EnqueueWorkflowItem(ctx context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error)                                         // Inserts a queued item at the back of its collection
	DequeueWorkflowItem(ctx context.Context, collection string, now time.Time) (*model.WorkflowItem, error)                                  // Flips the lowest queued position to processing, nil when empty
	GetWorkflowItem(ctx context.Context, id string) (*model.WorkflowItem, error)                                                             // Retrieves an item by ID
	GetWorkflowItemByJobID(ctx context.Context, collection string, stage model.Stage, jobID string) (*model.WorkflowItem, error)             // Retrieves the item waiting on an external job
	UpdateWorkflowItem(ctx context.Context, item *model.WorkflowItem) error                                                                  // Version-checked write of progress and counters
	RequeueWorkflowItem(ctx context.Context, item *model.WorkflowItem) error                                                                 // Version-checked write that moves the item to the back of the queue
	ResetCompletedCycle(ctx context.Context, collection string, now time.Time) (int, error)                                                 // Starts a new rotation for completed items
	GetStuckWorkflowItems(ctx context.Context, collection string, stages []model.Stage, olderThan time.Time, limit int) ([]*model.WorkflowItem, error) // Processing items not updated since olderThan
	ListWorkflowItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkflowItem, error)                                          // Lists items matching a filter
	GetQueueStats(ctx context.Context, collection string) (*model.QueueStats, error)                                                        // Counts items per queue status
	DeleteWorkflowItems(ctx context.Context, collection string, ids []string) (int, error)                                                 // Deletes items that are neither processing nor failed
}

// cronLock exposes the lock store backed by the same database.
type cronLock interface {
	LockStore() lock.Store
}
