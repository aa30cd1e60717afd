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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/spool/internal/apierror"
	"github.com/blnkfinance/spool/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const (
	positionIndex      = "workflow_items_position_key"
	activeContentIndex = "workflow_items_active_content_key"

	workflowColumns = `id, collection, content_ref, queue_status, queue_position, queue_added_at,
		total_cycles_completed, current_cycle_attempt, stage, asset_job_id, asset_result_url,
		export_job_id, export_result_url, final_asset_url, post_result_id, retry_count, last_error,
		last_retry_at, failed_at, meta_data, created_at, updated_at, completed_at, version`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanWorkflowItem reads one row selected with workflowColumns. Scan errors are
// returned as is so callers can detect sql.ErrNoRows.
func scanWorkflowItem(row rowScanner) (*model.WorkflowItem, error) {
	var (
		item         model.WorkflowItem
		c            model.Correlation
		status       string
		stage        string
		lastRetryAt  sql.NullTime
		failedAt     sql.NullTime
		completedAt  sql.NullTime
		metaDataJSON []byte
	)

	err := row.Scan(
		&item.ID, &item.Collection, &item.ContentRef, &status, &item.QueuePosition, &item.QueueAddedAt,
		&item.TotalCyclesCompleted, &item.CurrentCycleAttempt, &stage, &c.AssetJobID, &c.AssetResultURL,
		&c.ExportJobID, &c.ExportResultURL, &c.FinalAssetURL, &c.PostResultID, &item.RetryCount, &item.LastError,
		&lastRetryAt, &failedAt, &metaDataJSON, &item.CreatedAt, &item.UpdatedAt, &completedAt, &item.Version,
	)
	if err != nil {
		return nil, err
	}

	item.QueueStatus = model.QueueStatus(status)
	c.Stage = model.Stage(stage)
	item.Progress, err = c.Progress()
	if err != nil {
		return nil, &decodeError{id: item.ID, err: err}
	}

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &item.MetaData); err != nil {
			return nil, &decodeError{id: item.ID, err: fmt.Errorf("failed to unmarshal metadata: %w", err)}
		}
	}

	if lastRetryAt.Valid {
		item.LastRetryAt = &lastRetryAt.Time
	}
	if failedAt.Valid {
		item.FailedAt = &failedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return &item, nil
}

// decodeError is a row that scanned but holds inconsistent progress or
// metadata.
type decodeError struct {
	id  string
	err error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("workflow item %s: %v", e.id, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return pqErr.Constraint, true
	}
	return "", false
}

// withPositionRetry retries op while it collides on the queue position index.
// Two writers that read the same maximum position both compute max+1; the index
// rejects the second one, which recomputes on the next attempt.
func withPositionRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if constraint, ok := uniqueViolation(err); ok && constraint == positionIndex {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
}

func (d Datasource) EnqueueWorkflowItem(ctx context.Context, item *model.WorkflowItem) (*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Enqueue Workflow Item")
	defer span.End()

	metaDataJSON, err := json.Marshal(item.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	err = withPositionRetry(ctx, func() error {
		return d.Conn.QueryRowContext(ctx, `
			INSERT INTO spool.workflow_items (id, collection, content_ref, queue_status, queue_position,
				queue_added_at, stage, meta_data, created_at, updated_at)
			SELECT $1::text, $2::text, $3::text, 'queued', COALESCE(MAX(queue_position), 0) + 1,
				$4::timestamptz, 'pending', $5::jsonb, $4::timestamptz, $4::timestamptz
			FROM spool.workflow_items
			WHERE collection = $2 AND queue_status = 'queued'
			RETURNING queue_position, version
		`, item.ID, item.Collection, item.ContentRef, item.QueueAddedAt, metaDataJSON).Scan(&item.QueuePosition, &item.Version)
	})
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == activeContentIndex {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("content %s is already queued", item.ContentRef), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue workflow item", err)
	}

	item.QueueStatus = model.QueueStatusQueued
	item.Progress = model.Pending{}
	item.CreatedAt = item.QueueAddedAt
	item.UpdatedAt = item.QueueAddedAt
	return item, nil
}

func (d Datasource) DequeueWorkflowItem(ctx context.Context, collection string, now time.Time) (*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Dequeue Workflow Item")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE spool.workflow_items
		SET queue_status = 'processing',
			current_cycle_attempt = current_cycle_attempt + 1,
			updated_at = $2,
			version = version + 1
		WHERE id = (
			SELECT id FROM spool.workflow_items
			WHERE collection = $1 AND queue_status = 'queued'
			ORDER BY queue_position ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+workflowColumns, collection, now)

	item, err := scanWorkflowItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to dequeue workflow item", err)
	}
	return item, nil
}

func (d Datasource) GetWorkflowItem(ctx context.Context, id string) (*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Get Workflow Item")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM spool.workflow_items WHERE id = $1`, id)
	item, err := scanWorkflowItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("workflow item with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow item", err)
	}
	return item, nil
}

func (d Datasource) GetWorkflowItemByJobID(ctx context.Context, collection string, stage model.Stage, jobID string) (*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Get Workflow Item By Job ID")
	defer span.End()

	column := "asset_job_id"
	if stage == model.StageExportingAsset {
		column = "export_job_id"
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM spool.workflow_items
		WHERE collection = $1 AND stage = $2 AND `+column+` = $3
		ORDER BY updated_at DESC
		LIMIT 1
	`, collection, string(stage), jobID)

	item, err := scanWorkflowItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no %s item waiting on job '%s'", stage, jobID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow item", err)
	}
	return item, nil
}

// progressArgs returns the mutable columns shared by update and requeue, in
// the order $3..$18.
func progressArgs(item *model.WorkflowItem) ([]interface{}, error) {
	metaDataJSON, err := json.Marshal(item.MetaData)
	if err != nil {
		return nil, err
	}
	c := item.Correlation()
	return []interface{}{
		string(item.QueueStatus), item.TotalCyclesCompleted, item.CurrentCycleAttempt, string(c.Stage),
		c.AssetJobID, c.AssetResultURL, c.ExportJobID, c.ExportResultURL, c.FinalAssetURL, c.PostResultID,
		item.RetryCount, item.LastError, item.LastRetryAt, item.FailedAt, metaDataJSON, item.CompletedAt,
	}, nil
}

const progressAssignments = `
	queue_status = $3, total_cycles_completed = $4, current_cycle_attempt = $5, stage = $6,
	asset_job_id = $7, asset_result_url = $8, export_job_id = $9, export_result_url = $10,
	final_asset_url = $11, post_result_id = $12, retry_count = $13, last_error = $14,
	last_retry_at = $15, failed_at = $16, meta_data = $17, completed_at = $18,
	updated_at = $19, version = version + 1`

// UpdateWorkflowItem writes item back if nobody changed it since it was read.
// The queue position is left untouched.
func (d Datasource) UpdateWorkflowItem(ctx context.Context, item *model.WorkflowItem) error {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Update Workflow Item")
	defer span.End()

	args, err := progressArgs(item)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	args = append([]interface{}{item.ID, item.Version}, args...)
	args = append(args, item.UpdatedAt)

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE spool.workflow_items SET `+progressAssignments+`
		WHERE id = $1 AND version = $2
	`, args...)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == activeContentIndex {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("content %s is already queued", item.ContentRef), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update workflow item", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return ErrStaleWrite
	}

	item.Version++
	return nil
}

// RequeueWorkflowItem writes item with queue_status=queued and a position one
// greater than every item currently queued in its collection.
func (d Datasource) RequeueWorkflowItem(ctx context.Context, item *model.WorkflowItem) error {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Requeue Workflow Item")
	defer span.End()

	item.QueueStatus = model.QueueStatusQueued
	args, err := progressArgs(item)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	args = append([]interface{}{item.ID, item.Version}, args...)
	args = append(args, item.UpdatedAt, item.Collection)

	var position int64
	err = withPositionRetry(ctx, func() error {
		return d.Conn.QueryRowContext(ctx, `
			UPDATE spool.workflow_items SET `+progressAssignments+`,
				queue_added_at = $19,
				queue_position = (
					SELECT COALESCE(MAX(queue_position), 0) + 1
					FROM spool.workflow_items
					WHERE collection = $20 AND queue_status = 'queued'
				)
			WHERE id = $1 AND version = $2
			RETURNING queue_position
		`, args...).Scan(&position)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrStaleWrite
		}
		if constraint, ok := uniqueViolation(err); ok && constraint == activeContentIndex {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("content %s is already queued", item.ContentRef), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to requeue workflow item", err)
	}

	item.QueuePosition = position
	item.QueueAddedAt = item.UpdatedAt
	item.Version++
	return nil
}

// ResetCompletedCycle moves every successfully completed item back into the
// queue. Positions continue after the current maximum, ordered by each item's
// previous position, creation time and ID. Failed items are not included.
func (d Datasource) ResetCompletedCycle(ctx context.Context, collection string, now time.Time) (int, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Reset Completed Cycle")
	defer span.End()

	var count int64
	err := withPositionRetry(ctx, func() error {
		result, err := d.Conn.ExecContext(ctx, `
			WITH base AS (
				SELECT COALESCE(MAX(queue_position), 0) AS max_position
				FROM spool.workflow_items
				WHERE collection = $1 AND queue_status = 'queued'
			), ranked AS (
				SELECT id, ROW_NUMBER() OVER (ORDER BY queue_position, created_at, id) AS rn
				FROM spool.workflow_items
				WHERE collection = $1 AND queue_status = 'completed_cycle' AND stage <> 'failed'
			)
			UPDATE spool.workflow_items w
			SET queue_status = 'queued',
				queue_position = base.max_position + ranked.rn,
				queue_added_at = $2,
				current_cycle_attempt = 0,
				retry_count = 0,
				stage = 'pending',
				asset_job_id = '', asset_result_url = '', export_job_id = '',
				export_result_url = '', final_asset_url = '', post_result_id = '',
				last_error = '',
				updated_at = $2,
				version = w.version + 1
			FROM ranked, base
			WHERE w.id = ranked.id
		`, collection, now)
		if err != nil {
			return err
		}
		count, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset queue cycle", err)
	}
	return int(count), nil
}

func (d Datasource) GetStuckWorkflowItems(ctx context.Context, collection string, stages []model.Stage, olderThan time.Time, limit int) ([]*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Get Stuck Workflow Items")
	defer span.End()

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM spool.workflow_items
		WHERE collection = $1
			AND queue_status = 'processing'
			AND stage = ANY($2)
			AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, collection, pq.Array(names), olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck workflow items", err)
	}
	items, skipped, err := collectWorkflowItems(rows)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		return items, &UndecodableRowsError{IDs: skipped}
	}
	return items, nil
}

func (d Datasource) ListWorkflowItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkflowItem, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "List Workflow Items")
	defer span.End()

	var (
		conditions []string
		args       []interface{}
	)
	add := func(condition string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.Collection != "" {
		add("collection = $%d", filter.Collection)
	}
	if filter.QueueStatus != "" {
		add("queue_status = $%d", string(filter.QueueStatus))
	}
	if filter.Stage != "" {
		add("stage = $%d", string(filter.Stage))
	}

	query := `SELECT ` + workflowColumns + ` FROM spool.workflow_items`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY queue_status, queue_position, created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list workflow items", err)
	}
	items, _, err := collectWorkflowItems(rows)
	return items, err
}

// collectWorkflowItems scans every row. Rows that scan but cannot be decoded
// are logged and skipped; their ids are returned so callers can report them.
func collectWorkflowItems(rows *sql.Rows) ([]*model.WorkflowItem, []string, error) {
	defer rows.Close()

	items := []*model.WorkflowItem{}
	var skipped []string
	for rows.Next() {
		item, err := scanWorkflowItem(rows)
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			logrus.WithField("workflow_item", decodeErr.id).WithError(decodeErr.err).Warn("skipping workflow item that could not be decoded")
			skipped = append(skipped, decodeErr.id)
			continue
		}
		if err != nil {
			return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan workflow item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over workflow items", err)
	}
	return items, skipped, nil
}

func (d Datasource) GetQueueStats(ctx context.Context, collection string) (*model.QueueStats, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Get Queue Stats")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT queue_status, stage, COUNT(*)
		FROM spool.workflow_items
		WHERE collection = $1
		GROUP BY queue_status, stage
	`, collection)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count workflow items", err)
	}
	defer rows.Close()

	stats := &model.QueueStats{Collection: collection}
	for rows.Next() {
		var (
			status, stage string
			count         int
		)
		if err := rows.Scan(&status, &stage, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan queue stats", err)
		}
		stats.Add(model.QueueStatus(status), model.Stage(stage), count)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over queue stats", err)
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM spool.workflow_items
		WHERE collection = $1 AND queue_status = 'queued'
		ORDER BY queue_position ASC
		LIMIT 1
	`, collection)
	next, err := scanWorkflowItem(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve next queued item", err)
	}
	stats.NextItem = next
	return stats, nil
}

func (d Datasource) DeleteWorkflowItems(ctx context.Context, collection string, ids []string) (int, error) {
	ctx, span := otel.Tracer("workflow.database").Start(ctx, "Delete Workflow Items")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM spool.workflow_items
		WHERE collection = $1 AND id = ANY($2) AND queue_status <> 'processing' AND stage <> 'failed'
	`, collection, pq.Array(ids))
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete workflow items", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return int(rowsAffected), nil
}
