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
	"errors"
	"fmt"

	"github.com/blnkfinance/spool/database"
	"github.com/blnkfinance/spool/internal/apierror"
	"github.com/blnkfinance/spool/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func itemLog(item *model.WorkflowItem) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"item_id":    item.ID,
		"collection": item.Collection,
		"stage":      item.Stage(),
	})
}

func validateEnqueue(collection, contentRef string) error {
	err := validation.Errors{
		"collection":  validation.Validate(collection, validation.Required),
		"content_ref": validation.Validate(contentRef, validation.Required, validation.Length(1, 255)),
	}.Filter()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	return nil
}

// Enqueue adds contentRef to the back of the collection's rotation. Content
// that is already queued or processing is rejected with a CONFLICT error.
func (s *Spool) Enqueue(ctx context.Context, collection, contentRef string, meta map[string]interface{}) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	if err := validateEnqueue(collection, contentRef); err != nil {
		return nil, err
	}
	brand, err := s.brand(collection)
	if err != nil {
		return nil, err
	}

	item := &model.WorkflowItem{
		ID:           model.GenerateUUIDWithSuffix("wfi"),
		Collection:   brand.Collection,
		ContentRef:   contentRef,
		QueueAddedAt: s.now().UTC(),
		MetaData:     meta,
	}
	item, err = s.datasource.EnqueueWorkflowItem(ctx, item)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("item.id", item.ID), attribute.Int64("item.position", item.QueuePosition))
	itemLog(item).WithField("position", item.QueuePosition).Info("item enqueued")
	return item, nil
}

// DequeueNext hands out the queued item with the lowest position and marks it
// processing. It returns nil when nothing is queued.
func (s *Spool) DequeueNext(ctx context.Context, collection string) (*model.WorkflowItem, error) {
	ctx, span := tracer.Start(ctx, "DequeueNext")
	defer span.End()

	item, err := s.datasource.DequeueWorkflowItem(ctx, collection, s.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	span.SetAttributes(attribute.String("item.id", item.ID))
	itemLog(item).WithField("position", item.QueuePosition).Info("item dequeued")
	return item, nil
}

// CompleteCycle marks the item as done for this rotation.
func (s *Spool) CompleteCycle(ctx context.Context, itemID string) error {
	item, err := s.datasource.GetWorkflowItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.completeCycle(ctx, item, "")
}

// RequeueAfterTransientFailure sends the item to the back of the queue with a
// fresh pipeline pass.
func (s *Spool) RequeueAfterTransientFailure(ctx context.Context, itemID string, cause error) error {
	item, err := s.datasource.GetWorkflowItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.requeue(ctx, item, cause)
}

// FailPermanently removes the item from rotation without a success.
func (s *Spool) FailPermanently(ctx context.Context, itemID string, cause error) error {
	item, err := s.datasource.GetWorkflowItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.failPermanently(ctx, item, cause)
}

func (s *Spool) completeCycle(ctx context.Context, item *model.WorkflowItem, postResultID string) error {
	now := s.now().UTC()
	c := item.Correlation()
	item.Progress = model.Completed{
		AssetJobID:      c.AssetJobID,
		AssetResultURL:  c.AssetResultURL,
		ExportJobID:     c.ExportJobID,
		ExportResultURL: c.ExportResultURL,
		FinalAssetURL:   c.FinalAssetURL,
		PostResultID:    postResultID,
	}
	item.QueueStatus = model.QueueStatusCompletedCycle
	item.TotalCyclesCompleted++
	item.CompletedAt = &now
	item.UpdatedAt = now

	if err := s.datasource.UpdateWorkflowItem(ctx, item); err != nil {
		return err
	}
	itemLog(item).WithField("post_result_id", postResultID).Info("cycle completed")
	s.emit(ctx, EventCompleted, item)
	return nil
}

func (s *Spool) requeue(ctx context.Context, item *model.WorkflowItem, cause error) error {
	now := s.now().UTC()
	item.QueueStatus = model.QueueStatusQueued
	item.Progress = model.Pending{}
	item.RetryCount++
	item.LastError = errorText(cause)
	item.LastRetryAt = &now
	item.UpdatedAt = now

	if err := s.datasource.RequeueWorkflowItem(ctx, item); err != nil {
		return err
	}
	itemLog(item).WithFields(logrus.Fields{
		"retry_count": item.RetryCount,
		"position":    item.QueuePosition,
	}).WithError(cause).Warn("item requeued after transient failure")
	s.emit(ctx, EventRequeued, item)
	return nil
}

func (s *Spool) failPermanently(ctx context.Context, item *model.WorkflowItem, cause error) error {
	now := s.now().UTC()
	item.QueueStatus = model.QueueStatusCompletedCycle
	item.Progress = model.FailedFrom(item.Progress)
	item.LastError = errorText(cause)
	item.FailedAt = &now
	item.UpdatedAt = now

	if err := s.datasource.UpdateWorkflowItem(ctx, item); err != nil {
		return err
	}
	s.notifier.NotifyError(fmt.Errorf("workflow item failed permanently: %w", cause), logrus.Fields{
		"item_id":     item.ID,
		"collection":  item.Collection,
		"content_ref": item.ContentRef,
		"retry_count": item.RetryCount,
	})
	s.emit(ctx, EventFailed, item)
	return nil
}

// handleFailure applies the failure policy: invalid content fails at once,
// anything else is requeued until the retry ceiling is reached.
func (s *Spool) handleFailure(ctx context.Context, item *model.WorkflowItem, cause error) (Outcome, error) {
	if classifyFailure(cause) == failurePermanent || item.RetryCount >= s.cnf.Rotation.MaxRetries {
		if err := s.failPermanently(ctx, item, cause); err != nil {
			return OutcomeSkipped, skipStale(item, err)
		}
		return OutcomeFailed, nil
	}
	if err := s.requeue(ctx, item, cause); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}
	return OutcomeRequeued, nil
}

// ResetCycle starts a new rotation: every item that completed its cycle is
// queued again at the back. Failed items stay out until retried.
func (s *Spool) ResetCycle(ctx context.Context, collection string) (int, error) {
	ctx, span := tracer.Start(ctx, "ResetCycle", trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	brand, err := s.brand(collection)
	if err != nil {
		return 0, err
	}
	collection = brand.Collection

	n, err := s.datasource.ResetCompletedCycle(ctx, collection, s.now().UTC())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"collection": collection, "count": n}).Info("rotation cycle reset")
	if n > 0 {
		s.emitEvent(ctx, EventCycleReset, map[string]interface{}{"collection": collection, "count": n})
	}
	return n, nil
}

// Stats counts the collection's items per queue status.
func (s *Spool) Stats(ctx context.Context, collection string) (*model.QueueStats, error) {
	brand, err := s.brand(collection)
	if err != nil {
		return nil, err
	}
	return s.datasource.GetQueueStats(ctx, brand.Collection)
}

func (s *Spool) GetItem(ctx context.Context, id string) (*model.WorkflowItem, error) {
	return s.datasource.GetWorkflowItem(ctx, id)
}

func (s *Spool) ListItems(ctx context.Context, filter model.ItemFilter) ([]*model.WorkflowItem, error) {
	if filter.Stage != "" && !filter.Stage.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown stage %q", filter.Stage), nil)
	}
	return s.datasource.ListWorkflowItems(ctx, filter)
}

// RetryFailed puts a permanently failed item back at the end of the queue with
// its retry budget restored.
func (s *Spool) RetryFailed(ctx context.Context, id string) (*model.WorkflowItem, error) {
	item, err := s.datasource.GetWorkflowItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Stage() != model.StageFailed {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("workflow item %s is %s, only failed items can be retried", id, item.Stage()), nil)
	}

	now := s.now().UTC()
	item.QueueStatus = model.QueueStatusQueued
	item.Progress = model.Pending{}
	item.RetryCount = 0
	item.CurrentCycleAttempt = 0
	item.LastError = ""
	item.FailedAt = nil
	item.UpdatedAt = now
	if err := s.datasource.RequeueWorkflowItem(ctx, item); err != nil {
		return nil, err
	}
	itemLog(item).WithField("position", item.QueuePosition).Info("failed item requeued by operator")
	return item, nil
}

// SyncWithActiveContent enqueues active content that has no item yet and
// deletes items whose content is no longer active. Processing and failed items
// are kept.
func (s *Spool) SyncWithActiveContent(ctx context.Context, collection string, active []model.ActiveContent) (*model.SyncResult, error) {
	ctx, span := tracer.Start(ctx, "SyncWithActiveContent")
	defer span.End()

	brand, err := s.brand(collection)
	if err != nil {
		return nil, err
	}
	collection = brand.Collection
	items, err := s.datasource.ListWorkflowItems(ctx, model.ItemFilter{Collection: collection})
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(items))
	for _, item := range items {
		known[item.ContentRef] = true
	}
	wanted := make(map[string]bool, len(active))
	result := &model.SyncResult{}

	for _, c := range active {
		if c.ContentRef == "" || wanted[c.ContentRef] {
			continue
		}
		wanted[c.ContentRef] = true
		if known[c.ContentRef] {
			continue
		}
		_, err := s.Enqueue(ctx, collection, c.ContentRef, c.MetaData)
		if err != nil {
			if apierror.HasCode(err, apierror.ErrConflict) {
				continue
			}
			return result, err
		}
		result.Added++
	}

	var stale []string
	for _, item := range items {
		if wanted[item.ContentRef] || item.QueueStatus == model.QueueStatusProcessing || item.Stage() == model.StageFailed {
			continue
		}
		stale = append(stale, item.ID)
	}
	removed, err := s.datasource.DeleteWorkflowItems(ctx, collection, stale)
	if err != nil {
		return result, err
	}
	result.Removed = removed

	logrus.WithFields(logrus.Fields{
		"collection": collection,
		"added":      result.Added,
		"removed":    result.Removed,
	}).Info("rotation synced with active content")
	return result, nil
}

// skipStale turns a lost optimistic write into a no-op: another invocation
// already moved the item.
func skipStale(item *model.WorkflowItem, err error) error {
	if errors.Is(err, database.ErrStaleWrite) {
		itemLog(item).Info("item changed by another invocation, skipping")
		return nil
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
