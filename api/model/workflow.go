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
package model

import (
	"errors"
	"time"

	"github.com/blnkfinance/spool/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxListLimit = 500

type EnqueueWorkflowItem struct {
	ContentRef string                 `json:"content_ref"`
	MetaData   map[string]interface{} `json:"meta_data"`
}

type SyncWorkflow struct {
	Active []model.ActiveContent `json:"active"`
}

type Reconcile struct {
	ThresholdSeconds int  `json:"threshold_seconds"`
	Async            bool `json:"async"`
}

type ListWorkflowItems struct {
	QueueStatus string `form:"queue_status"`
	Stage       string `form:"stage"`
	Limit       int    `form:"limit"`
	Offset      int    `form:"offset"`
}

func (e *EnqueueWorkflowItem) ValidateEnqueue() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ContentRef, validation.Required, validation.Length(1, 255)),
	)
}

func (s *SyncWorkflow) ValidateSync() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Active, validation.NotNil, validation.By(uniqueContentRefs)),
	)
}

func uniqueContentRefs(value interface{}) error {
	active, _ := value.([]model.ActiveContent)
	seen := make(map[string]bool, len(active))
	for _, a := range active {
		if a.ContentRef == "" {
			return errors.New("content_ref is required for every active entry")
		}
		if seen[a.ContentRef] {
			return errors.New("content_ref " + a.ContentRef + " is listed more than once")
		}
		seen[a.ContentRef] = true
	}
	return nil
}

func (r *Reconcile) ValidateReconcile() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ThresholdSeconds, validation.Min(0)),
	)
}

// Threshold returns the requested staleness threshold, zero meaning the configured one.
func (r *Reconcile) Threshold() time.Duration {
	return time.Duration(r.ThresholdSeconds) * time.Second
}

func (l *ListWorkflowItems) ValidateList() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.QueueStatus, validation.In(
			string(model.QueueStatusQueued),
			string(model.QueueStatusProcessing),
			string(model.QueueStatusCompletedCycle),
		)),
		validation.Field(&l.Stage, validation.In(
			string(model.StagePending),
			string(model.StageGeneratingAsset),
			string(model.StageExportingAsset),
			string(model.StagePosting),
			string(model.StageCompleted),
			string(model.StageFailed),
		)),
		validation.Field(&l.Limit, validation.Min(0), validation.Max(maxListLimit)),
		validation.Field(&l.Offset, validation.Min(0)),
	)
}

// ToFilter builds the datasource filter for collection.
func (l *ListWorkflowItems) ToFilter(collection string) model.ItemFilter {
	limit := l.Limit
	if limit == 0 {
		limit = 50
	}
	return model.ItemFilter{
		Collection:  collection,
		QueueStatus: model.QueueStatus(l.QueueStatus),
		Stage:       model.Stage(l.Stage),
		Limit:       limit,
		Offset:      l.Offset,
	}
}
