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
	"encoding/json"
	"time"
)

// QueueStatus tracks rotation membership of a workflow item.
type QueueStatus string

const (
	QueueStatusQueued         QueueStatus = "queued"
	QueueStatusProcessing     QueueStatus = "processing"
	QueueStatusCompletedCycle QueueStatus = "completed_cycle"
)

// WorkflowItem is one content unit cycling through the pipeline of a collection.
//
// QueueStatus and Progress are independent axes: QueueStatus says whether the item
// is waiting for a turn, Progress says how far the current pass has come.
type WorkflowItem struct {
	ID                   string
	Collection           string
	ContentRef           string
	QueueStatus          QueueStatus
	QueuePosition        int64
	QueueAddedAt         time.Time
	TotalCyclesCompleted int
	CurrentCycleAttempt  int
	Progress             Progress
	RetryCount           int
	LastError            string
	LastRetryAt          *time.Time
	FailedAt             *time.Time
	MetaData             map[string]interface{}
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	Version              int64
}

// Stage returns the pipeline stage of the item. Items without progress are pending.
func (w *WorkflowItem) Stage() Stage {
	if w.Progress == nil {
		return StagePending
	}
	return w.Progress.Stage()
}

// Correlation returns the flattened external job references of the item.
func (w *WorkflowItem) Correlation() Correlation {
	return Flatten(w.Progress)
}

// Caption returns the caption text stored in the item metadata, if any.
func (w *WorkflowItem) Caption() string {
	return w.metaString("caption")
}

// Script returns the narration script stored in the item metadata, if any.
func (w *WorkflowItem) Script() string {
	return w.metaString("script")
}

// Title returns the title stored in the item metadata, if any.
func (w *WorkflowItem) Title() string {
	return w.metaString("title")
}

func (w *WorkflowItem) metaString(key string) string {
	if w.MetaData == nil {
		return ""
	}
	v, ok := w.MetaData[key].(string)
	if !ok {
		return ""
	}
	return v
}

type workflowItemJSON struct {
	ID                   string                 `json:"id"`
	Collection           string                 `json:"collection"`
	ContentRef           string                 `json:"content_ref"`
	QueueStatus          QueueStatus            `json:"queue_status"`
	QueuePosition        int64                  `json:"queue_position"`
	QueueAddedAt         time.Time              `json:"queue_added_at"`
	TotalCyclesCompleted int                    `json:"total_cycles_completed"`
	CurrentCycleAttempt  int                    `json:"current_cycle_attempt"`
	Stage                Stage                  `json:"stage"`
	AssetJobID           string                 `json:"asset_job_id,omitempty"`
	AssetResultURL       string                 `json:"asset_result_url,omitempty"`
	ExportJobID          string                 `json:"export_job_id,omitempty"`
	ExportResultURL      string                 `json:"export_result_url,omitempty"`
	FinalAssetURL        string                 `json:"final_asset_url,omitempty"`
	PostResultID         string                 `json:"post_result_id,omitempty"`
	RetryCount           int                    `json:"retry_count"`
	LastError            string                 `json:"last_error,omitempty"`
	LastRetryAt          *time.Time             `json:"last_retry_at,omitempty"`
	FailedAt             *time.Time             `json:"failed_at,omitempty"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// MarshalJSON renders the item with its progress flattened into plain fields.
func (w WorkflowItem) MarshalJSON() ([]byte, error) {
	c := Flatten(w.Progress)
	return json.Marshal(workflowItemJSON{
		ID:                   w.ID,
		Collection:           w.Collection,
		ContentRef:           w.ContentRef,
		QueueStatus:          w.QueueStatus,
		QueuePosition:        w.QueuePosition,
		QueueAddedAt:         w.QueueAddedAt,
		TotalCyclesCompleted: w.TotalCyclesCompleted,
		CurrentCycleAttempt:  w.CurrentCycleAttempt,
		Stage:                c.Stage,
		AssetJobID:           c.AssetJobID,
		AssetResultURL:       c.AssetResultURL,
		ExportJobID:          c.ExportJobID,
		ExportResultURL:      c.ExportResultURL,
		FinalAssetURL:        c.FinalAssetURL,
		PostResultID:         c.PostResultID,
		RetryCount:           w.RetryCount,
		LastError:            w.LastError,
		LastRetryAt:          w.LastRetryAt,
		FailedAt:             w.FailedAt,
		MetaData:             w.MetaData,
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
		CompletedAt:          w.CompletedAt,
	})
}

// ItemFilter narrows a workflow item listing.
type ItemFilter struct {
	Collection  string
	QueueStatus QueueStatus
	Stage       Stage
	Limit       int
	Offset      int
}

// QueueStats summarises one collection's rotation queue.
type QueueStats struct {
	Collection string        `json:"collection"`
	Total      int           `json:"total"`
	Queued     int           `json:"queued"`
	Processing int           `json:"processing"`
	Completed  int           `json:"completed_cycle"`
	Failed     int           `json:"failed"`
	NextItem   *WorkflowItem `json:"next_item,omitempty"`
}

// ActiveContent is a content reference that should be part of a collection's rotation.
// Add counts n items with the given status and stage. Failed items are
// reported separately from completed ones.
func (s *QueueStats) Add(status QueueStatus, stage Stage, n int) {
	s.Total += n
	switch status {
	case QueueStatusQueued:
		s.Queued += n
	case QueueStatusProcessing:
		s.Processing += n
	case QueueStatusCompletedCycle:
		if stage == StageFailed {
			s.Failed += n
		} else {
			s.Completed += n
		}
	}
}

type ActiveContent struct {
	ContentRef string                 `json:"content_ref"`
	MetaData   map[string]interface{} `json:"meta_data"`
}

// SyncResult reports what a sync with the active content set changed.
type SyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}
