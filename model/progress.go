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
	"fmt"
)

// Stage is the pipeline position of a workflow item within one pass.
type Stage string

const (
	StagePending         Stage = "pending"
	StageGeneratingAsset Stage = "generating_asset"
	StageExportingAsset  Stage = "exporting_asset"
	StagePosting         Stage = "posting"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageGeneratingAsset, StageExportingAsset, StagePosting, StageCompleted, StageFailed:
		return true
	}
	return false
}

// AsyncWait reports whether items in this stage are waiting on an external job.
func (s Stage) AsyncWait() bool {
	return s == StageGeneratingAsset || s == StageExportingAsset
}

// Progress is the stage-specific state of a workflow item. Each stage carries
// exactly the external references that are meaningful for it.
type Progress interface {
	Stage() Stage
}

// Pending has no external references; the pass starts from scratch.
type Pending struct{}

// GeneratingAsset waits on the asset generation job. An empty AssetJobID means
// the dispatch call never returned, which reconciliation treats as a failed dispatch.
type GeneratingAsset struct {
	AssetJobID string
}

// ExportingAsset waits on the caption/export job started from a finished asset.
type ExportingAsset struct {
	AssetJobID     string
	AssetResultURL string
	ExportJobID    string
}

// Posting hands the final asset to the post scheduling service.
type Posting struct {
	AssetJobID      string
	AssetResultURL  string
	ExportJobID     string
	ExportResultURL string
	FinalAssetURL   string
}

// Completed is a finished pass.
type Completed struct {
	AssetJobID      string
	AssetResultURL  string
	ExportJobID     string
	ExportResultURL string
	FinalAssetURL   string
	PostResultID    string
}

// Failed is a terminal failure. Trace keeps whatever references existed when it failed.
type Failed struct {
	Trace Correlation
}

func (Pending) Stage() Stage         { return StagePending }
func (GeneratingAsset) Stage() Stage { return StageGeneratingAsset }
func (ExportingAsset) Stage() Stage  { return StageExportingAsset }
func (Posting) Stage() Stage         { return StagePosting }
func (Completed) Stage() Stage       { return StageCompleted }
func (Failed) Stage() Stage          { return StageFailed }

// FailedFrom records the references of p on a terminal failure.
func FailedFrom(p Progress) Failed {
	trace := Flatten(p)
	trace.Stage = ""
	return Failed{Trace: trace}
}

// Dispatched reports whether the asset generation call returned a job id.
func (g GeneratingAsset) Dispatched() bool { return g.AssetJobID != "" }

// Dispatched reports whether the export call returned a job id.
func (e ExportingAsset) Dispatched() bool { return e.ExportJobID != "" }

// Correlation is the flat, storage-facing form of a Progress value.
type Correlation struct {
	Stage           Stage  `json:"stage"`
	AssetJobID      string `json:"asset_job_id,omitempty"`
	AssetResultURL  string `json:"asset_result_url,omitempty"`
	ExportJobID     string `json:"export_job_id,omitempty"`
	ExportResultURL string `json:"export_result_url,omitempty"`
	FinalAssetURL   string `json:"final_asset_url,omitempty"`
	PostResultID    string `json:"post_result_id,omitempty"`
}

// Flatten converts a Progress value into its column form. A nil progress is pending.
func Flatten(p Progress) Correlation {
	switch v := p.(type) {
	case GeneratingAsset:
		return Correlation{Stage: StageGeneratingAsset, AssetJobID: v.AssetJobID}
	case ExportingAsset:
		return Correlation{
			Stage:          StageExportingAsset,
			AssetJobID:     v.AssetJobID,
			AssetResultURL: v.AssetResultURL,
			ExportJobID:    v.ExportJobID,
		}
	case Posting:
		return Correlation{
			Stage:           StagePosting,
			AssetJobID:      v.AssetJobID,
			AssetResultURL:  v.AssetResultURL,
			ExportJobID:     v.ExportJobID,
			ExportResultURL: v.ExportResultURL,
			FinalAssetURL:   v.FinalAssetURL,
		}
	case Completed:
		return Correlation{
			Stage:           StageCompleted,
			AssetJobID:      v.AssetJobID,
			AssetResultURL:  v.AssetResultURL,
			ExportJobID:     v.ExportJobID,
			ExportResultURL: v.ExportResultURL,
			FinalAssetURL:   v.FinalAssetURL,
			PostResultID:    v.PostResultID,
		}
	case Failed:
		c := v.Trace
		c.Stage = StageFailed
		return c
	default:
		return Correlation{Stage: StagePending}
	}
}

// Progress rebuilds the stage variant from stored columns, rejecting rows whose
// stage lacks the references that stage requires.
func (c Correlation) Progress() (Progress, error) {
	switch c.Stage {
	case StagePending, "":
		return Pending{}, nil
	case StageGeneratingAsset:
		return GeneratingAsset{AssetJobID: c.AssetJobID}, nil
	case StageExportingAsset:
		if c.AssetJobID == "" || c.AssetResultURL == "" {
			return nil, fmt.Errorf("stage %s requires asset job id and asset result url", c.Stage)
		}
		return ExportingAsset{
			AssetJobID:     c.AssetJobID,
			AssetResultURL: c.AssetResultURL,
			ExportJobID:    c.ExportJobID,
		}, nil
	case StagePosting:
		if c.FinalAssetURL == "" {
			return nil, fmt.Errorf("stage %s requires a final asset url", c.Stage)
		}
		return Posting{
			AssetJobID:      c.AssetJobID,
			AssetResultURL:  c.AssetResultURL,
			ExportJobID:     c.ExportJobID,
			ExportResultURL: c.ExportResultURL,
			FinalAssetURL:   c.FinalAssetURL,
		}, nil
	case StageCompleted:
		return Completed{
			AssetJobID:      c.AssetJobID,
			AssetResultURL:  c.AssetResultURL,
			ExportJobID:     c.ExportJobID,
			ExportResultURL: c.ExportResultURL,
			FinalAssetURL:   c.FinalAssetURL,
			PostResultID:    c.PostResultID,
		}, nil
	case StageFailed:
		trace := c
		trace.Stage = ""
		return Failed{Trace: trace}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", c.Stage)
}
