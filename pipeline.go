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
	"net/url"

	"github.com/blnkfinance/spool/config"
	mirror "github.com/blnkfinance/spool/internal/asset-mirror"
	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/blnkfinance/spool/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what a single pipeline step did to an item.
type Outcome string

const (
	OutcomeEmpty       Outcome = "empty"
	OutcomeDispatched  Outcome = "dispatched"
	OutcomeAdvanced    Outcome = "advanced"
	OutcomeRetriggered Outcome = "retriggered"
	OutcomeWaiting     Outcome = "waiting"
	OutcomeCompleted   Outcome = "completed"
	OutcomeRequeued    Outcome = "requeued"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
)

// DispatchResult reports one dispatch invocation. Skipped is set when another
// invocation held the collection's lock.
type DispatchResult struct {
	Collection string              `json:"collection"`
	Skipped    bool                `json:"skipped"`
	Reset      int                 `json:"reset,omitempty"`
	Outcome    Outcome             `json:"outcome,omitempty"`
	Item       *model.WorkflowItem `json:"item,omitempty"`
}

func dispatchLockName(collection string) string {
	return "dispatch:" + collection
}

// Dispatch takes the next item of the collection and starts its asset
// generation. At most one item is started per call. When the queue is empty
// and the brand allows it, a new rotation cycle is started first.
func (s *Spool) Dispatch(ctx context.Context, collection string) (*DispatchResult, error) {
	ctx, span := tracer.Start(ctx, "Dispatch", trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	brand, err := s.brand(collection)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{Collection: brand.Collection}
	err = s.lock.WithLock(ctx, dispatchLockName(brand.Collection), func(ctx context.Context) error {
		item, err := s.DequeueNext(ctx, brand.Collection)
		if err != nil {
			return err
		}

		if item == nil && s.cnf.ShouldAutoReset(brand) {
			n, err := s.ResetCycle(ctx, brand.Collection)
			if err != nil {
				return err
			}
			result.Reset = n
			if n > 0 {
				item, err = s.DequeueNext(ctx, brand.Collection)
				if err != nil {
					return err
				}
			}
		}

		if item == nil {
			result.Outcome = OutcomeEmpty
			return nil
		}

		outcome, err := s.startAssetGeneration(ctx, brand, item)
		result.Item = item
		result.Outcome = outcome
		return err
	})
	if errors.Is(err, ErrLockContention) {
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// startAssetGeneration records the stage before calling out so a crash
// between the two writes leaves an item without a job id, which
// reconciliation treats as a failed dispatch.
func (s *Spool) startAssetGeneration(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem) (Outcome, error) {
	item.Progress = model.GeneratingAsset{}
	if err := s.touch(ctx, item); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}

	jobID, err := s.gateway.StartAssetGeneration(ctx, gateway.AssetRequest{
		ContentRef:  item.ContentRef,
		Title:       item.Title(),
		Script:      item.Script(),
		AvatarID:    brand.AvatarID,
		VoiceID:     brand.VoiceID,
		CallbackURL: s.callbackURL(gateway.ServiceAsset, brand.Collection),
	})
	if err != nil {
		return s.handleFailure(ctx, item, dispatchError(gateway.ServiceAsset, err))
	}

	item.Progress = model.GeneratingAsset{AssetJobID: jobID}
	if err := s.touch(ctx, item); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}
	itemLog(item).WithField("job_id", jobID).Info("asset generation started")
	s.emit(ctx, EventDispatched, item)
	return OutcomeDispatched, nil
}

func (s *Spool) startExport(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem, assetJobID, assetURL string) (Outcome, error) {
	item.Progress = model.ExportingAsset{AssetJobID: assetJobID, AssetResultURL: assetURL}
	if err := s.touch(ctx, item); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}

	exportID, err := s.gateway.StartExport(ctx, gateway.ExportRequest{
		AssetJobID:  assetJobID,
		AssetURL:    assetURL,
		Title:       item.Title(),
		Template:    brand.ExportTemplate,
		CallbackURL: s.callbackURL(gateway.ServiceExport, brand.Collection),
	})
	if err != nil {
		return s.handleFailure(ctx, item, dispatchError(gateway.ServiceExport, err))
	}

	item.Progress = model.ExportingAsset{AssetJobID: assetJobID, AssetResultURL: assetURL, ExportJobID: exportID}
	if err := s.touch(ctx, item); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}
	itemLog(item).WithField("job_id", exportID).Info("export started")
	return OutcomeAdvanced, nil
}

// advanceToPosting records the export result and hands the final asset to the
// post service. The final asset is the mirrored copy when object storage is
// configured and reachable, otherwise the export download URL.
func (s *Spool) advanceToPosting(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem, p model.ExportingAsset, exportURL string) (Outcome, error) {
	final := exportURL
	if s.mirror != nil {
		mirrored, err := s.mirror.Copy(ctx, exportURL, mirror.Key(item.Collection, item.ID))
		if err != nil {
			itemLog(item).WithError(err).Warn("asset mirror failed, posting the export url")
		} else {
			final = mirrored
		}
	}

	return s.startPost(ctx, brand, item, model.Posting{
		AssetJobID:      p.AssetJobID,
		AssetResultURL:  p.AssetResultURL,
		ExportJobID:     p.ExportJobID,
		ExportResultURL: exportURL,
		FinalAssetURL:   final,
	})
}

func (s *Spool) startPost(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem, posting model.Posting) (Outcome, error) {
	item.Progress = posting
	if err := s.touch(ctx, item); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}

	caption := item.Caption()
	if caption == "" {
		caption = item.Title()
	}
	postID, err := s.gateway.DispatchPost(ctx, gateway.PostRequest{
		FinalAssetURL: posting.FinalAssetURL,
		Caption:       caption,
		Platforms:     brand.Platforms,
		ProfileID:     brand.PostProfileID,
	})
	if err != nil {
		return s.handleFailure(ctx, item, dispatchError(gateway.ServicePost, err))
	}

	if err := s.completeCycle(ctx, item, postID); err != nil {
		return OutcomeSkipped, skipStale(item, err)
	}
	return OutcomeCompleted, nil
}

// applyAssetStatus moves an item waiting on asset generation according to the
// job status reported by a poll or a callback.
func (s *Spool) applyAssetStatus(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem, p model.GeneratingAsset, status gateway.JobStatus) (Outcome, error) {
	switch status.State {
	case gateway.StateComplete:
		if status.URL == "" {
			return s.handleFailure(ctx, item, &ReconciliationPollError{
				Service: gateway.ServiceAsset,
				JobID:   p.AssetJobID,
				Reason:  "job completed without a result url",
			})
		}
		itemLog(item).WithField("job_id", p.AssetJobID).Info("asset generation complete")
		return s.startExport(ctx, brand, item, p.AssetJobID, status.URL)
	case gateway.StateRunning:
		return OutcomeWaiting, nil
	default:
		return s.handleFailure(ctx, item, &ReconciliationPollError{
			Service: gateway.ServiceAsset,
			JobID:   p.AssetJobID,
			Reason:  jobFailureReason(status),
		})
	}
}

// applyExportStatus moves an item waiting on the export job. A finished export
// without a download URL is retriggered on the same job.
func (s *Spool) applyExportStatus(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem, p model.ExportingAsset, status gateway.JobStatus) (Outcome, error) {
	switch status.State {
	case gateway.StateComplete:
		if status.URL != "" {
			itemLog(item).WithField("job_id", p.ExportJobID).Info("export complete")
			return s.advanceToPosting(ctx, brand, item, p, status.URL)
		}
		if err := s.gateway.RetriggerExport(ctx, p.ExportJobID); err != nil {
			return s.pollFailure(ctx, item, gateway.ServiceExport, p.ExportJobID, err)
		}
		if err := s.touch(ctx, item); err != nil {
			return OutcomeSkipped, skipStale(item, err)
		}
		itemLog(item).WithField("job_id", p.ExportJobID).Info("export finished without a download url, retriggered")
		return OutcomeRetriggered, nil
	case gateway.StateRunning:
		return OutcomeWaiting, nil
	default:
		return s.handleFailure(ctx, item, &ReconciliationPollError{
			Service: gateway.ServiceExport,
			JobID:   p.ExportJobID,
			Reason:  jobFailureReason(status),
		})
	}
}

// pollFailure handles an error returned while talking to a service about a job
// that is already running. Rate limiting leaves the item for the next run.
func (s *Spool) pollFailure(ctx context.Context, item *model.WorkflowItem, service, jobID string, err error) (Outcome, error) {
	if isRateLimited(err) {
		itemLog(item).WithField("job_id", jobID).WithError(err).Info("poll rate limited, leaving item for the next run")
		return OutcomeWaiting, nil
	}
	return s.handleFailure(ctx, item, &ReconciliationPollError{
		Service: service,
		JobID:   jobID,
		Reason:  "poll failed",
		Err:     err,
	})
}

func jobFailureReason(status gateway.JobStatus) string {
	if status.State == gateway.StateNotFound {
		return "job not found"
	}
	if status.Message != "" {
		return "job failed: " + status.Message
	}
	return "job failed"
}

// touch persists the item's current progress with a fresh updatedAt.
func (s *Spool) touch(ctx context.Context, item *model.WorkflowItem) error {
	item.UpdatedAt = s.now().UTC()
	return s.datasource.UpdateWorkflowItem(ctx, item)
}

// callbackURL is the address external services report job completion to. It
// is empty when no public domain is configured, in which case the reconciler
// alone advances items.
func (s *Spool) callbackURL(service, collection string) string {
	if s.cnf.Server.Domain == "" {
		return ""
	}
	scheme := "https"
	if !s.cnf.Server.SSL && !s.cnf.Server.Secure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/callbacks/%s/%s", scheme, s.cnf.Server.Domain, service, url.PathEscape(collection))
}

func logOutcome(item *model.WorkflowItem, outcome Outcome, err error) {
	entry := itemLog(item).WithField("outcome", outcome)
	if err != nil {
		entry.WithError(err).Error("pipeline step failed")
		return
	}
	entry.Debug("pipeline step finished")
}
