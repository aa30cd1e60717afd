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
	"fmt"
	"strings"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/apierror"
	"github.com/blnkfinance/spool/internal/cache"
	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/blnkfinance/spool/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

// CallbackPayload is the job notification an external service posts back.
type CallbackPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

func (p CallbackPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.JobID, validation.Required),
		validation.Field(&p.Status, validation.Required),
	)
}

// jobStatus maps the reported status onto the gateway's job states. Anything
// that is neither done nor failed counts as still running.
func (p CallbackPayload) jobStatus() gateway.JobStatus {
	switch strings.ToLower(p.Status) {
	case "completed", "complete", "success", "succeeded", "done":
		return gateway.JobStatus{State: gateway.StateComplete, URL: p.URL}
	case "failed", "error", "cancelled":
		return gateway.JobStatus{State: gateway.StateFailed, Message: p.Error}
	default:
		return gateway.JobStatus{State: gateway.StateRunning}
	}
}

// CallbackResult is what a callback did. Duplicate is set when the same job
// notification was already applied.
type CallbackResult struct {
	ItemID    string  `json:"item_id"`
	Outcome   Outcome `json:"outcome"`
	Duplicate bool    `json:"duplicate"`
}

// HandleAssetCallback applies an asset generation notification to the item
// waiting on that job.
func (s *Spool) HandleAssetCallback(ctx context.Context, collection string, payload CallbackPayload) (*CallbackResult, error) {
	return s.handleCallback(ctx, gateway.ServiceAsset, model.StageGeneratingAsset, collection, payload,
		func(brand config.BrandConfig, item *model.WorkflowItem, status gateway.JobStatus) (Outcome, error) {
			p, ok := item.Progress.(model.GeneratingAsset)
			if !ok {
				return OutcomeSkipped, nil
			}
			return s.applyAssetStatus(ctx, brand, item, p, status)
		})
}

// HandleExportCallback applies an export notification to the item waiting on
// that job.
func (s *Spool) HandleExportCallback(ctx context.Context, collection string, payload CallbackPayload) (*CallbackResult, error) {
	return s.handleCallback(ctx, gateway.ServiceExport, model.StageExportingAsset, collection, payload,
		func(brand config.BrandConfig, item *model.WorkflowItem, status gateway.JobStatus) (Outcome, error) {
			p, ok := item.Progress.(model.ExportingAsset)
			if !ok {
				return OutcomeSkipped, nil
			}
			return s.applyExportStatus(ctx, brand, item, p, status)
		})
}

type statusApplier func(brand config.BrandConfig, item *model.WorkflowItem, status gateway.JobStatus) (Outcome, error)

func (s *Spool) handleCallback(ctx context.Context, service string, stage model.Stage, collection string, payload CallbackPayload, apply statusApplier) (*CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "HandleCallback")
	defer span.End()

	if err := payload.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	brand, err := s.brand(collection)
	if err != nil {
		return nil, err
	}

	key := cache.IdempotencyKey(service, payload.JobID, brand.Collection)
	var previous CallbackResult
	found, err := s.cache.Get(ctx, key, &previous)
	if err != nil {
		logrus.WithError(err).WithField("job_id", payload.JobID).Warn("idempotency lookup failed, applying callback")
	}
	if found {
		previous.Duplicate = true
		return &previous, nil
	}

	item, err := s.datasource.GetWorkflowItemByJobID(ctx, brand.Collection, stage, payload.JobID)
	if err != nil {
		return nil, err
	}

	outcome, err := apply(brand, item, payload.jobStatus())
	if err != nil {
		return nil, fmt.Errorf("apply %s callback for job %s: %w", service, payload.JobID, err)
	}
	result := &CallbackResult{ItemID: item.ID, Outcome: outcome}

	if outcome != OutcomeWaiting && outcome != OutcomeSkipped {
		if err := s.cache.Set(ctx, key, result, s.cnf.IdempotencyTTL()); err != nil {
			logrus.WithError(err).WithField("job_id", payload.JobID).Warn("failed to record callback")
		}
	}
	itemLog(item).WithFields(logrus.Fields{"job_id": payload.JobID, "outcome": outcome}).Info("callback applied")
	return result, nil
}
