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
	"sync"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/database"
	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/blnkfinance/spool/internal/lock"
	"github.com/blnkfinance/spool/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const reconcileLockName = "reconcile"

var waitingStages = []model.Stage{model.StageGeneratingAsset, model.StageExportingAsset, model.StagePosting}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Skipped   bool          `json:"skipped"`
	LockLost  bool          `json:"lock_lost,omitempty"`
	Threshold string        `json:"threshold"`
	Brands    []BrandReport `json:"brands"`
}

// BrandReport is the share of a reconciliation pass spent on one collection.
type BrandReport struct {
	Collection string          `json:"collection"`
	Inspected  int             `json:"inspected"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	Errors     int             `json:"errors"`
	TimedOut   bool            `json:"timed_out"`
}

// ReconcileStuckItems polls the external job of every item that has waited
// longer than threshold and moves it forward, back into the queue or out of
// rotation. A zero threshold uses the configured staleness threshold. Brands
// are processed one after the other, each bounded by the brand timeout, and
// one item's failure never stops the rest.
func (s *Spool) ReconcileStuckItems(ctx context.Context, threshold time.Duration) (*ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "ReconcileStuckItems")
	defer span.End()

	if threshold <= 0 {
		threshold = s.cnf.StalenessThreshold()
	}
	report := &ReconcileReport{Threshold: threshold.String()}

	err := s.lock.WithLease(ctx, reconcileLockName, func(ctx context.Context, lease lock.Lease) error {
		keeper := newLeaseKeeper(s, lease)
		for _, brand := range s.cnf.Brands {
			if !keeper.keep(ctx) {
				report.LockLost = true
				break
			}
			report.Brands = append(report.Brands, s.reconcileBrand(ctx, brand, threshold, keeper))
		}
		return nil
	})
	if errors.Is(err, ErrLockContention) {
		report.Skipped = true
		return report, nil
	}
	return report, err
}

func (s *Spool) reconcileBrand(ctx context.Context, brand config.BrandConfig, threshold time.Duration, keeper *leaseKeeper) BrandReport {
	ctx, cancel := context.WithTimeout(ctx, s.cnf.BrandTimeout())
	defer cancel()
	ctx, span := tracer.Start(ctx, "reconcileBrand")
	span.SetAttributes(attribute.String("collection", brand.Collection))
	defer span.End()

	report := BrandReport{Collection: brand.Collection, Outcomes: map[Outcome]int{}}
	log := logrus.WithField("collection", brand.Collection)
	now := s.now().UTC()
	limit := s.cnf.Reconciliation.BatchSize

	waiting, err := s.datasource.GetStuckWorkflowItems(ctx, brand.Collection, waitingStages, now.Add(-threshold), limit)
	if !countUndecodable(err, &report) && err != nil {
		log.WithError(err).Error("failed to load stuck workflow items")
		report.Errors++
		return report
	}
	pending, err := s.datasource.GetStuckWorkflowItems(ctx, brand.Collection, []model.Stage{model.StagePending}, now.Add(-s.cnf.PendingThreshold()), limit)
	if !countUndecodable(err, &report) && err != nil {
		log.WithError(err).Error("failed to load stuck pending items")
		report.Errors++
	}
	items := append(waiting, pending...)
	if len(items) == 0 {
		return report
	}
	log.WithFields(logrus.Fields{"count": len(items), "threshold": threshold}).Info("reconciling stuck items")

	maxWorkers := s.cnf.Reconciliation.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

dispatch:
	for _, item := range items {
		if !keeper.keep(ctx) {
			break dispatch
		}
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(item *model.WorkflowItem) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.reconcileItem(ctx, brand, item)
			logOutcome(item, outcome, err)

			mu.Lock()
			defer mu.Unlock()
			report.Inspected++
			report.Outcomes[outcome]++
			if err != nil {
				report.Errors++
			}
		}(item)
	}
	wg.Wait()

	if ctx.Err() != nil {
		report.TimedOut = true
		log.Warn("brand reconciliation timed out, remaining items are left for the next run")
	}
	return report
}

// countUndecodable records items the store could not decode as errors of the
// brand. The items that did decode are still reconciled.
func countUndecodable(err error, report *BrandReport) bool {
	var undecodable *database.UndecodableRowsError
	if !errors.As(err, &undecodable) {
		return false
	}
	logrus.WithField("collection", report.Collection).WithField("items", undecodable.IDs).Warn("skipping stuck items that could not be decoded")
	report.Errors += len(undecodable.IDs)
	return true
}

// leaseKeeper refreshes the reconcile lock as a pass makes progress. A refresh
// is attempted at most once per third of the TTL. Once the lease is lost the
// pass stops taking new items and leaves them to the invocation now holding
// the lock.
type leaseKeeper struct {
	spool       *Spool
	lease       lock.Lease
	mu          sync.Mutex
	refreshedAt time.Time
	lost        bool
}

func newLeaseKeeper(s *Spool, lease lock.Lease) *leaseKeeper {
	return &leaseKeeper{spool: s, lease: lease, refreshedAt: lease.AcquiredAt}
}

func (k *leaseKeeper) keep(ctx context.Context) bool {
	if k == nil || k.lease.Degraded {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lost {
		return false
	}

	now := k.spool.now()
	if now.Sub(k.refreshedAt) < k.spool.lock.TTL()/3 {
		return true
	}
	log := logrus.WithField("lock", k.lease.Name)
	ok, err := k.spool.lock.Refresh(context.WithoutCancel(ctx), k.lease.Name, k.lease.Token)
	if err != nil {
		log.WithError(err).Warn("could not refresh lock, continuing")
		return true
	}
	if !ok {
		k.lost = true
		log.Warn("lock expired during the run, leaving remaining items for the next run")
		return false
	}
	k.refreshedAt = now
	return true
}

// reconcileItem decides what to do with one stuck item from its stage.
func (s *Spool) reconcileItem(ctx context.Context, brand config.BrandConfig, item *model.WorkflowItem) (Outcome, error) {
	switch p := item.Progress.(type) {
	case model.GeneratingAsset:
		if !p.Dispatched() {
			return s.handleFailure(ctx, item, &TransientDispatchError{
				Service: gateway.ServiceAsset,
				Err:     errors.New("no asset job id was recorded"),
			})
		}
		status, err := s.gateway.PollAssetStatus(ctx, p.AssetJobID)
		if err != nil {
			return s.pollFailure(ctx, item, gateway.ServiceAsset, p.AssetJobID, err)
		}
		return s.applyAssetStatus(ctx, brand, item, p, status)

	case model.ExportingAsset:
		if !p.Dispatched() {
			return s.handleFailure(ctx, item, &TransientDispatchError{
				Service: gateway.ServiceExport,
				Err:     errors.New("no export job id was recorded"),
			})
		}
		status, err := s.gateway.PollExportStatus(ctx, p.ExportJobID)
		if err != nil {
			return s.pollFailure(ctx, item, gateway.ServiceExport, p.ExportJobID, err)
		}
		return s.applyExportStatus(ctx, brand, item, p, status)

	case model.Posting:
		return s.startPost(ctx, brand, item, p)

	case model.Pending, nil:
		return s.handleFailure(ctx, item, &TransientDispatchError{
			Service: gateway.ServiceAsset,
			Err:     errors.New("dequeued item never started its pipeline"),
		})
	}
	return OutcomeSkipped, nil
}

// Reconciler runs reconciliation passes on a fixed interval for as long as
// it is running.
type Reconciler struct {
	spool        *Spool
	pollInterval time.Duration
	threshold    time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewReconciler(s *Spool) *Reconciler {
	return &Reconciler{
		spool:        s,
		pollInterval: s.cnf.PollInterval(),
		threshold:    s.cnf.StalenessThreshold(),
		stopCh:       make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.WithField("interval", r.pollInterval).Info("reconciler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("reconciler stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("reconciler context cancelled")
			return
		case <-r.stopCh:
			logrus.Info("reconciler stop signal received")
			return
		case <-ticker.C:
			if _, err := r.spool.ReconcileStuckItems(ctx, r.threshold); err != nil {
				logrus.WithError(err).Error("reconciliation pass failed")
			}
		}
	}
}
