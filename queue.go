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
	"encoding/json"
	"fmt"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Task types handled by the workers.
const (
	TypeDispatch  = "spool:dispatch"
	TypeReconcile = "spool:reconcile"
	TypeWebhook   = "spool:webhook"
)

const webhookMaxRetry = 5

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// Queue represents a queue for handling scheduled invocations and webhook deliveries.
type Queue struct {
	client    taskEnqueuer
	inspector queueInspector
	cnf       *config.Configuration
}

type dispatchPayload struct {
	Collection string `json:"collection"`
}

type reconcilePayload struct {
	ThresholdSeconds int `json:"threshold_seconds,omitempty"`
}

// RedisConnOpt converts parsed go-redis options into asynq connection options.
func RedisConnOpt(opts *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

// NewQueue initializes a new Queue instance over the given Redis connection.
func NewQueue(cnf *config.Configuration, opts *redis.Options) *Queue {
	connOpt := RedisConnOpt(opts)
	return &Queue{
		client:    asynq.NewClient(connOpt),
		inspector: asynq.NewInspector(connOpt),
		cnf:       cnf,
	}
}

// NewDispatchTask builds the task that runs one dispatch for collection.
func NewDispatchTask(collection string) (*asynq.Task, error) {
	payload, err := json.Marshal(dispatchPayload{Collection: collection})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDispatch, payload), nil
}

// NewReconcileTask builds the task that runs one reconciliation pass. A zero
// threshold uses the configured staleness threshold.
func NewReconcileTask(threshold time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(reconcilePayload{ThresholdSeconds: int(threshold / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, payload), nil
}

func (q *Queue) dispatchOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(q.cnf.Queue.DispatchQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.cnf.LockTTL()),
	}
}

func (q *Queue) reconcileOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(q.cnf.Queue.ReconcileQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.cnf.ReconcileTimeout()),
	}
}

// EnqueueDispatch asks the workers to run a dispatch for collection.
func (q *Queue) EnqueueDispatch(ctx context.Context, collection string) (*asynq.TaskInfo, error) {
	task, err := NewDispatchTask(collection)
	if err != nil {
		return nil, err
	}
	info, err := q.client.EnqueueContext(ctx, task, q.dispatchOptions()...)
	if err != nil {
		return nil, fmt.Errorf("enqueue dispatch for %s: %w", collection, err)
	}
	logrus.WithFields(logrus.Fields{"collection": collection, "task_id": info.ID}).Info("dispatch enqueued")
	return info, nil
}

// EnqueueReconcile asks the workers to run a reconciliation pass.
func (q *Queue) EnqueueReconcile(ctx context.Context, threshold time.Duration) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(threshold)
	if err != nil {
		return nil, err
	}
	info, err := q.client.EnqueueContext(ctx, task, q.reconcileOptions()...)
	if err != nil {
		return nil, fmt.Errorf("enqueue reconcile: %w", err)
	}
	logrus.WithField("task_id", info.ID).Info("reconciliation enqueued")
	return info, nil
}

// EnqueueWebhook queues an outbound event for delivery.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeWebhook, payload)
	_, err = q.client.EnqueueContext(ctx, task, asynq.Queue(q.cnf.Queue.WebhookQueue), asynq.MaxRetry(webhookMaxRetry))
	return err
}

// Depth returns the number of pending tasks per configured queue. Queues that
// have never received a task are reported as empty.
func (q *Queue) Depth() map[string]int {
	depth := make(map[string]int)
	for _, name := range []string{q.cnf.Queue.DispatchQueue, q.cnf.Queue.ReconcileQueue, q.cnf.Queue.WebhookQueue} {
		info, err := q.inspector.GetQueueInfo(name)
		if err != nil {
			depth[name] = 0
			continue
		}
		depth[name] = info.Pending + info.Scheduled + info.Retry
	}
	return depth
}

func (q *Queue) Close() error {
	err := q.client.Close()
	if ierr := q.inspector.Close(); err == nil {
		err = ierr
	}
	return err
}

// Queues returns the worker queue priorities.
func Queues(cnf *config.Configuration) map[string]int {
	return map[string]int{
		cnf.Queue.DispatchQueue:  6,
		cnf.Queue.ReconcileQueue: 3,
		cnf.Queue.WebhookQueue:   1,
	}
}

type taskRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSchedules registers one dispatch entry per brand on its own
// schedule and a single reconciliation entry.
func RegisterSchedules(scheduler taskRegistrar, cnf *config.Configuration) error {
	for _, brand := range cnf.Brands {
		task, err := NewDispatchTask(brand.Collection)
		if err != nil {
			return err
		}
		id, err := scheduler.Register(brand.DispatchSchedule, task,
			asynq.Queue(cnf.Queue.DispatchQueue), asynq.MaxRetry(0), asynq.Timeout(cnf.LockTTL()))
		if err != nil {
			return fmt.Errorf("register dispatch schedule for %s: %w", brand.Collection, err)
		}
		logrus.WithFields(logrus.Fields{
			"collection": brand.Collection,
			"schedule":   brand.DispatchSchedule,
			"entry_id":   id,
		}).Info("dispatch scheduled")
	}

	task, err := NewReconcileTask(0)
	if err != nil {
		return err
	}
	id, err := scheduler.Register(cnf.Reconciliation.Schedule, task,
		asynq.Queue(cnf.Queue.ReconcileQueue), asynq.MaxRetry(0), asynq.Timeout(cnf.ReconcileTimeout()))
	if err != nil {
		return fmt.Errorf("register reconciliation schedule: %w", err)
	}
	logrus.WithFields(logrus.Fields{"schedule": cnf.Reconciliation.Schedule, "entry_id": id}).Info("reconciliation scheduled")
	return nil
}

// ProcessDispatchTask runs a scheduled dispatch. Contention is a normal
// outcome and is not reported as a task failure.
func (s *Spool) ProcessDispatchTask(ctx context.Context, task *asynq.Task) error {
	var p dispatchPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	result, err := s.Dispatch(ctx, p.Collection)
	if err != nil {
		return err
	}
	entry := logrus.WithFields(logrus.Fields{
		"collection": result.Collection,
		"outcome":    result.Outcome,
		"skipped":    result.Skipped,
	})
	if result.Item != nil {
		entry = entry.WithField("item_id", result.Item.ID)
	}
	entry.Info("dispatch task finished")
	return nil
}

// ProcessReconcileTask runs a scheduled reconciliation pass.
func (s *Spool) ProcessReconcileTask(ctx context.Context, task *asynq.Task) error {
	var p reconcilePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	report, err := s.ReconcileStuckItems(ctx, time.Duration(p.ThresholdSeconds)*time.Second)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"skipped": report.Skipped, "brands": len(report.Brands)}).Info("reconcile task finished")
	return nil
}

// RegisterHandlers wires the task handlers into mux.
func (s *Spool) RegisterHandlers(mux *asynq.ServeMux, sender *WebhookSender) {
	mux.HandleFunc(TypeDispatch, s.ProcessDispatchTask)
	mux.HandleFunc(TypeReconcile, s.ProcessReconcileTask)
	mux.HandleFunc(TypeWebhook, sender.ProcessWebhook)
}

// Queue returns the task queue, or nil when Redis is not configured.
func (s *Spool) Queue() *Queue {
	return s.queue
}
