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
	"net/http"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Events delivered to the configured webhook.
const (
	EventDispatched = "workflow.dispatched"
	EventCompleted  = "workflow.completed"
	EventRequeued   = "workflow.requeued"
	EventFailed     = "workflow.failed"
	EventCycleReset = "workflow.cycle_reset"
)

const webhookTimeout = 10 * time.Second

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

func (s *Spool) emit(ctx context.Context, event string, item interface{}) {
	s.emitEvent(ctx, event, item)
}

// emitEvent enqueues a webhook delivery. Delivery problems never affect the
// pipeline; they are logged and dropped.
func (s *Spool) emitEvent(ctx context.Context, event string, payload interface{}) {
	if s.queue == nil || s.cnf.Notification.Webhook.Url == "" {
		return
	}
	if err := s.queue.EnqueueWebhook(ctx, NewWebhook{Event: event, Payload: payload}); err != nil {
		logrus.WithError(err).WithField("event", event).Warn("failed to enqueue webhook")
	}
}

// WebhookSender posts queued events to the configured endpoint.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{
		url:     cfg.Url,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

// Send posts hook to the endpoint. A non-2xx response is an error so the
// task is retried by the queue.
func (w *WebhookSender) Send(ctx context.Context, hook NewWebhook) error {
	if w.url == "" {
		return nil
	}

	payload, err := request.ToJsonReq(hook)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, payload)
	if err != nil {
		return err
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	if _, err := request.Call(w.client, req, nil); err != nil {
		return err
	}
	logrus.WithField("event", hook.Event).Debug("webhook delivered")
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
func (w *WebhookSender) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		logrus.WithError(err).Error("error unmarshaling webhook task payload")
		return err
	}
	return w.Send(ctx, hook)
}
