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
	"errors"
	"net/http"
	"testing"

	"github.com/blnkfinance/spool/config"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, url string) *WebhookSender {
	t.Helper()
	sender := NewWebhookSender(config.WebhookConfig{Url: url, Headers: map[string]string{"X-Spool-Signature": "secret"}})
	httpmock.ActivateNonDefault(sender.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return sender
}

func TestWebhookSender_Send(t *testing.T) {
	sender := newTestSender(t, "https://hooks.test/spool")

	httpmock.RegisterResponder("POST", "https://hooks.test/spool", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "secret", req.Header.Get("X-Spool-Signature"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, EventCompleted, body["event"])
		assert.Equal(t, "wfi_1", body["data"].(map[string]interface{})["id"])
		return httpmock.NewStringResponse(200, `{"ok":true}`), nil
	})

	err := sender.Send(context.Background(), NewWebhook{Event: EventCompleted, Payload: map[string]string{"id": "wfi_1"}})
	assert.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestWebhookSender_SendNon2xxIsRetried(t *testing.T) {
	sender := newTestSender(t, "https://hooks.test/spool")
	httpmock.RegisterResponder("POST", "https://hooks.test/spool", httpmock.NewStringResponder(503, "unavailable"))

	err := sender.Send(context.Background(), NewWebhook{Event: EventFailed})
	assert.Error(t, err)
}

func TestWebhookSender_NoURLIsNoop(t *testing.T) {
	sender := newTestSender(t, "")
	assert.NoError(t, sender.Send(context.Background(), NewWebhook{Event: EventFailed}))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestWebhookSender_ProcessWebhook(t *testing.T) {
	sender := newTestSender(t, "https://hooks.test/spool")
	httpmock.RegisterResponder("POST", "https://hooks.test/spool", httpmock.NewStringResponder(204, ""))

	payload, err := json.Marshal(NewWebhook{Event: EventCycleReset, Payload: map[string]interface{}{"count": 3}})
	require.NoError(t, err)
	assert.NoError(t, sender.ProcessWebhook(context.Background(), asynq.NewTask(TypeWebhook, payload)))

	assert.Error(t, sender.ProcessWebhook(context.Background(), asynq.NewTask(TypeWebhook, []byte("not json"))))
}

func TestEmit_EnqueuesWhenWebhookConfigured(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, _ := newMockQueue(cnf)
	env := newTestEnv(t, WithQueue(q))
	env.spool.cnf.Notification.Webhook.Url = "https://hooks.test/spool"

	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var hook map[string]interface{}
		return task.Type() == TypeWebhook && json.Unmarshal(task.Payload(), &hook) == nil && hook["event"] == EventCycleReset
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "t"}, nil).Once()

	env.spool.emitEvent(context.Background(), EventCycleReset, map[string]int{"count": 1})
	enq.AssertExpectations(t)
}

func TestEmit_EnqueueFailureIsSwallowed(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, _ := newMockQueue(cnf)
	env := newTestEnv(t, WithQueue(q))
	env.spool.cnf.Notification.Webhook.Url = "https://hooks.test/spool"
	enq.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))

	env.enqueue(t, 1)
	env.gateway.On("StartAssetGeneration", mock.Anything, mock.Anything).Return("vid_1", nil).Once()
	result, err := env.spool.Dispatch(context.Background(), testCollection)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, result.Outcome)
	enq.AssertCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmit_SkippedWithoutWebhookURL(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	q, enq, _ := newMockQueue(cnf)
	env := newTestEnv(t, WithQueue(q))

	env.spool.emitEvent(context.Background(), EventCycleReset, nil)
	enq.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}
