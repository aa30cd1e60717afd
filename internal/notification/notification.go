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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/request"
	"github.com/sirupsen/logrus"
)

// Notifier reports permanent pipeline failures to operators. A Notifier with
// no Slack webhook only logs.
type Notifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func New(slack config.SlackWebhook) *Notifier {
	return &Notifier{
		webhookURL: slack.WebhookUrl,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func (n *Notifier) message(systemError error, fields logrus.Fields) slackMessage {
	details := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", systemError)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", n.now().Format(time.RFC822))},
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		details = append(details, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%v", k, fields[k])})
	}

	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "Error From Spool 🐞", Emoji: true}},
		{Type: "section", Fields: details},
	}}
}

// Send posts the error to Slack and waits for the answer.
func (n *Notifier) Send(ctx context.Context, systemError error, fields logrus.Fields) error {
	if n.webhookURL == "" {
		return nil
	}

	payload, err := request.ToJsonReq(n.message(systemError, fields))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(n.client, req, nil)
	return err
}

// NotifyError logs the error and sends it to Slack in the background.
func (n *Notifier) NotifyError(systemError error, fields logrus.Fields) {
	logrus.WithFields(fields).Error(systemError)
	if n == nil || n.webhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Send(ctx, systemError, fields); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}()
}
