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

package trace

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type exported struct {
	body     string
	severity log.Severity
	attrs    map[string]string
}

type captureExporter struct {
	mu      sync.Mutex
	records []exported
}

func (c *captureExporter) Export(_ context.Context, records []sdklog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		e := exported{body: r.Body().AsString(), severity: r.Severity(), attrs: map[string]string{}}
		r.WalkAttributes(func(kv log.KeyValue) bool {
			e.attrs[kv.Key] = kv.Value.AsString()
			return true
		})
		c.records = append(c.records, e)
	}
	return nil
}

func (c *captureExporter) Shutdown(context.Context) error   { return nil }
func (c *captureExporter) ForceFlush(context.Context) error { return nil }

func TestLogHook(t *testing.T) {
	exp := &captureExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewLogHook(provider, "spool-test"))

	logger.WithFields(logrus.Fields{
		"item_id":    "wfi_1",
		"collection": "homes_workflow_queue",
	}).WithError(errors.New("poll failed")).Warn("requeued after transient failure")

	require.Len(t, exp.records, 1)
	rec := exp.records[0]
	assert.Equal(t, "requeued after transient failure", rec.body)
	assert.Equal(t, log.SeverityWarn, rec.severity)
	assert.Equal(t, "wfi_1", rec.attrs["item_id"])
	assert.Equal(t, "homes_workflow_queue", rec.attrs["collection"])
	assert.Equal(t, "poll failed", rec.attrs["error"])
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, log.SeverityDebug, severity(logrus.DebugLevel))
	assert.Equal(t, log.SeverityInfo, severity(logrus.InfoLevel))
	assert.Equal(t, log.SeverityError, severity(logrus.ErrorLevel))
	assert.Equal(t, log.SeverityFatal, severity(logrus.PanicLevel))
}
