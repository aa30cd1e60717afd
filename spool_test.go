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
	"testing"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/database"
	"github.com/blnkfinance/spool/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollection = "listings_workflow_queue"

type testEnv struct {
	spool   *Spool
	db      *database.MemoryDatasource
	gateway *MockGateway
	clock   *MockClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	cnf := config.MockConfig(&config.Configuration{
		Brands: []config.BrandConfig{{Name: "listings", Platforms: []string{"instagram", "tiktok"}, PostProfileID: "profile_1"}},
	})
	env := &testEnv{
		db:      database.NewMemoryDatasource(),
		gateway: &MockGateway{},
		clock:   NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}

	opts = append([]Option{WithGateway(env.gateway), WithClock(env.clock.Now)}, opts...)
	s, err := NewSpool(cnf, env.db, opts...)
	require.NoError(t, err)
	env.spool = s
	return env
}

// enqueue adds n items with generated content and returns them in order.
func (e *testEnv) enqueue(t *testing.T, n int) []*model.WorkflowItem {
	t.Helper()
	items := make([]*model.WorkflowItem, 0, n)
	for i := 0; i < n; i++ {
		item, err := e.spool.Enqueue(context.Background(), testCollection, gofakeit.UUID(), map[string]interface{}{
			"title":   gofakeit.Sentence(4),
			"script":  gofakeit.Paragraph(1, 3, 12, " "),
			"caption": gofakeit.Sentence(8),
		})
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func (e *testEnv) get(t *testing.T, id string) *model.WorkflowItem {
	t.Helper()
	item, err := e.spool.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestNewSpoolRequiresDependencies(t *testing.T) {
	_, err := NewSpool(nil, database.NewMemoryDatasource())
	assert.Error(t, err)

	_, err = NewSpool(config.MockConfig(&config.Configuration{}), nil)
	assert.Error(t, err)
}

func TestNewSpoolDefaults(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	s, err := NewSpool(cnf, database.NewMemoryDatasource())
	require.NoError(t, err)

	assert.NotNil(t, s.gateway)
	assert.NotNil(t, s.cache)
	assert.NotNil(t, s.Lock())
	assert.Nil(t, s.Queue())
	assert.Equal(t, cnf, s.Config())
	assert.NoError(t, s.Shutdown(context.Background()))
}
