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
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/spool"
	model2 "github.com/blnkfinance/spool/api/model"
	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/database"
	"github.com/blnkfinance/spool/internal/request"
	"github.com/blnkfinance/spool/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testCollection = "listings_workflow_queue"

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		if err := json.NewDecoder(resp.Body).Decode(s.Response); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func setupRouter(t *testing.T, cnf *config.Configuration) (*gin.Engine, *spool.Spool, *spool.MockGateway) {
	t.Helper()
	if cnf == nil {
		cnf = &config.Configuration{}
	}
	if len(cnf.Brands) == 0 {
		cnf.Brands = []config.BrandConfig{{Name: "listings", PostProfileID: "profile_1"}}
	}
	cnf = config.MockConfig(cnf)

	gw := &spool.MockGateway{}
	s, err := spool.NewSpool(cnf, database.NewMemoryDatasource(), spool.WithGateway(gw))
	require.NoError(t, err)
	return NewAPI(s).Router(), s, gw
}

func enqueuePayload(t *testing.T) io.Reader {
	t.Helper()
	payload, err := request.ToJsonReq(model2.EnqueueWorkflowItem{
		ContentRef: gofakeit.UUID(),
		MetaData: map[string]interface{}{
			"title":   gofakeit.Sentence(4),
			"script":  gofakeit.Paragraph(1, 2, 10, " "),
			"caption": gofakeit.Sentence(6),
		},
	})
	require.NoError(t, err)
	return payload
}

func TestHealth(t *testing.T) {
	router, _, _ := setupRouter(t, nil)
	var response string
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/", Response: &response})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "server running...", response)
}

func TestEnqueueWorkflowItem(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	tests := []struct {
		name       string
		collection string
		payload    io.Reader
		wantStatus int
	}{
		{name: "valid item", collection: testCollection, payload: enqueuePayload(t), wantStatus: http.StatusCreated},
		{name: "by brand name", collection: "listings", payload: enqueuePayload(t), wantStatus: http.StatusCreated},
		{name: "missing content ref", collection: testCollection, payload: mustJSON(t, map[string]string{}), wantStatus: http.StatusBadRequest},
		{name: "unknown collection", collection: "nope", payload: enqueuePayload(t), wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var response map[string]interface{}
			resp, err := SetUpTestRequest(TestRequest{
				Router:   router,
				Method:   http.MethodPost,
				Route:    "/workflows/" + tt.collection,
				Payload:  tt.payload,
				Response: &response,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantStatus == http.StatusCreated {
				assert.Equal(t, testCollection, response["collection"])
				assert.Equal(t, string(model.QueueStatusQueued), response["queue_status"])
				assert.Equal(t, string(model.StagePending), response["stage"])
			}
		})
	}
}

func TestListAndStats(t *testing.T) {
	router, s, _ := setupRouter(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, testCollection, gofakeit.UUID(), nil)
		require.NoError(t, err)
	}

	var items []map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflows/listings?limit=2", Response: &items})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, items, 2)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflows/listings?stage=bogus", Response: &map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	var stats model.QueueStats
	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflows/" + testCollection + "/stats", Response: &stats})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Queued)
}

func TestDispatchAndCallbacks(t *testing.T) {
	router, s, gw := setupRouter(t, nil)
	item, err := s.Enqueue(context.Background(), testCollection, gofakeit.UUID(), map[string]interface{}{
		"title":  "Spring listing",
		"script": "A bright two bedroom flat.",
	})
	require.NoError(t, err)

	gw.On("StartAssetGeneration", mock.Anything, mock.Anything).Return("vid_1", nil).Once()
	var dispatch spool.DispatchResult
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: "/workflows/" + testCollection + "/dispatch", Response: &dispatch})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, spool.OutcomeDispatched, dispatch.Outcome)

	gw.On("StartExport", mock.Anything, mock.Anything).Return("proj_1", nil).Once()
	var cb spool.CallbackResult
	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/callbacks/asset/" + testCollection,
		Payload:  mustJSON(t, spool.CallbackPayload{JobID: "vid_1", Status: "completed", URL: "https://cdn.test/vid_1.mp4"}),
		Response: &cb,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, item.ID, cb.ItemID)
	assert.Equal(t, spool.OutcomeAdvanced, cb.Outcome)

	gw.On("DispatchPost", mock.Anything, mock.Anything).Return("post_1", nil).Once()
	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/callbacks/export/" + testCollection,
		Payload:  mustJSON(t, spool.CallbackPayload{JobID: "proj_1", Status: "completed", URL: "https://dl.test/proj_1.mp4"}),
		Response: &cb,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, spool.OutcomeCompleted, cb.Outcome)

	var got map[string]interface{}
	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflow-items/" + item.ID, Response: &got})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, string(model.StageCompleted), got["stage"])
	assert.Equal(t, "post_1", got["post_result_id"])
	gw.AssertExpectations(t)
}

func TestCallback_InvalidPayload(t *testing.T) {
	router, _, _ := setupRouter(t, nil)
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/callbacks/asset/" + testCollection,
		Payload:  mustJSON(t, map[string]string{"status": "completed"}),
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAsyncDispatchWithoutQueue(t *testing.T) {
	router, _, _ := setupRouter(t, nil)
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/workflows/" + testCollection + "/dispatch?async=true",
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestResetCycleSyncAndRetry(t *testing.T) {
	router, s, _ := setupRouter(t, nil)
	ctx := context.Background()
	item, err := s.Enqueue(ctx, testCollection, "listing_1", nil)
	require.NoError(t, err)
	next, err := s.DequeueNext(ctx, testCollection)
	require.NoError(t, err)
	require.NoError(t, s.CompleteCycle(ctx, next.ID))

	var reset map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: "/workflows/" + testCollection + "/reset-cycle", Response: &reset})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, 1, reset["reset"])

	var sync model.SyncResult
	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/workflows/" + testCollection + "/sync",
		Payload:  mustJSON(t, model2.SyncWorkflow{Active: []model.ActiveContent{{ContentRef: "listing_2"}}}),
		Response: &sync,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.SyncResult{Added: 1, Removed: 1}, sync)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/workflows/" + testCollection + "/sync",
		Payload:  mustJSON(t, model2.SyncWorkflow{Active: []model.ActiveContent{{ContentRef: "a"}, {ContentRef: "a"}}}),
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflow-items/" + item.ID, Response: &map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	items, err := s.ListItems(ctx, model.ItemFilter{Collection: testCollection})
	require.NoError(t, err)
	require.Len(t, items, 1)
	resp, err = SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: fmt.Sprintf("/workflow-items/%s/retry", items[0].ID), Response: &map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t, nil)

	var report spool.ReconcileReport
	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodPost, Route: "/reconcile", Response: &report})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, report.Skipped)
	require.Len(t, report.Brands, 1)
	assert.Equal(t, testCollection, report.Brands[0].Collection)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/reconcile",
		Payload:  mustJSON(t, model2.Reconcile{ThresholdSeconds: -1}),
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSecureRoutesRequireKey(t *testing.T) {
	router, _, _ := setupRouter(t, &config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "s3cret"}})

	resp, err := SetUpTestRequest(TestRequest{Router: router, Method: http.MethodGet, Route: "/workflows/" + testCollection + "/stats", Response: &map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/workflows/" + testCollection + "/stats",
		Header:   map[string]string{"X-Spool-Key": "s3cret"},
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func mustJSON(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	payload, err := request.ToJsonReq(v)
	require.NoError(t, err)
	return payload
}
