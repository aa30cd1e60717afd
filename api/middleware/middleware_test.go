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
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blnkfinance/spool/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/wacul/ptr"
)

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/", func(c *gin.Context) { c.JSON(http.StatusOK, "ok") })
	r.GET("/workflows/x", func(c *gin.Context) { c.JSON(http.StatusOK, "ok") })
	return r
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "s3cret"}})
	router := newTestRouter(SecretKeyAuthMiddleware(cnf))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{name: "health is open", path: "/", status: http.StatusOK},
		{name: "missing key", path: "/workflows/x", status: http.StatusUnauthorized},
		{name: "wrong key", path: "/workflows/x", key: "nope", status: http.StatusUnauthorized},
		{name: "valid key", path: "/workflows/x", key: "s3cret", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(KeyHeader, tt.key)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			assert.Equal(t, tt.status, resp.Code)
		})
	}
}

func TestSecretKeyAuthMiddleware_NoKeyConfigured(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true}})
	router := newTestRouter(SecretKeyAuthMiddleware(cnf))

	req := httptest.NewRequest(http.MethodGet, "/workflows/x", nil)
	req.Header.Set(KeyHeader, "anything")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: ptr.Float64(1), Burst: ptr.Int(1)},
	})
	router := newTestRouter(RateLimitMiddleware(cnf))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/workflows/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{})
	router := newTestRouter(RateLimitMiddleware(cnf))

	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/workflows/x", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
	}
}
