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
	"net/http"

	"github.com/blnkfinance/spool"
	"github.com/blnkfinance/spool/api/middleware"
	"github.com/blnkfinance/spool/internal/apierror"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	spool  *spool.Spool
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/workflows/:collection", a.EnqueueWorkflowItem)
	router.GET("/workflows/:collection", a.ListWorkflowItems)
	router.GET("/workflows/:collection/stats", a.GetQueueStats)
	router.POST("/workflows/:collection/dispatch", a.Dispatch)
	router.POST("/workflows/:collection/reset-cycle", a.ResetCycle)
	router.POST("/workflows/:collection/sync", a.SyncWorkflow)

	router.GET("/workflow-items/:id", a.GetWorkflowItem)
	router.POST("/workflow-items/:id/retry", a.RetryWorkflowItem)

	router.POST("/reconcile", a.Reconcile)

	router.POST("/callbacks/asset/:collection", a.AssetCallback)
	router.POST("/callbacks/export/:collection", a.ExportCallback)
	return a.router
}

func NewAPI(s *spool.Spool) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := s.Config()

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{spool: s, router: r}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request handled")
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}
