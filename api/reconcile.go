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

	model2 "github.com/blnkfinance/spool/api/model"
	"github.com/gin-gonic/gin"
)

// Reconcile runs a reconciliation pass over every brand, or queues one for
// the workers when async is set.
func (a Api) Reconcile(c *gin.Context) {
	var req model2.Reconcile
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := req.ValidateReconcile(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if req.Async {
		q := a.spool.Queue()
		if q == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue is not configured"})
			return
		}
		info, err := q.EnqueueReconcile(c.Request.Context(), req.Threshold())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "queue": info.Queue})
		return
	}

	report, err := a.spool.ReconcileStuckItems(c.Request.Context(), req.Threshold())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
