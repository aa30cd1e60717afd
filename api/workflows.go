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
	"strconv"

	model2 "github.com/blnkfinance/spool/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) EnqueueWorkflowItem(c *gin.Context) {
	collection := c.Param("collection")

	var req model2.EnqueueWorkflowItem
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateEnqueue(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	item, err := a.spool.Enqueue(c.Request.Context(), collection, req.ContentRef, req.MetaData)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (a Api) ListWorkflowItems(c *gin.Context) {
	collection := c.Param("collection")

	var req model2.ListWorkflowItems
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateList(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	brand, ok := a.spool.Config().Brand(collection)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection " + collection + " is not configured"})
		return
	}

	items, err := a.spool.ListItems(c.Request.Context(), req.ToFilter(brand.Collection))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, items)
}

func (a Api) GetQueueStats(c *gin.Context) {
	stats, err := a.spool.Stats(c.Request.Context(), c.Param("collection"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Dispatch runs one dispatch for the collection. With ?async=true the run is
// handed to the workers instead and the task id is returned.
func (a Api) Dispatch(c *gin.Context) {
	collection := c.Param("collection")
	async, _ := strconv.ParseBool(c.Query("async"))

	if async {
		brand, ok := a.spool.Config().Brand(collection)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "collection " + collection + " is not configured"})
			return
		}
		q := a.spool.Queue()
		if q == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue is not configured"})
			return
		}
		info, err := q.EnqueueDispatch(c.Request.Context(), brand.Collection)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "queue": info.Queue})
		return
	}

	result, err := a.spool.Dispatch(c.Request.Context(), collection)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (a Api) ResetCycle(c *gin.Context) {
	collection := c.Param("collection")
	count, err := a.spool.ResetCycle(c.Request.Context(), collection)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"collection": collection, "reset": count})
}

func (a Api) SyncWorkflow(c *gin.Context) {
	var req model2.SyncWorkflow
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateSync(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := a.spool.SyncWithActiveContent(c.Request.Context(), c.Param("collection"), req.Active)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (a Api) GetWorkflowItem(c *gin.Context) {
	item, err := a.spool.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (a Api) RetryWorkflowItem(c *gin.Context) {
	item, err := a.spool.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}
