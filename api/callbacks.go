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
	"net/http"

	"github.com/blnkfinance/spool"
	"github.com/gin-gonic/gin"
)

type callbackHandler func(ctx context.Context, collection string, payload spool.CallbackPayload) (*spool.CallbackResult, error)

func (a Api) AssetCallback(c *gin.Context) {
	a.callback(c, a.spool.HandleAssetCallback)
}

func (a Api) ExportCallback(c *gin.Context) {
	a.callback(c, a.spool.HandleExportCallback)
}

// callback applies a job notification. Repeated notifications for the same
// job are acknowledged with 200 so the sender stops retrying.
func (a Api) callback(c *gin.Context, handle callbackHandler) {
	var payload spool.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := handle(c.Request.Context(), c.Param("collection"), payload)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
