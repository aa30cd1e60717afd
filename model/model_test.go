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

package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "wfi"
	id := GenerateUUIDWithSuffix(module)
	assert.True(t, strings.HasPrefix(id, module+"_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix(module))
}

func TestCollectionFor(t *testing.T) {
	assert.Equal(t, "listings_workflow_queue", CollectionFor("listings"))
}
