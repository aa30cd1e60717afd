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

package database

import (
	"testing"

	"github.com/blnkfinance/spool/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDataSource_Memory(t *testing.T) {
	cnf := config.MockConfig(&config.Configuration{DataSource: config.DataSourceConfig{Dns: " memory://"}})

	ds, err := NewDataSource(cnf)
	require.NoError(t, err)
	_, ok := ds.(*MemoryDatasource)
	assert.True(t, ok)
	assert.NotNil(t, ds.LockStore())
	assert.NoError(t, ds.Close())
}

func TestIsMemoryDSN(t *testing.T) {
	assert.True(t, IsMemoryDSN("memory://"))
	assert.True(t, IsMemoryDSN("memory://test"))
	assert.False(t, IsMemoryDSN("postgres://postgres:@localhost:5432/spool?sslmode=disable"))
	assert.False(t, IsMemoryDSN(""))
}

func TestConnectDB_Failure(t *testing.T) {
	_, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
}

func TestNewDataSource_Failure(t *testing.T) {
	cnf := &config.Configuration{DataSource: config.DataSourceConfig{Dns: "postgres://nobody@127.0.0.1:1/spool?sslmode=disable&connect_timeout=1"}}
	_, err := NewDataSource(cnf)
	assert.Error(t, err)
}
