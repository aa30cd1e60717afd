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
	"database/sql"
	"strings"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/lock"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// MemoryDSN selects the in-process datasource instead of Postgres.
const MemoryDSN = "memory://"

type Datasource struct {
	Conn *sql.DB
}

// NewDataSource opens the datasource named by the configured DSN. Each call
// returns a new handle; the caller owns it and must Close it.
func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	if IsMemoryDSN(configuration.DataSource.Dns) {
		logrus.Warn("using in-memory datasource; workflow state will not survive a restart")
		return NewMemoryDatasource(), nil
	}

	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con}, nil
}

func IsMemoryDSN(dsn string) bool {
	return strings.HasPrefix(strings.TrimSpace(dsn), MemoryDSN)
}

// ConnectDB establishes a database connection with pooling.
func ConnectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = db.Ping()
	if err != nil {
		logrus.WithError(err).Error("database connection error ❌")
		_ = db.Close()
		return nil, err
	}

	logrus.Info("database connection established ✅")
	return db, nil
}

func (d Datasource) LockStore() lock.Store {
	return &LockStore{Conn: d.Conn}
}

func (d Datasource) Close() error {
	return d.Conn.Close()
}
