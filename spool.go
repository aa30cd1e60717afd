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
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/database"
	"github.com/blnkfinance/spool/internal/apierror"
	mirror "github.com/blnkfinance/spool/internal/asset-mirror"
	"github.com/blnkfinance/spool/internal/cache"
	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/blnkfinance/spool/internal/lock"
	"github.com/blnkfinance/spool/internal/notification"
	redis_db "github.com/blnkfinance/spool/internal/redis-db"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("spool")

type assetMirror interface {
	Copy(ctx context.Context, sourceURL, key string) (string, error)
}

// Spool is the process-wide handle that owns every shared client. It is built
// once by Init (or NewSpool in tests) and passed to the API, the workers and
// the CLI.
type Spool struct {
	cnf        *config.Configuration
	datasource database.IDataSource
	gateway    gateway.Gateway
	lockStore  lock.Store
	lock       *lock.CronLock
	queue      *Queue
	cache      cache.Cache
	mirror     assetMirror
	notifier   *notification.Notifier
	redis      *redis_db.Redis
	now        func() time.Time
}

type Option func(*Spool)

// WithClock replaces the wall clock used for timestamps, staleness and locks.
func WithClock(now func() time.Time) Option {
	return func(s *Spool) { s.now = now }
}

func WithGateway(g gateway.Gateway) Option {
	return func(s *Spool) { s.gateway = g }
}

func WithLockStore(store lock.Store) Option {
	return func(s *Spool) { s.lockStore = store }
}

func WithQueue(q *Queue) Option {
	return func(s *Spool) { s.queue = q }
}

func WithCache(c cache.Cache) Option {
	return func(s *Spool) { s.cache = c }
}

func WithMirror(m assetMirror) Option {
	return func(s *Spool) { s.mirror = m }
}

func WithNotifier(n *notification.Notifier) Option {
	return func(s *Spool) { s.notifier = n }
}

// NewSpool wires a Spool over an open datasource. Anything not supplied through
// options falls back to the datasource lock store, the HTTP gateway and a
// process-local idempotency cache.
func NewSpool(cnf *config.Configuration, db database.IDataSource, opts ...Option) (*Spool, error) {
	if cnf == nil {
		return nil, errors.New("configuration is required")
	}
	if db == nil {
		return nil, errors.New("datasource is required")
	}

	s := &Spool{cnf: cnf, datasource: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.gateway == nil {
		s.gateway = gateway.NewHTTPGateway(cnf.Services)
	}
	if s.lockStore == nil {
		s.lockStore = db.LockStore()
	}
	if s.cache == nil {
		s.cache = cache.NewLocalCache(cnf.IdempotencyTTL())
	}
	if s.notifier == nil {
		s.notifier = notification.New(cnf.Notification.Slack)
	}
	s.lock = lock.NewCronLock(s.lockStore, cnf.LockTTL(), lock.WithClock(s.now))
	return s, nil
}

// Init connects every backing service named in cnf and returns the handle.
// Release it with Shutdown.
func Init(ctx context.Context, cnf *config.Configuration) (*Spool, error) {
	db, err := database.NewDataSource(cnf)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %w", err)
	}

	opts := []Option{}
	var rdb *redis_db.Redis
	if cnf.Redis.Dns != "" {
		rdb, err = redis_db.NewRedisClient(ctx, cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		opts = append(opts,
			WithCache(cache.NewCache(rdb.Client())),
			WithQueue(NewQueue(cnf, rdb.Options())),
		)
		if cnf.Lock.Backend == config.LockBackendRedis {
			opts = append(opts, WithLockStore(lock.NewRedisStore(rdb.Client())))
		}
	}

	m, err := mirror.New(ctx, cnf.ObjectStorage)
	if err != nil {
		logrus.WithError(err).Warn("object storage unavailable, finished assets will not be mirrored")
	} else if m != nil {
		opts = append(opts, WithMirror(m))
	}

	s, err := NewSpool(cnf, db, opts...)
	if err != nil {
		return nil, err
	}
	s.redis = rdb
	return s, nil
}

// Shutdown closes the clients opened by Init.
func (s *Spool) Shutdown(_ context.Context) error {
	var err error
	if s.queue != nil {
		err = errors.Join(err, s.queue.Close())
	}
	if s.redis != nil {
		err = errors.Join(err, s.redis.Close())
	}
	return errors.Join(err, s.datasource.Close())
}

// Config returns the configuration the handle was built with.
func (s *Spool) Config() *config.Configuration {
	return s.cnf
}

// Lock exposes the cron lock so scheduled commands outside the package can
// share the same lock names.
func (s *Spool) Lock() *lock.CronLock {
	return s.lock
}

func (s *Spool) brand(collection string) (config.BrandConfig, error) {
	b, ok := s.cnf.Brand(collection)
	if !ok {
		return config.BrandConfig{}, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("collection %s is not configured", collection), nil)
	}
	return b, nil
}
