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

package lock

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/spool/model"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is the validity of a lock that is never refreshed.
const DefaultTTL = 5 * time.Minute

// ErrContention is reported when another invocation holds the lock. It describes
// expected steady-state overlap and is never treated as a failure.
var ErrContention = errors.New("lock is held by another invocation")

// Lease is a successful acquisition.
type Lease struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	// Reclaimed is set when an expired lock of a previous holder was overwritten.
	Reclaimed bool
	// Degraded is set when the store was unreachable and the lock failed open.
	Degraded bool
}

// CronLock guards scheduled jobs so only one invocation of each runs at a time.
type CronLock struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	newToken func() string
}

type Option func(*CronLock)

// WithClock replaces the wall clock used for acquisition and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *CronLock) { c.now = now }
}

// WithTokenSource replaces the owner token generator.
func WithTokenSource(fn func() string) Option {
	return func(c *CronLock) { c.newToken = fn }
}

func NewCronLock(store Store, ttl time.Duration, opts ...Option) *CronLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &CronLock{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		newToken: func() string { return model.GenerateUUIDWithSuffix("lock") },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lock validity period.
func (c *CronLock) TTL() time.Duration {
	return c.ttl
}

// Acquire tries to take the named lock with a fresh owner token. It returns false
// when a non-expired lock exists. If the store cannot be reached the lock fails
// open: the caller proceeds with a degraded lease.
func (c *CronLock) Acquire(ctx context.Context, name string) (Lease, bool) {
	now := c.now()
	lease := Lease{
		Name:       name,
		Token:      c.newToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}
	log := logrus.WithField("lock", name)

	outcome, err := c.store.Acquire(ctx, name, lease.Token, now, c.ttl)
	if err != nil {
		log.WithError(err).Warn("lock store unreachable, proceeding without lock")
		lease.Degraded = true
		return lease, true
	}

	switch outcome {
	case Held:
		log.Info("lock held by another invocation, skipping")
		return Lease{}, false
	case Reclaimed:
		log.Warn("reclaimed expired lock; previous holder did not release it")
		lease.Reclaimed = true
	}
	return lease, true
}

// Release deletes the named lock only if token still owns it. A mismatch means
// the lock expired and was taken by someone else; it is logged and left alone.
func (c *CronLock) Release(ctx context.Context, name, token string) {
	log := logrus.WithField("lock", name)
	released, err := c.store.Release(ctx, name, token)
	if err != nil {
		log.WithError(err).Error("failed to release lock")
		return
	}
	if !released {
		log.WithField("owner_token", token).Warn("lock not released: no longer owned by this invocation")
	}
}

// Refresh pushes the expiry of a held lock to now+TTL. It returns false if the
// token no longer owns a valid lock.
func (c *CronLock) Refresh(ctx context.Context, name, token string) (bool, error) {
	return c.store.Extend(ctx, name, token, c.now(), c.ttl)
}

// Inspect returns the stored lock record, or nil when none exists.
func (c *CronLock) Inspect(ctx context.Context, name string) (*model.CronLock, error) {
	return c.store.Get(ctx, name)
}

// WithLock runs fn while holding the named lock. When the lock is held elsewhere
// fn is skipped and ErrContention is returned. The lock is always released after
// fn returns, including when it fails or panics.
func (c *CronLock) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.WithLease(ctx, name, func(ctx context.Context, _ Lease) error {
		return fn(ctx)
	})
}

// WithLease is WithLock for callers that outlive a single TTL: fn receives the
// lease so it can Refresh it as it makes progress.
func (c *CronLock) WithLease(ctx context.Context, name string, fn func(ctx context.Context, lease Lease) error) error {
	lease, ok := c.Acquire(ctx, name)
	if !ok {
		return ErrContention
	}
	if !lease.Degraded {
		defer c.Release(context.WithoutCancel(ctx), name, lease.Token)
	}
	return fn(ctx, lease)
}
