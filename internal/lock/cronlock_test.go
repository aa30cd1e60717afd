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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLock(t *testing.T) (*CronLock, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewCronLock(NewRedisStore(client), 5*time.Minute, WithClock(clock.Now)), clock, mr
}

func TestCronLock_AcquireTwiceThenAfterTTL(t *testing.T) {
	cl, clock, _ := newTestLock(t)
	ctx := context.Background()

	first, ok := cl.Acquire(ctx, "sync")
	require.True(t, ok)
	assert.False(t, first.Reclaimed)
	assert.Equal(t, clock.now.Add(5*time.Minute), first.ExpiresAt)

	_, ok = cl.Acquire(ctx, "sync")
	assert.False(t, ok, "second acquire before expiry must fail")

	clock.Advance(5*time.Minute - time.Millisecond)
	_, ok = cl.Acquire(ctx, "sync")
	assert.False(t, ok, "lock is still valid one millisecond before expiry")

	clock.Advance(time.Millisecond)
	third, ok := cl.Acquire(ctx, "sync")
	require.True(t, ok, "acquire at expiry must succeed")
	assert.True(t, third.Reclaimed)
	assert.NotEqual(t, first.Token, third.Token)
}

func TestCronLock_ReleaseChecksOwnership(t *testing.T) {
	cl, clock, _ := newTestLock(t)
	ctx := context.Background()

	a, ok := cl.Acquire(ctx, "x")
	require.True(t, ok)

	clock.Advance(6 * time.Minute)
	b, ok := cl.Acquire(ctx, "x")
	require.True(t, ok)

	cl.Release(ctx, "x", a.Token)

	stored, err := cl.Inspect(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, b.Token, stored.OwnerToken)

	cl.Release(ctx, "x", b.Token)
	stored, err = cl.Inspect(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCronLock_LocksAreIndependentByName(t *testing.T) {
	cl, _, _ := newTestLock(t)
	ctx := context.Background()

	_, ok := cl.Acquire(ctx, "dispatch:carz_workflow_queue")
	require.True(t, ok)
	_, ok = cl.Acquire(ctx, "dispatch:benefit_workflow_queue")
	assert.True(t, ok)
}

func TestCronLock_Refresh(t *testing.T) {
	cl, clock, _ := newTestLock(t)
	ctx := context.Background()

	lease, ok := cl.Acquire(ctx, "reconcile")
	require.True(t, ok)

	clock.Advance(4 * time.Minute)
	refreshed, err := cl.Refresh(ctx, "reconcile", lease.Token)
	require.NoError(t, err)
	assert.True(t, refreshed)

	refreshed, err = cl.Refresh(ctx, "reconcile", "someone-else")
	require.NoError(t, err)
	assert.False(t, refreshed)

	clock.Advance(4 * time.Minute)
	_, ok = cl.Acquire(ctx, "reconcile")
	assert.False(t, ok, "refreshed lock must still be valid")

	stored, err := cl.Inspect(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, lease.AcquiredAt.Add(9*time.Minute).UnixMilli(), stored.ExpiresAt.UnixMilli())
}

func TestCronLock_RefreshExpiredLockFails(t *testing.T) {
	cl, clock, _ := newTestLock(t)
	ctx := context.Background()

	lease, ok := cl.Acquire(ctx, "reconcile")
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	refreshed, err := cl.Refresh(ctx, "reconcile", lease.Token)
	require.NoError(t, err)
	assert.False(t, refreshed)
}

func TestCronLock_WithLock(t *testing.T) {
	cl, _, _ := newTestLock(t)
	ctx := context.Background()

	ran := false
	err := cl.WithLock(ctx, "dispatch", func(ctx context.Context) error {
		ran = true
		_, ok := cl.Acquire(ctx, "dispatch")
		assert.False(t, ok, "lock must be held while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	stored, err := cl.Inspect(ctx, "dispatch")
	require.NoError(t, err)
	assert.Nil(t, stored, "lock must be released after fn")
}

func TestCronLock_WithLeaseRefreshKeepsOwnership(t *testing.T) {
	cl, clock, _ := newTestLock(t)
	ctx := context.Background()

	err := cl.WithLease(ctx, "reconcile", func(ctx context.Context, lease Lease) error {
		clock.Advance(4 * time.Minute)
		refreshed, err := cl.Refresh(ctx, lease.Name, lease.Token)
		require.NoError(t, err)
		assert.True(t, refreshed)

		clock.Advance(4 * time.Minute)
		_, ok := cl.Acquire(ctx, "reconcile")
		assert.False(t, ok, "refreshed lease must still exclude a second invocation")
		return nil
	})
	require.NoError(t, err)

	stored, err := cl.Inspect(ctx, "reconcile")
	require.NoError(t, err)
	assert.Nil(t, stored, "owner must still be able to release after refreshing")
}

func TestCronLock_WithLockReleasesOnError(t *testing.T) {
	cl, _, _ := newTestLock(t)
	ctx := context.Background()

	boom := errors.New("dispatch failed")
	err := cl.WithLock(ctx, "dispatch", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	stored, err := cl.Inspect(ctx, "dispatch")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCronLock_WithLockReleasesOnPanic(t *testing.T) {
	cl, _, _ := newTestLock(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = cl.WithLock(ctx, "dispatch", func(context.Context) error { panic("boom") })
	})

	stored, err := cl.Inspect(ctx, "dispatch")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCronLock_WithLockSkipsWhenHeld(t *testing.T) {
	cl, _, _ := newTestLock(t)
	ctx := context.Background()

	_, ok := cl.Acquire(ctx, "dispatch")
	require.True(t, ok)

	called := false
	err := cl.WithLock(ctx, "dispatch", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrContention)
	assert.False(t, called)
}

func TestCronLock_FailsOpenWhenStoreUnreachable(t *testing.T) {
	cl, _, mr := newTestLock(t)
	mr.Close()

	lease, ok := cl.Acquire(context.Background(), "dispatch")
	assert.True(t, ok)
	assert.True(t, lease.Degraded)

	called := false
	err := cl.WithLock(context.Background(), "dispatch", func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}
