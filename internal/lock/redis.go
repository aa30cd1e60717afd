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
	"fmt"
	"strconv"
	"time"

	"github.com/blnkfinance/spool/model"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "spool:cron_lock:"

// Lock records are hashes {owner_token, acquired_at, expires_at} with times in
// unix milliseconds. Expiry is decided against the caller's clock (ARGV), the
// key TTL only garbage-collects abandoned records.
const (
	acquireScript = `local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'owner_token', ARGV[1], 'acquired_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
if exp then
	return 2
end
return 1`

	releaseScript = `if redis.call('HGET', KEYS[1], 'owner_token') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`

	extendScript = `if redis.call('HGET', KEYS[1], 'owner_token') ~= ARGV[1] then
	return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1`
)

// RedisStore keeps cron locks in Redis and applies every state change through a
// Lua script so reads and writes happen atomically on the server.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func lockKey(name string) string {
	return keyPrefix + name
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisStore) Acquire(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (Outcome, error) {
	result, err := r.client.Eval(ctx, acquireScript, []string{lockKey(name)},
		token, millis(now), millis(now.Add(ttl)), strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return Held, err
	}
	switch result {
	case int64(1):
		return Acquired, nil
	case int64(2):
		return Reclaimed, nil
	case int64(0):
		return Held, nil
	}
	return Held, fmt.Errorf("unexpected acquire result %v for lock %s", result, name)
}

func (r *RedisStore) Release(ctx context.Context, name, token string) (bool, error) {
	result, err := r.client.Eval(ctx, releaseScript, []string{lockKey(name)}, token).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

func (r *RedisStore) Extend(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := r.client.Eval(ctx, extendScript, []string{lockKey(name)},
		token, millis(now), millis(now.Add(ttl)), strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

func (r *RedisStore) Get(ctx context.Context, name string) (*model.CronLock, error) {
	fields, err := r.client.HGetAll(ctx, lockKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	acquired, err := strconv.ParseInt(fields["acquired_at"], 10, 64)
	if err != nil {
		return nil, errors.New("malformed acquired_at on lock " + name)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, errors.New("malformed expires_at on lock " + name)
	}

	return &model.CronLock{
		LockName:   name,
		OwnerToken: fields["owner_token"],
		AcquiredAt: time.UnixMilli(acquired).UTC(),
		ExpiresAt:  time.UnixMilli(expires).UTC(),
	}, nil
}
