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

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache stores small records shared between invocations, such as the
// processed-callback markers used for webhook idempotency.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get loads the value under key into data. It reports false on a miss.
	Get(ctx context.Context, key string, data interface{}) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// cacheSize is the number of entries kept in the in-process TinyLFU layer.
const cacheSize = 128000

// RedisCache keeps entries in Redis with a small in-process layer in front.
type RedisCache struct {
	cache *cache.Cache
}

// NewCache builds a cache over an existing Redis client.
func NewCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{cache: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, time.Minute),
	})}
}

// NewLocalCache builds a process-local cache whose entries live for ttl. It is
// used when no Redis is configured.
func NewLocalCache(ttl time.Duration) *RedisCache {
	return &RedisCache{cache: cache.New(&cache.Options{
		LocalCache: cache.NewTinyLFU(cacheSize, ttl),
	})}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

// IdempotencyKey names the marker of a processed service callback.
func IdempotencyKey(service, jobID, collection string) string {
	return fmt.Sprintf("spool:idempotency:%s:%s:%s", service, jobID, collection)
}
