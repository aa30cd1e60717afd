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

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const pingTimeout = 500 * time.Millisecond

// Redis wraps the client shared by the lock store, the idempotency cache and
// the asynq connection options.
type Redis struct {
	opts   *redis.Options
	client redis.UniversalClient
}

// ParseRedisURL turns a configured DSN into client options. Plain host:port
// addresses are used as is; URLs carrying a bare password are normalised
// before parsing.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis dsn is empty")
	}

	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	for _, scheme := range []string{"redis://", "rediss://"} {
		if !strings.HasPrefix(rawURL, scheme) || !strings.Contains(rawURL, "@") {
			continue
		}
		userinfo, host, _ := strings.Cut(strings.TrimPrefix(rawURL, scheme), "@")
		if !strings.Contains(userinfo, ":") {
			rawURL = fmt.Sprintf("%s:%s@%s", scheme, userinfo, host)
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis dsn: %w", err)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}
	return opts, nil
}

// NewRedisClient connects to dsn and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, dsn string, skipTLSVerify bool) (*Redis, error) {
	opts, err := ParseRedisURL(dsn, skipTLSVerify)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logrus.WithField("addr", opts.Addr).Debug("connected to redis")
	return &Redis{opts: opts, client: client}, nil
}

// Client returns the underlying client for direct use.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Options returns the parsed connection options, used to build asynq's
// connection settings from the same DSN.
func (r *Redis) Options() *redis.Options {
	return r.opts
}

func (r *Redis) Close() error {
	return r.client.Close()
}
