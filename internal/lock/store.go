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
	"time"

	"github.com/blnkfinance/spool/model"
)

// Outcome is the result of an acquisition attempt against a Store.
type Outcome int

const (
	// Held means a valid record owned by someone else exists.
	Held Outcome = iota
	// Acquired means no record existed and a new one was written.
	Acquired
	// Reclaimed means an expired record was overwritten.
	Reclaimed
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Reclaimed:
		return "reclaimed"
	default:
		return "held"
	}
}

// Store persists cron lock records. Implementations must perform Acquire as a
// single atomic compare-and-set: read the record, treat it as absent when
// expires_at <= now, and write the new record in the same step.
type Store interface {
	Acquire(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (Outcome, error)
	Release(ctx context.Context, name, token string) (bool, error)
	Extend(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (bool, error)
	Get(ctx context.Context, name string) (*model.CronLock, error)
}
