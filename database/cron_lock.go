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
	"context"
	"database/sql"
	"time"

	"github.com/blnkfinance/spool/internal/lock"
	"github.com/blnkfinance/spool/model"
	"go.opentelemetry.io/otel"
)

// LockStore keeps cron locks in spool.cron_locks. Acquisition is a single
// upsert whose update only fires when the existing row has expired.
type LockStore struct {
	Conn *sql.DB
}

func (l *LockStore) Acquire(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (lock.Outcome, error) {
	ctx, span := otel.Tracer("lock.database").Start(ctx, "Acquire Cron Lock")
	defer span.End()

	var inserted bool
	err := l.Conn.QueryRowContext(ctx, `
		INSERT INTO spool.cron_locks (lock_name, owner_token, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_name) DO UPDATE
		SET owner_token = EXCLUDED.owner_token,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE spool.cron_locks.expires_at <= EXCLUDED.acquired_at
		RETURNING (xmax = 0) AS inserted
	`, name, token, now, now.Add(ttl)).Scan(&inserted)
	if err == sql.ErrNoRows {
		return lock.Held, nil
	}
	if err != nil {
		return lock.Held, err
	}
	if inserted {
		return lock.Acquired, nil
	}
	return lock.Reclaimed, nil
}

func (l *LockStore) Release(ctx context.Context, name, token string) (bool, error) {
	ctx, span := otel.Tracer("lock.database").Start(ctx, "Release Cron Lock")
	defer span.End()

	result, err := l.Conn.ExecContext(ctx, `DELETE FROM spool.cron_locks WHERE lock_name = $1 AND owner_token = $2`, name, token)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (l *LockStore) Extend(ctx context.Context, name, token string, now time.Time, ttl time.Duration) (bool, error) {
	ctx, span := otel.Tracer("lock.database").Start(ctx, "Extend Cron Lock")
	defer span.End()

	result, err := l.Conn.ExecContext(ctx, `
		UPDATE spool.cron_locks SET expires_at = $4
		WHERE lock_name = $1 AND owner_token = $2 AND expires_at > $3
	`, name, token, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (l *LockStore) Get(ctx context.Context, name string) (*model.CronLock, error) {
	ctx, span := otel.Tracer("lock.database").Start(ctx, "Get Cron Lock")
	defer span.End()

	record := model.CronLock{}
	err := l.Conn.QueryRowContext(ctx, `
		SELECT lock_name, owner_token, acquired_at, expires_at
		FROM spool.cron_locks
		WHERE lock_name = $1
	`, name).Scan(&record.LockName, &record.OwnerToken, &record.AcquiredAt, &record.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
