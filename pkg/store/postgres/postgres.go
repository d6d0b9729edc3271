// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres persists the event log, permission requests and
// watermarks in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS permission_events (
	seq           BIGSERIAL PRIMARY KEY,
	event_id      UUID NOT NULL UNIQUE,
	permission_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	payload       JSONB NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS permission_events_undispatched
	ON permission_events (seq) WHERE dispatched_at IS NULL;

CREATE TABLE IF NOT EXISTS permission_requests (
	permission_id TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	document      JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS permission_requests_status ON permission_requests (status);

CREATE TABLE IF NOT EXISTS meter_watermarks (
	permission_id TEXT NOT NULL,
	meter_id      TEXT NOT NULL,
	last_read     TIMESTAMPTZ,
	PRIMARY KEY (permission_id, meter_id)
);
`

// Connect opens a pool and checks that the database answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}

	return nil
}

// Healthy is a readiness check.
func Healthy(pool *pgxpool.Pool) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		return pool.Ping(ctx)
	}
}
