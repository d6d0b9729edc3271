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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

// Watermarks is a watermark.Store backed by meter_watermarks.
type Watermarks struct {
	pool *pgxpool.Pool
}

var _ watermark.Store = (*Watermarks)(nil)

func NewWatermarks(pool *pgxpool.Pool) *Watermarks {
	return &Watermarks{pool: pool}
}

func (w *Watermarks) Track(ctx context.Context, permissionID, meterID string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO meter_watermarks (permission_id, meter_id) VALUES ($1, $2)
		 ON CONFLICT (permission_id, meter_id) DO NOTHING`, permissionID, meterID)
	if err != nil {
		return fmt.Errorf("track meter %s of permission %s: %w", meterID, permissionID, err)
	}

	return nil
}

func (w *Watermarks) Get(ctx context.Context, permissionID, meterID string) (*time.Time, error) {
	var lastRead *time.Time
	err := w.pool.QueryRow(ctx,
		`SELECT last_read FROM meter_watermarks WHERE permission_id = $1 AND meter_id = $2`,
		permissionID, meterID).Scan(&lastRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, watermark.ErrUntracked
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark of meter %s: %w", meterID, err)
	}

	return utc(lastRead), nil
}

// Advance relies on the conditional update for monotonicity.
func (w *Watermarks) Advance(ctx context.Context, permissionID, meterID string, readAt time.Time) (bool, error) {
	tag, err := w.pool.Exec(ctx,
		`UPDATE meter_watermarks SET last_read = $3
		 WHERE permission_id = $1 AND meter_id = $2 AND (last_read IS NULL OR last_read < $3)`,
		permissionID, meterID, readAt)
	if err != nil {
		return false, fmt.Errorf("advance watermark of meter %s: %w", meterID, err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := w.Get(ctx, permissionID, meterID); err != nil {
		return false, err
	}

	return false, nil
}

func (w *Watermarks) List(ctx context.Context, permissionID string) (map[string]*time.Time, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT meter_id, last_read FROM meter_watermarks WHERE permission_id = $1`, permissionID)
	if err != nil {
		return nil, fmt.Errorf("list watermarks of permission %s: %w", permissionID, err)
	}
	defer rows.Close()

	marks := make(map[string]*time.Time)
	for rows.Next() {
		var (
			meterID  string
			lastRead *time.Time
		)
		if err := rows.Scan(&meterID, &lastRead); err != nil {
			return nil, err
		}
		marks[meterID] = utc(lastRead)
	}

	return marks, rows.Err()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()

	return &u
}
