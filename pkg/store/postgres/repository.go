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
	"sync/atomic"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// Repository stores requests as JSON documents. Reads go through an ARC
// cache that Save keeps current.
type Repository struct {
	pool  *pgxpool.Pool
	cache *lru.ARCCache

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ permission.Repository = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool, cacheSize int) (*Repository, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create permission cache: %w", err)
	}

	return &Repository{pool: pool, cache: cache}, nil
}

func (r *Repository) GetByPermissionID(ctx context.Context, permissionID string) (*permission.Request, error) {
	if doc, ok := r.cache.Get(permissionID); ok {
		r.hits.Add(1)
		return decode(doc.([]byte))
	}
	r.misses.Add(1)

	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT document FROM permission_requests WHERE permission_id = $1`, permissionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", permission.ErrNotFound, permissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load permission %s: %w", permissionID, err)
	}

	r.cache.Add(permissionID, doc)

	return decode(doc)
}

func (r *Repository) Save(ctx context.Context, pr *permission.Request) error {
	if pr == nil || pr.ID == "" {
		return fmt.Errorf("save permission request: missing permission id")
	}

	doc, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("encode permission %s: %w", pr.ID, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO permission_requests (permission_id, status, created_at, document)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (permission_id) DO UPDATE
		 SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = now()`,
		pr.ID, string(pr.CurrentStatus), pr.CreatedAt, doc)
	if err != nil {
		r.cache.Remove(pr.ID)
		return fmt.Errorf("save permission %s: %w", pr.ID, err)
	}

	r.cache.Add(pr.ID, doc)

	return nil
}

// FindByStatus returns the matching requests ordered by creation time.
func (r *Repository) FindByStatus(ctx context.Context, statuses ...permission.Status) ([]*permission.Request, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT document FROM permission_requests WHERE status = ANY($1) ORDER BY created_at, permission_id`, names)
	if err != nil {
		return nil, fmt.Errorf("query permissions by status: %w", err)
	}
	defer rows.Close()

	var out []*permission.Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}

		pr, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}

	return out, rows.Err()
}

// CacheHitRatio is the share of reads served from the cache, in percent.
func (r *Repository) CacheHitRatio() float64 {
	hits := r.hits.Load()
	total := hits + r.misses.Load()
	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total) * 100
}

// decode returns a fresh copy so callers never share cached state.
func decode(doc []byte) (*permission.Request, error) {
	var pr permission.Request
	if err := json.Unmarshal(doc, &pr); err != nil {
		return nil, fmt.Errorf("decode permission document: %w", err)
	}

	return &pr, nil
}
