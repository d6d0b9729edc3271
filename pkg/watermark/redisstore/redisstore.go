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

// Package redisstore keeps watermarks in one redis hash per permission.
// Field values are unix milliseconds, the empty string marks a tracked meter
// that was never read.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
)

// advanceScript sets the field only when it is unset, empty or smaller.
var advanceScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if current and current ~= "" and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
}

var _ watermark.Store = (*Store)(nil)

// New returns a Store using keys "<prefix>:watermark:<permissionId>".
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "energy-permissions"
	}

	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(permissionID string) string {
	return s.prefix + ":watermark:" + permissionID
}

func (s *Store) Track(ctx context.Context, permissionID, meterID string) error {
	if err := s.client.HSetNX(ctx, s.key(permissionID), meterID, "").Err(); err != nil {
		return fmt.Errorf("track meter %s of permission %s: %w", meterID, permissionID, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, permissionID, meterID string) (*time.Time, error) {
	raw, err := s.client.HGet(ctx, s.key(permissionID), meterID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, watermark.ErrUntracked
	}

	if err != nil {
		return nil, fmt.Errorf("get watermark of meter %s: %w", meterID, err)
	}

	return parse(raw)
}

func (s *Store) Advance(ctx context.Context, permissionID, meterID string, readAt time.Time) (bool, error) {
	res, err := advanceScript.Run(ctx, s.client, []string{s.key(permissionID)}, meterID, readAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("advance watermark of meter %s: %w", meterID, err)
	}

	return res == 1, nil
}

func (s *Store) List(ctx context.Context, permissionID string) (map[string]*time.Time, error) {
	fields, err := s.client.HGetAll(ctx, s.key(permissionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list watermarks of permission %s: %w", permissionID, err)
	}

	out := make(map[string]*time.Time, len(fields))
	for meterID, raw := range fields {
		wm, err := parse(raw)
		if err != nil {
			return nil, err
		}

		out[meterID] = wm
	}

	return out, nil
}

func parse(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
	}

	t := time.UnixMilli(ms).UTC()

	return &t, nil
}
