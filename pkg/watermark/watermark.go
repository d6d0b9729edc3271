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

// Package watermark keeps, per permission and meter, the timestamp of the
// last successfully fetched data point.
package watermark

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUntracked is returned when a meter was never registered for a permission.
var ErrUntracked = errors.New("meter is not tracked for permission")

// Store persists watermarks. A tracked meter that was never read has a nil
// watermark. Advance never moves a watermark backwards.
type Store interface {
	// Track registers meterID under permissionID with a nil watermark. Tracking
	// an already tracked meter keeps its watermark.
	Track(ctx context.Context, permissionID, meterID string) error
	// Get returns the watermark or ErrUntracked.
	Get(ctx context.Context, permissionID, meterID string) (*time.Time, error)
	// Advance moves the watermark to readAt if it is later than the stored one
	// and reports whether it moved.
	Advance(ctx context.Context, permissionID, meterID string, readAt time.Time) (bool, error)
	// List returns all tracked meters of a permission.
	List(ctx context.Context, permissionID string) (map[string]*time.Time, error)
}

// Latest returns the minimum watermark over meterIDs, or nil if there are
// no meters or any of them was never read.
func Latest(marks map[string]*time.Time, meterIDs []string) *time.Time {
	var latest *time.Time

	for _, id := range meterIDs {
		wm := marks[id]
		if wm == nil {
			return nil
		}

		if latest == nil || wm.Before(*latest) {
			t := *wm
			latest = &t
		}
	}

	return latest
}

type key struct {
	permissionID string
	meterID      string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[key]*time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[key]*time.Time)}
}

func (s *MemoryStore) Track(_ context.Context, permissionID, meterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{permissionID, meterID}
	if _, ok := s.marks[k]; !ok {
		s.marks[k] = nil
	}

	return nil
}

func (s *MemoryStore) Get(_ context.Context, permissionID, meterID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wm, ok := s.marks[key{permissionID, meterID}]
	if !ok {
		return nil, ErrUntracked
	}

	return copyTime(wm), nil
}

func (s *MemoryStore) Advance(_ context.Context, permissionID, meterID string, readAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{permissionID, meterID}
	current := s.marks[k]
	if current != nil && !readAt.After(*current) {
		return false, nil
	}

	s.marks[k] = &readAt

	return true, nil
}

func (s *MemoryStore) List(_ context.Context, permissionID string) (map[string]*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*time.Time)
	for k, wm := range s.marks {
		if k.permissionID == permissionID {
			out[k.meterID] = copyTime(wm)
		}
	}

	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}
