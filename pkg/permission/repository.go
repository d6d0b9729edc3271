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

package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// Repository stores permission requests. Implementations return copies;
// callers persist changes with Save.
type Repository interface {
	GetByPermissionID(ctx context.Context, permissionID string) (*Request, error)
	Save(ctx context.Context, pr *Request) error
	FindByStatus(ctx context.Context, statuses ...Status) ([]*Request, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]*Request)}
}

func (m *MemoryRepository) GetByPermissionID(_ context.Context, permissionID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pr, ok := m.requests[permissionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, permissionID)
	}

	return clone(pr)
}

func (m *MemoryRepository) Save(_ context.Context, pr *Request) error {
	if pr == nil || pr.ID == "" {
		return fmt.Errorf("save permission request: missing permission id")
	}

	stored, err := clone(pr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[pr.ID] = stored

	return nil
}

// FindByStatus returns the matching requests ordered by creation time.
func (m *MemoryRepository) FindByStatus(_ context.Context, statuses ...Status) ([]*Request, error) {
	wanted := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, pr := range m.requests {
		if _, ok := wanted[pr.CurrentStatus]; !ok {
			continue
		}

		c, err := clone(pr)
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func clone(pr *Request) (*Request, error) {
	var c Request
	if err := deepcopy.Copy(&c, pr); err != nil {
		return nil, fmt.Errorf("copy permission request %s: %w", pr.ID, err)
	}

	return &c, nil
}
