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

// Package sink defines the downstream stream fetched payloads are published to.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

// ErrClosed is returned when publishing to a closed sink.
var ErrClosed = errors.New("sink is closed")

// Sink receives raw payloads keyed by permission and meter.
type Sink interface {
	Publish(ctx context.Context, pr permission.Permission, payload *source.Payload) error
	// Close signals the end of the stream.
	Close() error
}

// Record is one published payload.
type Record struct {
	Permission permission.Permission
	Payload    *source.Payload
}

// ChannelSink forwards records to a buffered channel.
type ChannelSink struct {
	mu     sync.RWMutex
	ch     chan Record
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Record, buffer)}
}

// Records is closed once Close was called.
func (s *ChannelSink) Records() <-chan Record {
	return s.ch
}

func (s *ChannelSink) Publish(ctx context.Context, pr permission.Permission, payload *source.Payload) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.ch <- Record{Permission: pr, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}

	return nil
}

// Fanout publishes to several sinks and stops at the first failure.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, pr permission.Permission, payload *source.Payload) error {
	for _, s := range f {
		if err := s.Publish(ctx, pr, payload); err != nil {
			return err
		}
	}

	return nil
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Close())
	}

	return errors.Join(errs...)
}
