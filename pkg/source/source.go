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

// Package source defines the client contract for the external systems that
// hold the time-series data of a permission.
package source

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// DataServiceType is the resolution requested from the source.
type DataServiceType string

const (
	QuarterHourly DataServiceType = "QUARTER_HOURLY"
	Daily         DataServiceType = "DAILY"
)

// DataServiceTypeFor derives the source resolution from a permission's
// granularity. Sub-daily granularities are fetched quarter-hourly and
// aggregated downstream.
func DataServiceTypeFor(g permission.Granularity) DataServiceType {
	switch g {
	case permission.GranularityP1D, permission.GranularityP1M, permission.GranularityP1Y:
		return Daily
	default:
		return QuarterHourly
	}
}

// Request describes one fetch.
type Request struct {
	PermissionID string
	MeterID      string
	ServiceType  DataServiceType
	From         time.Time
	To           time.Time
}

// Reading is a single data point.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

// Payload is the raw result of one fetch.
type Payload struct {
	PermissionID string          `json:"permissionId"`
	MeterID      string          `json:"meterId"`
	ServiceType  DataServiceType `json:"dataServiceType"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Readings     []Reading       `json:"readings"`
}

func (p *Payload) Empty() bool {
	return p == nil || len(p.Readings) == 0
}

// LastTimestamp is the latest reading timestamp; zero for empty payloads.
func (p *Payload) LastTimestamp() time.Time {
	var last time.Time
	if p == nil {
		return last
	}

	for _, r := range p.Readings {
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	return last
}

// Client fetches time-series data. Failures should be *StatusError values
// (possibly wrapped) so that Classify can tell them apart.
type Client interface {
	Fetch(ctx context.Context, req Request) (*Payload, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Payload, error)

func (f ClientFunc) Fetch(ctx context.Context, req Request) (*Payload, error) {
	return f(ctx, req)
}
