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

import "time"

// DataSourceInformation identifies where a permission's data comes from.
type DataSourceInformation struct {
	CountryCode                string `json:"countryCode"`
	RegionConnectorID          string `json:"regionConnectorId"`
	PermissionAdministratorID  string `json:"permissionAdministratorId"`
	MeteredDataAdministratorID string `json:"meteredDataAdministratorId"`
}

// Permission is the read-only view of a permission request used by the
// polling coordinator and the sinks. Region specific request types embed
// *Request and thereby satisfy it.
type Permission interface {
	PermissionID() string
	ConnectionID() string
	DataNeedID() string
	Status() Status
	Start() time.Time
	// End is nil for open ended requests.
	End() *time.Time
	Granularity() Granularity
	Created() time.Time
	DataSource() DataSourceInformation
	MeterIDs() []string
	// LatestReading is the minimum watermark over all tracked meters, nil
	// until every meter was read at least once.
	LatestReading() *time.Time
}

// Request is the persisted state of a permission request.
type Request struct {
	ID             string                `json:"permissionId"`
	Connection     string                `json:"connectionId"`
	DataNeed       string                `json:"dataNeedId"`
	CurrentStatus  Status                `json:"status"`
	From           time.Time             `json:"start"`
	To             *time.Time            `json:"end,omitempty"`
	Resolution     Granularity           `json:"granularity"`
	CreatedAt      time.Time             `json:"created"`
	DataSourceInfo DataSourceInformation `json:"dataSourceInformation"`
	Meters         []string              `json:"meterIds"`
	LastReading    *time.Time            `json:"latestReading,omitempty"`
	// PollingStartedAt is set once, when the first poll after acceptance was triggered.
	PollingStartedAt *time.Time `json:"pollingStartedAt,omitempty"`
	// StatusReason holds the free text of the last externally reported status change.
	StatusReason string `json:"statusReason,omitempty"`
}

var _ Permission = (*Request)(nil)

func (r *Request) PermissionID() string              { return r.ID }
func (r *Request) ConnectionID() string              { return r.Connection }
func (r *Request) DataNeedID() string                { return r.DataNeed }
func (r *Request) Status() Status                    { return r.CurrentStatus }
func (r *Request) Start() time.Time                  { return r.From }
func (r *Request) End() *time.Time                   { return r.To }
func (r *Request) Granularity() Granularity          { return r.Resolution }
func (r *Request) Created() time.Time                { return r.CreatedAt }
func (r *Request) DataSource() DataSourceInformation { return r.DataSourceInfo }
func (r *Request) MeterIDs() []string                { return r.Meters }
func (r *Request) LatestReading() *time.Time         { return r.LastReading }
