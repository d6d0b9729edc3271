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

package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

// administratorRequest is the body sent to the permission administrator.
type administratorRequest struct {
	PermissionID   string                           `json:"permissionId"`
	ConnectionID   string                           `json:"connectionId"`
	DataNeedID     string                           `json:"dataNeedId"`
	Start          string                           `json:"start"`
	End            string                           `json:"end,omitempty"`
	Granularity    permission.Granularity           `json:"granularity"`
	MeterIDs       []string                         `json:"meterIds"`
	DataSourceInfo permission.DataSourceInformation `json:"dataSourceInformation"`
}

// Send forwards a validated request to the permission administrator.
func (c *Client) Send(ctx context.Context, pr permission.Permission) error {
	body := administratorRequest{
		PermissionID:   pr.PermissionID(),
		ConnectionID:   pr.ConnectionID(),
		DataNeedID:     pr.DataNeedID(),
		Start:          pr.Start().Format(time.DateOnly),
		Granularity:    pr.Granularity(),
		MeterIDs:       pr.MeterIDs(),
		DataSourceInfo: pr.DataSource(),
	}
	if end := pr.End(); end != nil {
		body.End = end.Format(time.DateOnly)
	}

	return c.post(ctx, pr.PermissionID(), "requests", body)
}

// Terminate asks the permission administrator to end the permission.
func (c *Client) Terminate(ctx context.Context, pr permission.Permission) error {
	return c.post(ctx, pr.PermissionID(), "termination", nil)
}

func (c *Client) post(ctx context.Context, permissionID, action string, body interface{}) error {
	token, err := c.tokens.Token(ctx, permissionID)
	if err != nil {
		return fmt.Errorf("get access token for permission %s: %w", permissionID, err)
	}

	var raw []byte
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s of permission %s: %w", action, permissionID, err)
		}
	}

	endpoint := fmt.Sprintf("%s/v1/permissions/%s/%s", c.baseURL, url.PathEscape(permissionID), action)

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s of permission %s: %w", action, permissionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &source.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	c.log.Infow("Permission administrator accepted "+action, "permission_id", permissionID)

	return nil
}
