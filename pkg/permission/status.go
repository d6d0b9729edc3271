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
	"fmt"
	"strings"
)

// Status is the lifecycle status of a permission request.
type Status string

const (
	StatusCreated                       Status = "CREATED"
	StatusValidated                     Status = "VALIDATED"
	StatusMalformed                     Status = "MALFORMED"
	StatusInvalid                       Status = "INVALID"
	StatusSentToPermissionAdministrator Status = "SENT_TO_PERMISSION_ADMINISTRATOR"
	StatusUnableToSend                  Status = "UNABLE_TO_SEND"
	StatusAccepted                      Status = "ACCEPTED"
	StatusRejected                      Status = "REJECTED"
	StatusTimedOut                      Status = "TIMED_OUT"
	StatusRevoked                       Status = "REVOKED"
	StatusRequiresExternalTermination   Status = "REQUIRES_EXTERNAL_TERMINATION"
	StatusExternallyTerminated          Status = "EXTERNALLY_TERMINATED"
	StatusFailedToTerminate             Status = "FAILED_TO_TERMINATE"
	StatusFulfilled                     Status = "FULFILLED"
	StatusUnfulfillable                 Status = "UNFULFILLABLE"
)

var allStatuses = []Status{
	StatusCreated,
	StatusValidated,
	StatusMalformed,
	StatusInvalid,
	StatusSentToPermissionAdministrator,
	StatusUnableToSend,
	StatusAccepted,
	StatusRejected,
	StatusTimedOut,
	StatusRevoked,
	StatusRequiresExternalTermination,
	StatusExternallyTerminated,
	StatusFailedToTerminate,
	StatusFulfilled,
	StatusUnfulfillable,
}

// Statuses returns every known status.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)

	return out
}

// IsTerminal reports whether no further transition leaves s.
func (s Status) IsTerminal() bool {
	_, known := transitions[s]
	return known && len(transitions[s]) == 0
}

// ParseStatus accepts the status names case-insensitively.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, nil
		}
	}

	return "", fmt.Errorf("unknown permission status %q", raw)
}
