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

package source

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/backoff"
)

// ErrorClass is the effect a fetch failure has on a permission.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassUnauthorized
	ClassTooManyRequests
	ClassForbidden
)

func (c ErrorClass) String() string {
	switch c {
	case ClassUnauthorized:
		return "unauthorized"
	case ClassTooManyRequests:
		return "too_many_requests"
	case ClassForbidden:
		return "forbidden"
	default:
		return "other"
	}
}

// StatusError is returned by clients for non-success responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("source responded with %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}

	return fmt.Sprintf("source responded with %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Classify maps err onto an ErrorClass. Errors without a status are ClassOther.
func Classify(err error) ErrorClass {
	var se *StatusError
	if !errors.As(err, &se) {
		return ClassOther
	}

	switch se.StatusCode {
	case http.StatusUnauthorized:
		return ClassUnauthorized
	case http.StatusTooManyRequests:
		return ClassTooManyRequests
	case http.StatusForbidden:
		return ClassForbidden
	default:
		return ClassOther
	}
}

// Categorize wraps err into the backoff category of its class:
// unauthorized and too-many-requests are transient, forbidden is permanent,
// everything else is ignored.
func Categorize(err error) error {
	if err == nil {
		return nil
	}

	switch Classify(err) {
	case ClassUnauthorized, ClassTooManyRequests:
		return backoff.NewTransientError(err)
	case ClassForbidden:
		return backoff.NewPermanentError(err)
	default:
		return backoff.NewIgnoredError(err)
	}
}
