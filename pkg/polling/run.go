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

package polling

// Result summarises a finished run.
type Result struct {
	// Outcome is one of the metrics.Outcome* values.
	Outcome string
	Err     error
}

// Run is the handle of an asynchronous fetch.
type Run struct {
	PermissionID string

	done   chan struct{}
	result Result
}

func newRun(permissionID string) *Run {
	return &Run{PermissionID: permissionID, done: make(chan struct{})}
}

func (r *Run) finish(res Result) {
	r.result = res
	close(r.done)
}

// Done is closed when the run finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finished and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}
