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

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

// debounceWindow limits how often the same issue title is forwarded to sentry.
const debounceWindow = 10 * time.Minute

var (
	lastSentMu sync.Mutex
	lastSent   = map[string]time.Time{}
)

// ReportIssue logs err and forwards it to sentry.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

// ReportIssuef formats an error and reports it.
func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports err with additional tags, e.g. permission_id.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	level := sentry.LevelError
	if issueType == IssueTypeWarning {
		level = sentry.LevelWarning
		log.Warnw(err.Error(), flatten(context)...)
	} else {
		log.Errorw(err.Error(), flatten(context)...)
	}

	if debounced(issueType, err) {
		return
	}

	sendSentryEvent(createSentryEvent(level, err, context))
}

func debounced(issueType IssueType, err error) bool {
	key := string(issueType) + "|" + getMeaningfulErrorTitle(err)

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if t, ok := lastSent[key]; ok && time.Since(t) < debounceWindow {
		return true
	}

	lastSent[key] = time.Now()

	return false
}

func flatten(context map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(context)*2)
	for k, v := range context {
		out = append(out, k, v)
	}

	return out
}

func toString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
