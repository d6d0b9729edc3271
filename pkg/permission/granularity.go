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
	"time"
)

// Granularity is the sampling resolution as an ISO-8601 duration.
type Granularity string

const (
	GranularityPT5M  Granularity = "PT5M"
	GranularityPT10M Granularity = "PT10M"
	GranularityPT15M Granularity = "PT15M"
	GranularityPT30M Granularity = "PT30M"
	GranularityPT1H  Granularity = "PT1H"
	GranularityP1D   Granularity = "P1D"
	GranularityP1M   Granularity = "P1M"
	GranularityP1Y   Granularity = "P1Y"
)

var granularityDurations = map[Granularity]time.Duration{
	GranularityPT5M:  5 * time.Minute,
	GranularityPT10M: 10 * time.Minute,
	GranularityPT15M: 15 * time.Minute,
	GranularityPT30M: 30 * time.Minute,
	GranularityPT1H:  time.Hour,
	GranularityP1D:   24 * time.Hour,
}

// Duration returns the nominal length of one sample. Calendar based
// granularities (P1M, P1Y) report false.
func (g Granularity) Duration() (time.Duration, bool) {
	d, ok := granularityDurations[g]
	return d, ok
}

func ParseGranularity(raw string) (Granularity, error) {
	g := Granularity(strings.ToUpper(strings.TrimSpace(raw)))
	switch g {
	case GranularityPT5M, GranularityPT10M, GranularityPT15M, GranularityPT30M,
		GranularityPT1H, GranularityP1D, GranularityP1M, GranularityP1Y:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", raw)
	}
}
