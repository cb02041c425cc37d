/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dryrun converts a would-deny verdict into an allow carrying
// warnings, so callers can probe the freeze without being blocked.
package dryrun

import "fmt"

// WarningTypeFreezeActive tags warnings produced for requests that would be
// denied by an active freeze.
const WarningTypeFreezeActive = "FreezeActive"

// Warning describes one condition that would have blocked the request.
type Warning struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	BypassAvailable bool   `json:"bypass_available"`
	BypassType      string `json:"bypass_type,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Type, w.Message)
}

// IsDryRun interprets the admission request's dryRun field.
func IsDryRun(dryRun *bool) bool {
	return dryRun != nil && *dryRun
}

// Evaluate shapes a would-deny into warnings. wouldBlock=false yields no
// warnings; the request is simply allowed.
func Evaluate(wouldBlock bool, reason string, bypassAvailable bool, bypassType string) []Warning {
	if !wouldBlock {
		return nil
	}
	return []Warning{{
		Type:            WarningTypeFreezeActive,
		Message:         fmt.Sprintf("Would be blocked: %s", reason),
		BypassAvailable: bypassAvailable,
		BypassType:      bypassType,
	}}
}
