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

// Package bypass decides whether a request may skip the freeze through the
// emergency annotation or the user/group allowlist. Temporary exemptions are
// a separate, asynchronous path owned by the exemption manager.
package bypass

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/Fadih/kube-freezer/pkg/config"
)

// Bypass types, in evaluation priority order.
const (
	TypeAnnotation = "annotation"
	TypeUser       = "user"
	TypeGroup      = "group"
	// TypeExemption is set by the admission engine when a temporary
	// exemption admits the request.
	TypeExemption = "exemption"
)

const emergencyReasonSuffix = "emergency-reason"

// Result of a bypass check.
type Result struct {
	Allowed bool
	Type    string
	Reason  string
}

// Check evaluates the synchronous bypass paths in priority order and
// short-circuits on the first match: the emergency annotation first, then the
// username, then any group. It is a pure function over the policy snapshot
// and never blocks.
func Check(annotations map[string]string, username string, groups []string, policy config.Policy) Result {
	if strings.EqualFold(annotations[policy.BypassAnnotationKey], "true") {
		reason := annotations[reasonKey(policy.BypassAnnotationKey)]
		if reason == "" {
			reason = "No reason provided"
		}
		return Result{Allowed: true, Type: TypeAnnotation, Reason: reason}
	}
	if lo.Contains(policy.BypassAllowedUsers, username) {
		return Result{Allowed: true, Type: TypeUser, Reason: fmt.Sprintf("User %s is in the bypass allowlist", username)}
	}
	for _, group := range groups {
		if lo.Contains(policy.BypassAllowedUsers, group) {
			return Result{Allowed: true, Type: TypeGroup, Reason: fmt.Sprintf("Group %s is in the bypass allowlist", group)}
		}
	}
	return Result{}
}

// reasonKey derives the sibling emergency-reason annotation from the bypass
// key's prefix.
func reasonKey(bypassKey string) string {
	if i := strings.LastIndex(bypassKey, "/"); i >= 0 {
		return bypassKey[:i+1] + emergencyReasonSuffix
	}
	return emergencyReasonSuffix
}
