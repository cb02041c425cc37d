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

package exemptions

import (
	"time"
)

// Exemption is a temporary, auditable pass for a namespace, optionally scoped
// to a single resource name. The used flag is informational for audits and
// never invalidates the exemption; only expiry does.
type Exemption struct {
	ID              string    `json:"id"`
	Namespace       string    `json:"namespace"`
	ResourceName    string    `json:"resource_name,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
	ApprovedBy      string    `json:"approved_by"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Used            bool      `json:"used"`
}

// IsValid reports whether the exemption is still usable at instant t.
func (e Exemption) IsValid(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// Matches reports whether the exemption applies to the named resource: either
// it names that resource, or it is namespace-wide.
func (e Exemption) Matches(resourceName string) bool {
	return e.ResourceName == "" || e.ResourceName == resourceName
}
