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

package config

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/freeze"
)

const (
	// DefaultFreezeMessage is shown to callers denied during a freeze when the
	// policy record does not set its own message.
	DefaultFreezeMessage = "Deployment freeze is active. Use bypass annotation or contact oncall."
	// DefaultBypassAnnotationKey is the well-known emergency bypass annotation.
	DefaultBypassAnnotationKey = "admission-controller.io/emergency-bypass"
)

// Policy is the typed view of the policy record plus the persisted schedule
// list. Instances handed out by the Loader are snapshots; the admission
// pipeline reads one snapshot per request and never sees a reload mid-flight.
type Policy struct {
	FreezeEnabled             bool
	FreezeUntil               *time.Time
	FreezeMessage             string
	BypassAnnotationKey       string
	BypassAllowedUsers        []string
	APIAllowedServiceAccounts []string
	BypassExemptNamespaces    []string
	MonitoredResources        []string
	FailClosed                bool
	Schedules                 []freeze.Schedule
}

// DefaultPolicy is the configuration installed when the policy record is
// missing or deleted.
func DefaultPolicy() Policy {
	return Policy{
		FreezeMessage:       DefaultFreezeMessage,
		BypassAnnotationKey: DefaultBypassAnnotationKey,
		MonitoredResources:  []string{"deployments"},
		FailClosed:          true,
	}
}

// DeepCopy returns an independent copy of the policy.
func (p Policy) DeepCopy() Policy {
	out := p
	if p.FreezeUntil != nil {
		until := *p.FreezeUntil
		out.FreezeUntil = &until
	}
	out.BypassAllowedUsers = append([]string(nil), p.BypassAllowedUsers...)
	out.APIAllowedServiceAccounts = append([]string(nil), p.APIAllowedServiceAccounts...)
	out.BypassExemptNamespaces = append([]string(nil), p.BypassExemptNamespaces...)
	out.MonitoredResources = append([]string(nil), p.MonitoredResources...)
	out.Schedules = append([]freeze.Schedule(nil), p.Schedules...)
	return out
}

// IsFreezeActive reports whether any freeze applies to the namespace at the
// given instant, along with the window name. Declared schedules take
// precedence; when none covers the instant the manual freeze flag applies,
// indefinitely if freezeUntil is unset.
func (p Policy) IsFreezeActive(now time.Time, namespace string) (bool, string) {
	if active := freeze.Active(p.Schedules, now, namespace, p.BypassExemptNamespaces); len(active) > 0 {
		return true, active[0].Name
	}
	if p.FreezeEnabled && (p.FreezeUntil == nil || now.Before(*p.FreezeUntil)) {
		return true, freeze.ManualFreezeWindow
	}
	return false, ""
}

// ParsePolicy builds a Policy from the record's flat string map. Malformed
// individual values degrade to their defaults with a warning; parsing never
// fails outright.
func ParsePolicy(ctx context.Context, data map[string]string) Policy {
	p := DefaultPolicy()
	p.FreezeEnabled = parseBool(data["freezeEnabled"], false)
	if raw, ok := data["freezeUntil"]; ok && strings.TrimSpace(raw) != "" {
		if until, err := freeze.ParseInstant(strings.TrimSpace(raw)); err != nil {
			logging.FromContext(ctx).Warnf("ignoring unparseable freezeUntil %q, %s", raw, err)
		} else {
			p.FreezeUntil = &until
		}
	}
	if msg, ok := data["freezeMessage"]; ok && strings.TrimSpace(msg) != "" {
		p.FreezeMessage = strings.TrimSpace(msg)
	}
	if key, ok := data["bypassAnnotationKey"]; ok && strings.TrimSpace(key) != "" {
		p.BypassAnnotationKey = strings.TrimSpace(key)
	}
	p.BypassAllowedUsers = parseLines(data["bypassAllowedUsers"])
	p.APIAllowedServiceAccounts = parseLines(data["apiAllowedServiceAccounts"])
	p.BypassExemptNamespaces = parseLines(data["bypassExemptNamespaces"])
	if resources := parseResources(data["monitoredResources"]); len(resources) > 0 {
		p.MonitoredResources = resources
	}
	if raw, ok := data["failClosed"]; ok {
		p.FailClosed = parseBool(raw, true)
	}
	return p
}

func parseBool(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}

// parseLines splits a newline-delimited list, trimming entries and dropping
// blanks, #-comments and duplicates.
func parseLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return lo.Uniq(out)
}

// parseResources accepts either a YAML list (flow or bullet lines) or a
// comma-separated string, normalizing entries to lowercase.
func parseResources(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parsed []string
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil || parsed == nil {
		parsed = strings.Split(raw, ",")
	}
	var out []string
	for _, r := range parsed {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return lo.Uniq(out)
}
