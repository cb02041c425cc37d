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

// Package audit emits structured compliance events to pluggable sinks. Sink
// failures are logged and swallowed; auditing never changes an admission
// verdict.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event types.
const (
	EventAdmissionDecision = "admission_decision"
	EventFreezeChange      = "freeze_change"
	EventExemptionChange   = "exemption_change"
	EventScheduleChange    = "schedule_change"
	EventAuthFailure       = "auth_failure"
)

// complianceTags maps event types to the compliance regimes they evidence.
var complianceTags = map[string][]string{
	EventAdmissionDecision: {"soc2", "audit"},
	EventFreezeChange:      {"soc2", "audit"},
	EventExemptionChange:   {"soc2", "audit"},
	EventScheduleChange:    {"audit"},
	EventAuthFailure:       {"soc2", "security"},
}

// Actor identifies who triggered an event.
type Actor struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	IP       string `json:"ip,omitempty"`
	UA       string `json:"user_agent,omitempty"`
	Session  string `json:"session,omitempty"`
}

// Resource identifies what an event acted on.
type Resource struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Cluster   string `json:"cluster,omitempty"`
}

// Event is one audit record.
type Event struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	EventType      string            `json:"event_type"`
	Actor          Actor             `json:"actor"`
	Resource       Resource          `json:"resource"`
	Outcome        string            `json:"outcome"`
	Details        map[string]string `json:"details,omitempty"`
	ComplianceTags []string          `json:"compliance_tags,omitempty"`
}

// Sink delivers a single audit event.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Logger fans events out to all sinks.
type Logger struct {
	sinks []Sink
	clock clock.Clock
}

func NewLogger(clk clock.Clock, sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, clock: clk}
}

// Record stamps the event and delivers it to every sink. Per-sink failures
// are aggregated into a single warning log.
func (l *Logger) Record(ctx context.Context, event Event) {
	event.ID = uuid.NewString()
	event.Timestamp = l.clock.Now().UTC()
	if event.ComplianceTags == nil {
		event.ComplianceTags = complianceTags[event.EventType]
	}
	var errs error
	for _, sink := range l.sinks {
		errs = multierr.Append(errs, sink.Deliver(ctx, event))
	}
	if errs != nil {
		logging.FromContext(ctx).Warnf("delivering audit event %s, %s", event.EventType, errs)
	}
}
