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

// Package admission implements the decision pipeline consulted by the
// cluster control plane for every mutating request to a monitored resource.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/audit"
	"github.com/Fadih/kube-freezer/pkg/bypass"
	"github.com/Fadih/kube-freezer/pkg/config"
	"github.com/Fadih/kube-freezer/pkg/dryrun"
	"github.com/Fadih/kube-freezer/pkg/exemptions"
	"github.com/Fadih/kube-freezer/pkg/history"
	"github.com/Fadih/kube-freezer/pkg/metrics"
	"github.com/Fadih/kube-freezer/pkg/notifications"
)

// exemptionLookupTimeout bounds the only suspension point in the pipeline.
const exemptionLookupTimeout = 5 * time.Second

// Request is the normalized admission input.
type Request struct {
	UID         string
	Kind        string
	Namespace   string
	Name        string
	Operation   string
	Annotations map[string]string
	Username    string
	Groups      []string
	DryRun      *bool
}

// Response is the pipeline verdict.
type Response struct {
	UID      string
	Allowed  bool
	Code     int32
	Message  string
	Warnings []string
}

type policySource interface {
	IsReady() bool
	GetConfig() config.Policy
}

type exemptionChecker interface {
	Check(ctx context.Context, namespace, resourceName string) (exemptions.Exemption, bool, error)
	Use(ctx context.Context, id string) error
}

type historyRecorder interface {
	Record(ctx context.Context, event history.Event) error
}

type notifier interface {
	Dispatch(ctx context.Context, event notifications.Event)
}

type auditor interface {
	Record(ctx context.Context, event audit.Event)
}

// Engine composes freeze evaluation, bypass matching, exemption lookup and
// dry-run shaping into a single verdict. The policy snapshot is read once at
// entry; a concurrent reload never affects an in-flight decision. Failures in
// history, notification or metrics recording are logged and never change the
// verdict.
type Engine struct {
	policy     policySource
	exemptions exemptionChecker
	history    historyRecorder
	notifier   notifier
	auditor    auditor
	metrics    *metrics.Collector
	clock      clock.Clock
}

func NewEngine(policy policySource, exemptions exemptionChecker, history historyRecorder, notifier notifier, auditor auditor, collector *metrics.Collector, clk clock.Clock) *Engine {
	return &Engine{
		policy:     policy,
		exemptions: exemptions,
		history:    history,
		notifier:   notifier,
		auditor:    auditor,
		metrics:    collector,
		clock:      clk,
	}
}

// Review runs the pipeline and always returns a verdict.
func (e *Engine) Review(ctx context.Context, req Request) Response {
	started := e.clock.Now()
	resp := e.decide(ctx, req)
	decision := "allowed"
	if !resp.Allowed {
		decision = "denied"
	}
	e.metrics.RecordAdmission(decision, strings.ToLower(req.Kind), req.Namespace, e.clock.Since(started))
	return resp
}

func (e *Engine) decide(ctx context.Context, req Request) Response {
	log := logging.FromContext(ctx).With("uid", req.UID, "kind", req.Kind, "namespace", req.Namespace, "name", req.Name)

	if !e.policy.IsReady() {
		if failClosed := e.policy.GetConfig().FailClosed; failClosed {
			return e.deny(req, "Admission policy is not loaded yet and the controller fails closed")
		}
		log.Warnf("policy not loaded, failing open")
		return e.allow(req)
	}
	policy := e.policy.GetConfig()
	now := e.clock.Now().UTC()
	clusterFrozen, _ := policy.IsFreezeActive(now, "")
	e.metrics.SetFreezeActive(clusterFrozen)

	// Scope filter: both the raw kind and its plural normalization must miss
	// the monitored set for the request to be out of scope.
	kind := strings.ToLower(req.Kind)
	if !lo.Contains(policy.MonitoredResources, kind) && !lo.Contains(policy.MonitoredResources, Pluralize(kind)) {
		return e.allow(req)
	}

	if lo.Contains(policy.BypassExemptNamespaces, req.Namespace) {
		return e.allow(req)
	}

	bypassResult := bypass.Check(req.Annotations, req.Username, req.Groups, policy)
	if bypassResult.Allowed {
		log.Infow("bypass granted", "type", bypassResult.Type, "reason", bypassResult.Reason)
		e.metrics.RecordBypass(bypassResult.Type, req.Namespace)
		e.recordHistory(ctx, history.Event{
			EventType:    history.EventBypassGranted,
			Reason:       bypassResult.Reason,
			Namespace:    req.Namespace,
			TriggeredBy:  req.Username,
			FreezeWindow: bypassResult.Type,
		})
		return e.allow(req)
	}

	if exemption, ok := e.checkExemption(ctx, req); ok {
		log.Infow("exemption used", "id", exemption.ID)
		e.metrics.RecordBypass(bypass.TypeExemption, req.Namespace)
		e.recordHistory(ctx, history.Event{
			EventType:   history.EventExemptionUsed,
			Reason:      exemption.Reason,
			Namespace:   req.Namespace,
			TriggeredBy: req.Username,
		})
		return e.allow(req)
	}

	active, window := policy.IsFreezeActive(now, req.Namespace)
	if !active {
		return e.allow(req)
	}

	reason := policy.FreezeMessage
	if window != "" {
		reason = fmt.Sprintf("%s (Freeze window: %s)", policy.FreezeMessage, window)
	}

	if dryrun.IsDryRun(req.DryRun) {
		warnings := dryrun.Evaluate(true, reason, bypassResult.Allowed, bypassResult.Type)
		return Response{
			UID:     req.UID,
			Allowed: true,
			Warnings: lo.Map(warnings, func(w dryrun.Warning, _ int) string {
				return w.String()
			}),
		}
	}

	log.Infow("request denied", "window", window, "user", req.Username)
	e.notifier.Dispatch(ctx, notifications.Event{
		Type:      notifications.EventViolation,
		Namespace: req.Namespace,
		Title:     "Freeze violation blocked",
		Message:   fmt.Sprintf("%s %s/%s by %s was denied", req.Kind, req.Namespace, req.Name, req.Username),
		Details: map[string]string{
			"operation": req.Operation,
			"window":    window,
		},
	})
	e.auditor.Record(ctx, audit.Event{
		EventType: audit.EventAdmissionDecision,
		Actor:     audit.Actor{Type: "kubernetes-user", Identity: req.Username},
		Resource:  audit.Resource{Type: strings.ToLower(req.Kind), Name: req.Name, Namespace: req.Namespace},
		Outcome:   audit.OutcomeDenied,
		Details: map[string]string{
			"operation": req.Operation,
			"window":    window,
			"reason":    reason,
		},
	})
	return e.deny(req, reason)
}

// checkExemption is the pipeline's only suspension point and carries its own
// deadline. Lookup failures admit no exemption but never fail the request.
func (e *Engine) checkExemption(ctx context.Context, req Request) (exemptions.Exemption, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, exemptionLookupTimeout)
	defer cancel()
	exemption, ok, err := e.exemptions.Check(lookupCtx, req.Namespace, req.Name)
	if err != nil {
		logging.FromContext(ctx).Errorf("checking exemptions, %s", err)
		return exemptions.Exemption{}, false
	}
	if !ok {
		return exemptions.Exemption{}, false
	}
	if err := e.exemptions.Use(lookupCtx, exemption.ID); err != nil {
		logging.FromContext(ctx).Errorf("marking exemption %s used, %s", exemption.ID, err)
	}
	return exemption, true
}

func (e *Engine) recordHistory(ctx context.Context, event history.Event) {
	if err := e.history.Record(ctx, event); err != nil {
		logging.FromContext(ctx).Errorf("recording %s history event, %s", event.EventType, err)
	}
}

func (e *Engine) allow(req Request) Response {
	return Response{UID: req.UID, Allowed: true}
}

func (e *Engine) deny(req Request, message string) Response {
	return Response{
		UID:     req.UID,
		Allowed: false,
		Code:    http.StatusForbidden,
		Message: message,
	}
}

// Pluralize normalizes a lowercase resource kind to its plural form:
// a trailing y after a consonant becomes "ies", a trailing s is kept, and
// everything else gets an "s".
func Pluralize(kind string) string {
	if kind == "" {
		return kind
	}
	if strings.HasSuffix(kind, "s") {
		return kind
	}
	if len(kind) >= 2 && strings.HasSuffix(kind, "y") && !strings.ContainsRune("aeiou", rune(kind[len(kind)-2])) {
		return kind[:len(kind)-1] + "ies"
	}
	return kind + "s"
}
