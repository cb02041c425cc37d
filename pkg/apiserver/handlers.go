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

package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/admission"
	"github.com/Fadih/kube-freezer/pkg/audit"
	"github.com/Fadih/kube-freezer/pkg/bypass"
	"github.com/Fadih/kube-freezer/pkg/dryrun"
	"github.com/Fadih/kube-freezer/pkg/exemptions"
	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/history"
	"github.com/Fadih/kube-freezer/pkg/notifications"
	"github.com/Fadih/kube-freezer/pkg/templates"
)

const policyComponent = "policy"

func (s *Server) handleFreezeStatus(w http.ResponseWriter, r *http.Request) {
	policy := s.Loader.GetConfig()
	now := s.Clock.Now().UTC()
	active, window := policy.IsFreezeActive(now, "")
	s.Metrics.SetFreezeActive(active)
	data := map[string]any{
		"freeze_active":    active,
		"freeze_enabled":   policy.FreezeEnabled,
		"freeze_message":   policy.FreezeMessage,
		"active_schedules": freeze.Active(policy.Schedules, now, "", policy.BypassExemptNamespaces),
	}
	if window != "" {
		data["freeze_window"] = window
	}
	if policy.FreezeUntil != nil {
		data["freeze_until"] = policy.FreezeUntil.Format(time.RFC3339)
	}
	writeData(w, http.StatusOK, data)
}

type freezeEnableRequest struct {
	Until      string   `json:"until"`
	Reason     string   `json:"reason"`
	Namespaces []string `json:"namespaces"`
}

func (s *Server) handleFreezeEnable(w http.ResponseWriter, r *http.Request) {
	req := freezeEnableRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request, %s", err))
		return
	}
	until := ""
	if req.Until != "" {
		parsed, err := freeze.ParseInstant(req.Until)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid until timestamp, %s", err))
			return
		}
		until = parsed.Format(time.RFC3339)
	}
	err := s.PolicyStore.Update(r.Context(), s.PolicyRecordName, policyComponent, func(data map[string]string) {
		data["freezeEnabled"] = "true"
		if until != "" {
			data["freezeUntil"] = until
		} else {
			delete(data, "freezeUntil")
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("updating policy, %s", err))
		return
	}
	s.afterMutation(r, history.Event{
		EventType:   history.EventFreezeEnabled,
		Reason:      req.Reason,
		Namespace:   strings.Join(req.Namespaces, ","),
		TriggeredBy: Principal(r.Context()),
	}, notifications.Event{
		Type:    notifications.EventFreezeEnabled,
		Title:   "Deployment freeze enabled",
		Message: freezeChangeMessage("enabled", req.Reason, until),
	}, audit.EventFreezeChange)
	writeMessage(w, http.StatusOK, "freeze enabled")
}

type freezeDisableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFreezeDisable(w http.ResponseWriter, r *http.Request) {
	req := freezeDisableRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request, %s", err))
		return
	}
	err := s.PolicyStore.Update(r.Context(), s.PolicyRecordName, policyComponent, func(data map[string]string) {
		data["freezeEnabled"] = "false"
		delete(data, "freezeUntil")
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("updating policy, %s", err))
		return
	}
	s.afterMutation(r, history.Event{
		EventType:   history.EventFreezeDisabled,
		Reason:      req.Reason,
		TriggeredBy: Principal(r.Context()),
	}, notifications.Event{
		Type:    notifications.EventFreezeDisabled,
		Title:   "Deployment freeze disabled",
		Message: freezeChangeMessage("disabled", req.Reason, ""),
	}, audit.EventFreezeChange)
	writeMessage(w, http.StatusOK, "freeze disabled")
}

func (s *Server) handleExemptionList(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	activeOnly := strings.EqualFold(r.URL.Query().Get("active_only"), "true")
	list, err := s.Exemptions.List(r.Context(), namespace, activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("listing exemptions, %s", err))
		return
	}
	writeList(w, list, len(list))
}

type exemptionCreateRequest struct {
	Namespace       string `json:"namespace"`
	ResourceName    string `json:"resource_name"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
	ApprovedBy      string `json:"approved_by"`
}

func (s *Server) handleExemptionCreate(w http.ResponseWriter, r *http.Request) {
	req := exemptionCreateRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request, %s", err))
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = Principal(r.Context())
	}
	exemption, err := s.Exemptions.Create(r.Context(), req.Namespace, req.ResourceName, req.DurationMinutes, req.Reason, req.ApprovedBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.afterMutation(r, history.Event{
		EventType:       history.EventExemptionCreated,
		Reason:          req.Reason,
		Namespace:       req.Namespace,
		DurationMinutes: req.DurationMinutes,
		TriggeredBy:     Principal(r.Context()),
	}, notifications.Event{
		Type:      notifications.EventExemptionCreated,
		Namespace: req.Namespace,
		Title:     "Freeze exemption created",
		Message:   fmt.Sprintf("Exemption for %s granted for %d minutes: %s", req.Namespace, req.DurationMinutes, req.Reason),
	}, audit.EventExemptionChange)
	writeData(w, http.StatusCreated, exemption)
}

func (s *Server) handleExemptionGet(w http.ResponseWriter, r *http.Request) {
	exemption, err := s.Exemptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err, exemptions.ErrExemptionNotFound, "reading exemption")
		return
	}
	writeData(w, http.StatusOK, exemption)
}

func (s *Server) handleExemptionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Exemptions.Delete(r.Context(), id); err != nil {
		writeLookupError(w, err, exemptions.ErrExemptionNotFound, "deleting exemption")
		return
	}
	s.afterMutation(r, history.Event{
		EventType:   history.EventExemptionDeleted,
		Reason:      fmt.Sprintf("Exemption %s deleted", id),
		TriggeredBy: Principal(r.Context()),
	}, notifications.Event{}, audit.EventExemptionChange)
	writeMessage(w, http.StatusOK, "exemption deleted")
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.Schedules.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("listing schedules, %s", err))
		return
	}
	writeList(w, schedules, len(schedules))
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Schedules.Remove(r.Context(), name); err != nil {
		writeLookupError(w, err, freeze.ErrScheduleNotFound, "removing schedule")
		return
	}
	s.reloadPolicy(r.Context())
	s.afterMutation(r, history.Event{
		EventType:    history.EventScheduleRemoved,
		FreezeWindow: name,
		TriggeredBy:  Principal(r.Context()),
	}, notifications.Event{}, audit.EventScheduleChange)
	writeMessage(w, http.StatusOK, "schedule removed")
}

func (s *Server) handleTemplateList(w http.ResponseWriter, _ *http.Request) {
	list := s.Templates.List()
	writeList(w, list, len(list))
}

type templateApplyRequest struct {
	TemplateName string         `json:"template_name"`
	Parameters   map[string]any `json:"parameters"`
}

func (s *Server) handleTemplateApply(w http.ResponseWriter, r *http.Request) {
	req := templateApplyRequest{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request, %s", err))
		return
	}
	schedule, err := s.Templates.Apply(req.TemplateName, req.Parameters)
	if err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Schedules.Add(r.Context(), schedule); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("saving schedule, %s", err))
		return
	}
	s.reloadPolicy(r.Context())
	s.afterMutation(r, history.Event{
		EventType:    history.EventScheduleApplied,
		FreezeWindow: schedule.Name,
		Reason:       fmt.Sprintf("Applied template %s", req.TemplateName),
		TriggeredBy:  Principal(r.Context()),
	}, notifications.Event{}, audit.EventScheduleChange)
	writeData(w, http.StatusCreated, schedule)
}

func (s *Server) handleTemplateReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Templates.ReloadFromStore(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("reloading templates, %s", err))
		return
	}
	writeMessage(w, http.StatusOK, "templates reloaded")
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	events, err := s.History.List(r.Context(), query.Get("event_type"), query.Get("namespace"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("listing history, %s", err))
		return
	}
	writeList(w, events, len(events))
}

// handleDryRunEvaluate answers what the webhook would decide, with no side
// effects: no exemption consumption, no history, no notifications.
func (s *Server) handleDryRunEvaluate(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Request struct {
			Kind        struct{ Kind string } `json:"kind"`
			Namespace   string                `json:"namespace"`
			Name        string                `json:"name"`
			Username    string                `json:"username"`
			Groups      []string              `json:"groups"`
			DryRun      *bool                 `json:"dryRun"`
			Annotations map[string]string     `json:"annotations"`
		} `json:"request"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request, %s", err))
		return
	}
	if !dryrun.IsDryRun(body.Request.DryRun) {
		writeError(w, http.StatusBadRequest, "dryRun must be true for evaluation")
		return
	}
	policy := s.Loader.GetConfig()
	now := s.Clock.Now().UTC()
	kind := strings.ToLower(body.Request.Kind.Kind)
	monitored := lo.Contains(policy.MonitoredResources, kind) || lo.Contains(policy.MonitoredResources, admission.Pluralize(kind))
	wouldBlock := false
	reason := ""
	bypassResult := bypass.Check(body.Request.Annotations, body.Request.Username, body.Request.Groups, policy)
	if monitored && !lo.Contains(policy.BypassExemptNamespaces, body.Request.Namespace) && !bypassResult.Allowed {
		if active, window := policy.IsFreezeActive(now, body.Request.Namespace); active {
			wouldBlock = true
			reason = policy.FreezeMessage
			if window != "" {
				reason = fmt.Sprintf("%s (Freeze window: %s)", policy.FreezeMessage, window)
			}
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"would_block": wouldBlock,
		"warnings":    dryrun.Evaluate(wouldBlock, reason, bypassResult.Allowed, bypassResult.Type),
	})
}

// afterMutation performs the non-fatal follow-ups of a successful REST write:
// policy reload, history, notification fan-out, and audit. Failures here are
// logged and never surfaced to the caller.
func (s *Server) afterMutation(r *http.Request, event history.Event, notification notifications.Event, auditType string) {
	ctx := r.Context()
	s.reloadPolicy(ctx)
	if event.EventType != "" {
		if err := s.History.Record(ctx, event); err != nil {
			logging.FromContext(ctx).Errorf("recording %s history event, %s", event.EventType, err)
		}
	}
	if notification.Type != "" {
		s.Notifier.Dispatch(ctx, notification)
	}
	s.Auditor.Record(ctx, audit.Event{
		EventType: auditType,
		Actor:     audit.Actor{Type: "api", Identity: Principal(ctx), IP: clientIP(r), UA: r.UserAgent()},
		Resource:  audit.Resource{Type: "policy", Name: s.PolicyRecordName, Namespace: event.Namespace},
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]string{"event": event.EventType, "reason": event.Reason},
	})
}

func (s *Server) reloadPolicy(ctx context.Context) {
	if err := s.Loader.Reload(ctx); err != nil {
		logging.FromContext(ctx).Errorf("reloading policy after mutation, %s", err)
	}
}

func writeLookupError(w http.ResponseWriter, err, notFound error, action string) {
	if errors.Is(err, notFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s, %s", action, err))
}

func freezeChangeMessage(action, reason, until string) string {
	msg := fmt.Sprintf("Deployment freeze %s", action)
	if until != "" {
		msg += " until " + until
	}
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}
