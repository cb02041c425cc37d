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

// Package apiserver is the transport boundary: the admission webhook, the
// management REST surface, and the operational endpoints.
package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/admission"
	"github.com/Fadih/kube-freezer/pkg/audit"
	"github.com/Fadih/kube-freezer/pkg/config"
	"github.com/Fadih/kube-freezer/pkg/exemptions"
	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/history"
	"github.com/Fadih/kube-freezer/pkg/metrics"
	"github.com/Fadih/kube-freezer/pkg/notifications"
	"github.com/Fadih/kube-freezer/pkg/store"
	"github.com/Fadih/kube-freezer/pkg/templates"
)

const maxBodyBytes = 1 << 20

// Config wires the server to the managers it fronts.
type Config struct {
	Loader           *config.Loader
	PolicyStore      *store.ConfigMapStore
	PolicyRecordName string
	Schedules        *freeze.Store
	Exemptions       *exemptions.Manager
	History          *history.Tracker
	Templates        *templates.Engine
	Notifier         *notifications.Dispatcher
	Auditor          *audit.Logger
	Engine           *admission.Engine
	Metrics          *metrics.Collector
	Clock            clock.Clock
	Auth             *Authenticator
	AdmissionTimeout time.Duration
}

// Server exposes the webhook and REST routes over a single chi router.
type Server struct {
	Config
	router *chi.Mux
	limits *rateLimiter
}

func New(cfg Config) *Server {
	s := &Server{Config: cfg, limits: newRateLimiter()}
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", cfg.Metrics.Handler())
	r.Post("/admission", s.handleAdmission)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limits.middleware)
		r.Use(cfg.Auth.middleware)
		r.Use(s.instrument)
		r.Get("/freeze/status", s.handleFreezeStatus)
		r.Post("/freeze/enable", s.handleFreezeEnable)
		r.Post("/freeze/disable", s.handleFreezeDisable)
		r.Get("/freeze/exemptions", s.handleExemptionList)
		r.Post("/freeze/exemptions", s.handleExemptionCreate)
		r.Get("/freeze/exemptions/{id}", s.handleExemptionGet)
		r.Delete("/freeze/exemptions/{id}", s.handleExemptionDelete)
		r.Get("/freeze/schedules", s.handleScheduleList)
		r.Delete("/freeze/schedules/{name}", s.handleScheduleDelete)
		r.Get("/freeze/templates", s.handleTemplateList)
		r.Post("/freeze/templates/apply", s.handleTemplateApply)
		r.Post("/freeze/templates/reload", s.handleTemplateReload)
		r.Get("/freeze/history", s.handleHistoryList)
		r.Post("/dryrun/evaluate", s.handleDryRunEvaluate)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument records per-route request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.Clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.Metrics.RecordAPIRequest(r.Method, route, ww.Status(), s.Clock.Since(started))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Loader.IsReady() {
		writeError(w, http.StatusServiceUnavailable, "policy not loaded")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"reload_errors": s.Loader.ReloadErrors(),
	})
}

// handleAdmission is the webhook endpoint. It always answers 200 with a
// review envelope; decode failures produce a 500-coded response object so
// the control plane's failure policy applies.
func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.AdmissionTimeout)
	defer cancel()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeReview(ctx, w, admission.ErrorReview("", err))
		return
	}
	review, err := admission.DecodeReview(body)
	if err != nil {
		writeReview(ctx, w, admission.ErrorReview("", err))
		return
	}
	writeReview(ctx, w, s.Engine.ReviewAdmission(ctx, review))
}

func writeReview(ctx context.Context, w http.ResponseWriter, review any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(review); err != nil {
		logging.FromContext(ctx).Errorf("writing admission response, %s", err)
	}
}

// envelope is the REST response wrapper.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Count     *int   `json:"count,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeList(w http.ResponseWriter, data any, count int) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Count: &count})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(into)
}
