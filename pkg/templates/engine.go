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

// Package templates renders parameterized schedule generators into concrete
// freeze schedules.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/store"
)

const templatesKey = "templates"

// ErrTemplateNotFound is returned for unknown template names.
var ErrTemplateNotFound = fmt.Errorf("template not found")

// TemplateSchedule is the schedule generator inside a template. Exactly one
// of End, DurationHours or DurationDays bounds the window; Start defaults to
// the application instant.
type TemplateSchedule struct {
	Cron          string `yaml:"cron" json:"cron"`
	Start         string `yaml:"start,omitempty" json:"start,omitempty"`
	End           string `yaml:"end,omitempty" json:"end,omitempty"`
	DurationHours int    `yaml:"durationHours,omitempty" json:"durationHours,omitempty"`
	DurationDays  int    `yaml:"durationDays,omitempty" json:"durationDays,omitempty"`
}

// Template is a named, reusable freeze window generator.
type Template struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Schedule    TemplateSchedule `yaml:"schedule" json:"schedule"`
	Namespaces  []string         `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`
	Message     string           `yaml:"message,omitempty" json:"message,omitempty"`
}

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
}

// Engine holds the loaded template set and renders schedules from it.
type Engine struct {
	mu         sync.RWMutex
	templates  map[string]Template
	store      recordStore
	recordName string
	clock      clock.Clock
}

func NewEngine(s recordStore, recordName string, clk clock.Clock) *Engine {
	return &Engine{
		templates:  map[string]Template{},
		store:      s,
		recordName: recordName,
		clock:      clk,
	}
}

// ReloadFromStore re-reads the templates record. A missing record empties the
// template set.
func (e *Engine) ReloadFromStore(ctx context.Context) error {
	data, err := e.store.Get(ctx, e.recordName)
	if err != nil {
		if store.IsNotFound(err) {
			e.install(nil)
			return nil
		}
		return fmt.Errorf("reading templates record, %w", err)
	}
	var templates []Template
	if raw := data[templatesKey]; raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &templates); err != nil {
			return fmt.Errorf("decoding templates, %w", err)
		}
	}
	e.install(templates)
	return nil
}

func (e *Engine) install(templates []Template) {
	byName := map[string]Template{}
	for _, t := range templates {
		byName[t.Name] = t
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates = byName
}

// List returns all templates sorted by name.
func (e *Engine) List() []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named template or ErrTemplateNotFound.
func (e *Engine) Get(name string) (Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return t, nil
}

// Apply renders the named template into a validated schedule.
//
// An override_schedule parameter is taken as a fully-formed schedule and only
// validated. Otherwise the template's generator runs: start defaults to now,
// end comes from the template's end or its duration, and the parameters may
// override name, namespaces, message, start, end and cron. Unnamed results
// get "<template>-<year>".
func (e *Engine) Apply(name string, params map[string]any) (freeze.Schedule, error) {
	t, err := e.Get(name)
	if err != nil {
		return freeze.Schedule{}, err
	}
	if raw, ok := params["override_schedule"]; ok {
		sched, err := decodeSchedule(raw)
		if err != nil {
			return freeze.Schedule{}, fmt.Errorf("decoding override_schedule, %w", err)
		}
		if err := sched.Validate(); err != nil {
			return freeze.Schedule{}, err
		}
		return sched, nil
	}

	now := e.clock.Now().UTC()
	sched := freeze.Schedule{
		Cron:       t.Schedule.Cron,
		Namespaces: append([]string(nil), t.Namespaces...),
		Message:    t.Message,
		Start:      now,
	}
	if t.Schedule.Start != "" {
		if sched.Start, err = freeze.ParseInstant(t.Schedule.Start); err != nil {
			return freeze.Schedule{}, fmt.Errorf("parsing template start, %w", err)
		}
	}
	switch {
	case t.Schedule.End != "":
		if sched.End, err = freeze.ParseInstant(t.Schedule.End); err != nil {
			return freeze.Schedule{}, fmt.Errorf("parsing template end, %w", err)
		}
	case t.Schedule.DurationHours > 0:
		sched.End = sched.Start.Add(time.Duration(t.Schedule.DurationHours) * time.Hour)
	case t.Schedule.DurationDays > 0:
		sched.End = sched.Start.AddDate(0, 0, t.Schedule.DurationDays)
	}
	if err := applyOverrides(&sched, params); err != nil {
		return freeze.Schedule{}, err
	}
	if sched.Name == "" {
		sched.Name = fmt.Sprintf("%s-%d", t.Name, sched.Start.Year())
	}
	if err := sched.Validate(); err != nil {
		return freeze.Schedule{}, err
	}
	return sched, nil
}

func applyOverrides(sched *freeze.Schedule, params map[string]any) error {
	for key, raw := range params {
		switch key {
		case "name":
			sched.Name = fmt.Sprint(raw)
		case "message":
			sched.Message = fmt.Sprint(raw)
		case "cron":
			sched.Cron = fmt.Sprint(raw)
		case "start", "end":
			t, err := freeze.ParseInstant(fmt.Sprint(raw))
			if err != nil {
				return fmt.Errorf("parsing %s parameter, %w", key, err)
			}
			if key == "start" {
				sched.Start = t
			} else {
				sched.End = t
			}
		case "namespaces":
			namespaces, err := decodeStrings(raw)
			if err != nil {
				return fmt.Errorf("parsing namespaces parameter, %w", err)
			}
			sched.Namespaces = namespaces
		case "override_schedule":
		default:
			return fmt.Errorf("unknown template parameter %q", key)
		}
	}
	return nil
}

func decodeSchedule(raw any) (freeze.Schedule, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return freeze.Schedule{}, err
	}
	sched := freeze.Schedule{}
	if err := json.Unmarshal(encoded, &sched); err != nil {
		return freeze.Schedule{}, err
	}
	return sched, nil
}

func decodeStrings(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}
