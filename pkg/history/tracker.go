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

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/Fadih/kube-freezer/pkg/store"
)

const (
	eventsKey = "events"
	component = "history"

	// DefaultListLimit bounds List results when the caller does not set one.
	DefaultListLimit = 100
)

// Event types recorded by the governance trail.
const (
	EventFreezeEnabled    = "freeze_enabled"
	EventFreezeDisabled   = "freeze_disabled"
	EventExemptionCreated = "exemption_created"
	EventExemptionUsed    = "exemption_used"
	EventExemptionDeleted = "exemption_deleted"
	EventBypassGranted    = "bypass_granted"
	EventScheduleApplied  = "schedule_applied"
	EventScheduleRemoved  = "schedule_removed"
	EventViolation        = "violation"
)

// Event is one governance history entry.
type Event struct {
	ID              string    `json:"id"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	FreezeWindow    string    `json:"freeze_window,omitempty"`
	Namespace       string    `json:"namespace,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	TriggeredBy     string    `json:"triggered_by,omitempty"`
}

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
	Update(ctx context.Context, name string, component string, mutate func(data map[string]string)) error
}

// Tracker is an append-only ring of governance events. Events append in
// arrival order; the ring trims to maxEvents after each append and persists
// to the store as a JSON list, so the persisted sequence is always a suffix
// of everything ever recorded.
type Tracker struct {
	mu         sync.Mutex
	store      recordStore
	recordName string
	clock      clock.Clock
	maxEvents  int
	events     []Event
}

func NewTracker(s recordStore, recordName string, clk clock.Clock, maxEvents int) *Tracker {
	return &Tracker{
		store:      s,
		recordName: recordName,
		clock:      clk,
		maxEvents:  maxEvents,
	}
}

// Record appends an event, filling id and timestamp, and persists the ring.
func (t *Tracker) Record(ctx context.Context, event Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	event.ID = uuid.NewString()
	event.Timestamp = t.clock.Now().UTC()
	// Merge with the persisted ring first so appends from other replicas
	// survive this write.
	persisted, err := t.load(ctx)
	if err != nil {
		return err
	}
	t.events = append(persisted, event)
	if len(t.events) > t.maxEvents {
		t.events = t.events[len(t.events)-t.maxEvents:]
	}
	return t.persist(ctx)
}

// List returns events newest-first, optionally filtered by event type and
// namespace, re-reading the persisted record so replicas see each other's
// appends. The namespace filter also matches cluster-wide events that carry
// no namespace. limit ≤ 0 means DefaultListLimit.
func (t *Tracker) List(ctx context.Context, eventType, namespace string, limit int) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	t.events = events
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []Event
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		e := events[i]
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if namespace != "" && e.Namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *Tracker) load(ctx context.Context) ([]Event, error) {
	data, err := t.store.Get(ctx, t.recordName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history record, %w", err)
	}
	raw := data[eventsKey]
	if raw == "" {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, fmt.Errorf("decoding history, %w", err)
	}
	return events, nil
}

func (t *Tracker) persist(ctx context.Context) error {
	encoded, err := json.Marshal(t.events)
	if err != nil {
		return fmt.Errorf("encoding history, %w", err)
	}
	if err := t.store.Update(ctx, t.recordName, component, func(data map[string]string) {
		data[eventsKey] = string(encoded)
	}); err != nil {
		return fmt.Errorf("writing history record, %w", err)
	}
	return nil
}
