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

package freeze

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/Fadih/kube-freezer/pkg/store"
)

const (
	schedulesKey = "schedules"
	component    = "schedules"
)

// ErrScheduleNotFound is returned by Get and Remove for unknown names.
var ErrScheduleNotFound = fmt.Errorf("schedule not found")

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
	Update(ctx context.Context, name string, component string, mutate func(data map[string]string)) error
}

// Store persists the schedule list as a YAML document in a single record key,
// keeping the canonical field order on every write.
type Store struct {
	store      recordStore
	recordName string
}

func NewStore(s recordStore, recordName string) *Store {
	return &Store{store: s, recordName: recordName}
}

// RecordName returns the name of the backing record, letting the config
// loader watch it for changes.
func (s *Store) RecordName() string {
	return s.recordName
}

// List returns all persisted schedules. A missing record or key is an empty
// list, not an error.
func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	data, err := s.store.Get(ctx, s.recordName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading schedules record, %w", err)
	}
	return decodeSchedules(data[schedulesKey])
}

// Get returns the named schedule or ErrScheduleNotFound.
func (s *Store) Get(ctx context.Context, name string) (Schedule, error) {
	schedules, err := s.List(ctx)
	if err != nil {
		return Schedule{}, err
	}
	if sched, ok := lo.Find(schedules, func(s Schedule) bool { return s.Name == name }); ok {
		return sched, nil
	}
	return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
}

// Save replaces the persisted list with the given schedules after validating
// each one.
func (s *Store) Save(ctx context.Context, schedules []Schedule) error {
	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			return err
		}
	}
	encoded, err := yaml.Marshal(schedules)
	if err != nil {
		return fmt.Errorf("encoding schedules, %w", err)
	}
	if err := s.store.Update(ctx, s.recordName, component, func(data map[string]string) {
		data[schedulesKey] = string(encoded)
	}); err != nil {
		return fmt.Errorf("writing schedules record, %w", err)
	}
	return nil
}

// Add upserts a schedule by name.
func (s *Store) Add(ctx context.Context, sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if err := sched.Validate(); err != nil {
		return err
	}
	schedules, err := s.List(ctx)
	if err != nil {
		return err
	}
	if i := lo.IndexOf(lo.Map(schedules, func(s Schedule, _ int) string { return s.Name }), sched.Name); i >= 0 {
		schedules[i] = sched
	} else {
		schedules = append(schedules, sched)
	}
	return s.Save(ctx, schedules)
}

// Remove deletes the named schedule, returning ErrScheduleNotFound if absent.
func (s *Store) Remove(ctx context.Context, name string) error {
	schedules, err := s.List(ctx)
	if err != nil {
		return err
	}
	remaining := lo.Reject(schedules, func(s Schedule, _ int) bool { return s.Name == name })
	if len(remaining) == len(schedules) {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	return s.Save(ctx, remaining)
}

func decodeSchedules(raw string) ([]Schedule, error) {
	if raw == "" {
		return nil, nil
	}
	schedules := []Schedule{}
	if err := yaml.Unmarshal([]byte(raw), &schedules); err != nil {
		return nil, fmt.Errorf("decoding schedules, %w", err)
	}
	return schedules, nil
}
