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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
)

// DefaultCleanupInterval is how often the background sweep removes expired
// exemptions.
const DefaultCleanupInterval = 5 * time.Minute

// ErrExemptionNotFound is returned for unknown exemption ids.
var ErrExemptionNotFound = fmt.Errorf("exemption not found")

// Backend persists the full exemption set. Load returns the current records;
// Save replaces them. The ConfigMap backend hits the store on every call so
// replicas stay coherent; the memory backend is for tests and single-replica
// development.
type Backend interface {
	Load(ctx context.Context) (map[string]Exemption, error)
	Save(ctx context.Context, exemptions map[string]Exemption) error
}

// Manager owns exemption CRUD and the admission-time lookup. Every mutation
// writes through the backend before returning.
type Manager struct {
	mu      sync.Mutex
	backend Backend
	clock   clock.Clock
}

func NewManager(backend Backend, clk clock.Clock) *Manager {
	return &Manager{backend: backend, clock: clk}
}

// Create issues a new exemption expiring durationMinutes from now.
func (m *Manager) Create(ctx context.Context, namespace, resourceName string, durationMinutes int, reason, approvedBy string) (Exemption, error) {
	if namespace == "" {
		return Exemption{}, fmt.Errorf("exemption namespace is required")
	}
	if durationMinutes <= 0 {
		return Exemption{}, fmt.Errorf("exemption duration must be positive, got %d", durationMinutes)
	}
	now := m.clock.Now().UTC()
	e := Exemption{
		ID:              uuid.NewString(),
		Namespace:       namespace,
		ResourceName:    resourceName,
		DurationMinutes: durationMinutes,
		Reason:          reason,
		ApprovedBy:      approvedBy,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(durationMinutes) * time.Minute),
	}
	if err := m.mutate(ctx, func(all map[string]Exemption) error {
		all[e.ID] = e
		return nil
	}); err != nil {
		return Exemption{}, err
	}
	return e, nil
}

// Get returns the exemption with the given id or ErrExemptionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Exemption, error) {
	all, err := m.backend.Load(ctx)
	if err != nil {
		return Exemption{}, fmt.Errorf("loading exemptions, %w", err)
	}
	e, ok := all[id]
	if !ok {
		return Exemption{}, fmt.Errorf("%w: %s", ErrExemptionNotFound, id)
	}
	return e, nil
}

// List returns exemptions sorted by expiry, optionally filtered by namespace
// and to still-valid entries only.
func (m *Manager) List(ctx context.Context, namespace string, activeOnly bool) ([]Exemption, error) {
	all, err := m.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading exemptions, %w", err)
	}
	now := m.clock.Now().UTC()
	out := lo.Filter(lo.Values(all), func(e Exemption, _ int) bool {
		if namespace != "" && e.Namespace != namespace {
			return false
		}
		return !activeOnly || e.IsValid(now)
	})
	sortByExpiry(out)
	return out, nil
}

// Check returns the still-valid exemption covering the namespace and resource
// name, if any. Candidates are ordered by expiry ascending so the
// nearest-expiry exemption is consumed first; an exemption matches when it
// names the resource or is namespace-wide.
func (m *Manager) Check(ctx context.Context, namespace, resourceName string) (Exemption, bool, error) {
	active, err := m.List(ctx, namespace, true)
	if err != nil {
		return Exemption{}, false, err
	}
	for _, e := range active {
		if e.Matches(resourceName) {
			return e, true, nil
		}
	}
	return Exemption{}, false, nil
}

// Use marks the exemption as used for audit trails. It stays valid until
// expiry and may be used again.
func (m *Manager) Use(ctx context.Context, id string) error {
	return m.mutate(ctx, func(all map[string]Exemption) error {
		e, ok := all[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrExemptionNotFound, id)
		}
		e.Used = true
		all[id] = e
		return nil
	})
}

// Delete removes the exemption with the given id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.mutate(ctx, func(all map[string]Exemption) error {
		if _, ok := all[id]; !ok {
			return fmt.Errorf("%w: %s", ErrExemptionNotFound, id)
		}
		delete(all, id)
		return nil
	})
}

// CleanupExpired removes exemptions whose expiry has passed and returns how
// many were dropped.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	err := m.mutate(ctx, func(all map[string]Exemption) error {
		now := m.clock.Now().UTC()
		for id, e := range all {
			if !e.IsValid(now) {
				delete(all, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RunCleanup sweeps expired exemptions on the given interval until ctx is
// canceled.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.CleanupExpired(ctx)
			if err != nil {
				logging.FromContext(ctx).Errorf("cleaning up exemptions, %s", err)
				continue
			}
			if removed > 0 {
				logging.FromContext(ctx).Infof("removed %d expired exemptions", removed)
			}
		}
	}
}

func (m *Manager) mutate(ctx context.Context, apply func(all map[string]Exemption) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading exemptions, %w", err)
	}
	if err := apply(all); err != nil {
		return err
	}
	if err := m.backend.Save(ctx, all); err != nil {
		return fmt.Errorf("saving exemptions, %w", err)
	}
	return nil
}

func sortByExpiry(exemptions []Exemption) {
	sort.Slice(exemptions, func(i, j int) bool {
		if exemptions[i].ExpiresAt.Equal(exemptions[j].ExpiresAt) {
			return exemptions[i].ID < exemptions[j].ID
		}
		return exemptions[i].ExpiresAt.Before(exemptions[j].ExpiresAt)
	})
}
