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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/mitchellh/hashstructure/v2"
	"k8s.io/apimachinery/pkg/watch"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/freeze"
	"github.com/Fadih/kube-freezer/pkg/metrics"
	"github.com/Fadih/kube-freezer/pkg/store"
)

const (
	initialLoadAttempts = 5
	initialLoadDelay    = 2 * time.Second
)

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
	Watch(ctx context.Context, name string) <-chan store.Event
}

type scheduleLister interface {
	List(ctx context.Context) ([]freeze.Schedule, error)
}

// Loader keeps an in-memory Policy synchronized with the policy and schedules
// records. After the initial blocking load it follows record changes either
// through the store's watch stream (default) or by polling every cacheTTL.
// Reload failures keep the previous good policy.
type Loader struct {
	store      recordStore
	schedules  scheduleLister
	recordName string
	useWatch   bool
	cacheTTL   time.Duration
	metrics    *metrics.Collector

	// reloadMu serializes reloads; mu guards the published snapshot.
	reloadMu     sync.Mutex
	mu           sync.RWMutex
	policy       Policy
	ready        bool
	lastHash     uint64
	reloadErrors atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type LoaderOptions struct {
	PolicyRecordName string
	UseWatch         bool
	CacheTTL         time.Duration
	Metrics          *metrics.Collector
}

// NewLoader seeds the snapshot with DefaultPolicy so consumers that read it
// before the first load observe the fail-closed defaults, not a zero value.
func NewLoader(s recordStore, schedules scheduleLister, opts LoaderOptions) *Loader {
	return &Loader{
		store:      s,
		schedules:  schedules,
		recordName: opts.PolicyRecordName,
		useWatch:   opts.UseWatch,
		cacheTTL:   opts.CacheTTL,
		metrics:    opts.Metrics,
		policy:     DefaultPolicy(),
	}
}

// Start performs one blocking load with bounded exponential-backoff retry,
// marks the loader ready, then launches the background refresh loop. The
// loop runs until Stop or ctx cancellation.
func (l *Loader) Start(ctx context.Context) error {
	err := retry.Do(func() error {
		return l.Reload(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(initialLoadAttempts),
		retry.Delay(initialLoadDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("initial policy load, %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	if l.useWatch {
		go l.watchLoop(loopCtx)
	} else {
		go l.pollLoop(loopCtx)
	}
	return nil
}

// Stop terminates the refresh loop and waits for it to drain.
func (l *Loader) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// IsReady reports whether at least one load has succeeded.
func (l *Loader) IsReady() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// GetConfig returns a defensive copy of the current policy snapshot.
func (l *Loader) GetConfig() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy.DeepCopy()
}

// ReloadErrors returns the number of failed reloads since start.
func (l *Loader) ReloadErrors() uint64 {
	return l.reloadErrors.Load()
}

// Reload synchronously rebuilds the policy from the records. A missing policy
// record installs defaults; any other failure counts against reloadErrors and
// leaves the previous snapshot in place. Rebuilds are skipped when the record
// contents are unchanged.
func (l *Loader) Reload(ctx context.Context) error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	data, err := l.store.Get(ctx, l.recordName)
	if err != nil {
		if !store.IsNotFound(err) {
			l.countReloadError()
			return fmt.Errorf("reading policy record, %w", err)
		}
		logging.FromContext(ctx).Warnf("policy record %s not found, using defaults", l.recordName)
		data = nil
	}
	schedules, err := l.schedules.List(ctx)
	if err != nil {
		l.countReloadError()
		return fmt.Errorf("reading schedules, %w", err)
	}
	hash, err := hashstructure.Hash(struct {
		Data      map[string]string
		Schedules []freeze.Schedule
	}{data, schedules}, hashstructure.FormatV2, nil)
	if err == nil && l.IsReady() && hash == l.loadedHash() {
		l.recordReload()
		return nil
	}
	policy := ParsePolicy(ctx, data)
	policy.Schedules = schedules

	l.mu.Lock()
	l.policy = policy
	l.lastHash = hash
	l.ready = true
	l.mu.Unlock()
	l.recordReload()
	logging.FromContext(ctx).Infow("policy reloaded",
		"freeze-enabled", policy.FreezeEnabled,
		"schedules", len(policy.Schedules),
		"monitored-resources", policy.MonitoredResources,
	)
	return nil
}

func (l *Loader) countReloadError() {
	l.reloadErrors.Add(1)
	if l.metrics != nil {
		l.metrics.RecordReloadError()
	}
}

func (l *Loader) recordReload() {
	if l.metrics != nil {
		l.metrics.RecordReload(time.Now())
	}
}

func (l *Loader) loadedHash() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// watchLoop follows both the policy and schedules records. Every event causes
// a re-read, so coalesced (dropped) intermediate events are harmless. A
// deleted policy record installs defaults.
func (l *Loader) watchLoop(ctx context.Context) {
	defer close(l.done)
	policyEvents := l.store.Watch(ctx, l.recordName)
	var scheduleEvents <-chan store.Event
	if lister, ok := l.schedules.(interface{ RecordName() string }); ok {
		scheduleEvents = l.store.Watch(ctx, lister.RecordName())
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-policyEvents:
			if !ok {
				return
			}
			if ev.Type == watch.Deleted {
				logging.FromContext(ctx).Warnf("policy record %s deleted, reverting to defaults", l.recordName)
			}
			if err := l.Reload(ctx); err != nil {
				logging.FromContext(ctx).Errorf("reloading policy, %s", err)
			}
		case _, ok := <-scheduleEvents:
			if !ok {
				scheduleEvents = nil
				continue
			}
			if err := l.Reload(ctx); err != nil {
				logging.FromContext(ctx).Errorf("reloading policy, %s", err)
			}
		}
	}
}

func (l *Loader) pollLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Reload(ctx); err != nil {
				logging.FromContext(ctx).Errorf("reloading policy, %s", err)
			}
		}
	}
}
