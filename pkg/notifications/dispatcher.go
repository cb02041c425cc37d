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

// Package notifications fans governance events out to chat, email and
// webhook providers. Delivery is best-effort: provider failures are logged
// and swallowed, and repeated events are rate-limited per event type and
// namespace.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"
	"knative.dev/pkg/logging"

	"github.com/Fadih/kube-freezer/pkg/store"
)

const (
	configKey = "config"
	component = "notifications"

	// rateLimitWindow suppresses identical (eventType, namespace) pairs.
	rateLimitWindow = 60 * time.Second
)

// Event types providers can subscribe to.
const (
	EventFreezeEnabled    = "freeze_enabled"
	EventFreezeDisabled   = "freeze_disabled"
	EventViolation        = "violation"
	EventBypassGranted    = "bypass_granted"
	EventExemptionCreated = "exemption_created"
	EventExemptionUsed    = "exemption_used"
)

// Event is a single governance notification.
type Event struct {
	Type      string
	Namespace string
	Title     string
	Message   string
	Details   map[string]string
}

// Provider delivers events it subscribes to.
type Provider interface {
	Name() string
	Supports(eventType string) bool
	Send(ctx context.Context, event Event) error
}

// settings is the YAML body of the notifications record.
type settings struct {
	Enabled   bool             `yaml:"enabled"`
	Providers []providerConfig `yaml:"providers"`
}

type providerConfig struct {
	Type       string            `yaml:"type"`
	Events     []string          `yaml:"events"`
	WebhookURL string            `yaml:"webhook_url"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	SMTPHost   string            `yaml:"smtp_host"`
	SMTPPort   int               `yaml:"smtp_port"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	From       string            `yaml:"from"`
	To         []string          `yaml:"to"`
}

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
}

// Dispatcher composes independent providers behind a single Dispatch call.
type Dispatcher struct {
	mu         sync.RWMutex
	enabled    bool
	providers  []Provider
	limiter    *cache.Cache
	store      recordStore
	recordName string
}

func NewDispatcher(s recordStore, recordName string) *Dispatcher {
	return &Dispatcher{
		limiter:    cache.New(rateLimitWindow, 2*rateLimitWindow),
		store:      s,
		recordName: recordName,
	}
}

// Reload rebuilds the provider set from the notifications record. A missing
// record disables dispatch.
func (d *Dispatcher) Reload(ctx context.Context) error {
	data, err := d.store.Get(ctx, d.recordName)
	if err != nil {
		if store.IsNotFound(err) {
			d.install(false, nil)
			return nil
		}
		return fmt.Errorf("reading notifications record, %w", err)
	}
	cfg := settings{}
	if err := yaml.Unmarshal([]byte(data[configKey]), &cfg); err != nil {
		return fmt.Errorf("decoding notifications config, %w", err)
	}
	var providers []Provider
	for _, pc := range cfg.Providers {
		p, err := buildProvider(pc)
		if err != nil {
			logging.FromContext(ctx).Warnf("skipping notification provider, %s", err)
			continue
		}
		providers = append(providers, p)
	}
	d.install(cfg.Enabled, providers)
	logging.FromContext(ctx).Infow("notifications reloaded", "enabled", cfg.Enabled, "providers", len(providers))
	return nil
}

func (d *Dispatcher) install(enabled bool, providers []Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	d.providers = providers
}

// Dispatch fans the event out to every subscribed provider. Delivery runs
// detached from the caller: the admission pipeline and REST handlers never
// wait on HTTP or SMTP round trips, and cancellation of the request context
// does not abort in-flight sends. Provider errors are logged, never returned.
// Within the rate-limit window, repeats of the same (type, namespace) pair
// are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	d.mu.RLock()
	enabled, providers := d.enabled, d.providers
	d.mu.RUnlock()
	if !enabled || len(providers) == 0 {
		return
	}
	key := rateLimitKey(event)
	if _, limited := d.limiter.Get(key); limited {
		return
	}
	d.limiter.SetDefault(key, struct{}{})

	go d.deliver(context.WithoutCancel(ctx), event, providers)
}

func (d *Dispatcher) deliver(ctx context.Context, event Event, providers []Provider) {
	var wg sync.WaitGroup
	for _, p := range providers {
		if !p.Supports(event.Type) {
			continue
		}
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			if err := p.Send(ctx, event); err != nil {
				logging.FromContext(ctx).Warnf("sending %s notification via %s, %s", event.Type, p.Name(), err)
			}
		}(p)
	}
	wg.Wait()
}

func rateLimitKey(event Event) string {
	scope := event.Namespace
	if scope == "" {
		scope = "global"
	}
	return event.Type + "/" + scope
}

func buildProvider(pc providerConfig) (Provider, error) {
	switch pc.Type {
	case "slack":
		return newSlackProvider(pc)
	case "email":
		return newEmailProvider(pc)
	case "webhook":
		return newWebhookProvider(pc)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
