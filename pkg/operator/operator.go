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

// Package operator wires the controller's managers together.
package operator

import (
	"context"
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
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
	"github.com/Fadih/kube-freezer/pkg/operator/options"
	"github.com/Fadih/kube-freezer/pkg/store"
	"github.com/Fadih/kube-freezer/pkg/templates"
)

// Operator carries every manager the boundaries depend on. Nothing reaches
// for globals; the webhook and REST servers receive what they need from here.
type Operator struct {
	Options    *options.Options
	KubeClient kubernetes.Interface
	Clock      clock.Clock

	Store      *store.ConfigMapStore
	Secrets    *store.SecretStore
	Schedules  *freeze.Store
	Loader     *config.Loader
	Exemptions *exemptions.Manager
	History    *history.Tracker
	Templates  *templates.Engine
	Notifier   *notifications.Dispatcher
	Auditor    *audit.Logger
	Metrics    *metrics.Collector
	Engine     *admission.Engine
}

// NewOperator builds the full dependency graph from the options.
func NewOperator(opts *options.Options, client kubernetes.Interface, clk clock.Clock) *Operator {
	cmStore := store.NewConfigMapStore(client, opts.Namespace)
	secrets := store.NewSecretStore(client, opts.Namespace)
	schedules := freeze.NewStore(cmStore, opts.SchedulesConfigMap)
	collector := metrics.NewCollector()
	loader := config.NewLoader(cmStore, schedules, config.LoaderOptions{
		PolicyRecordName: opts.PolicyConfigMapName,
		UseWatch:         opts.UseWatch,
		CacheTTL:         opts.CacheTTL,
		Metrics:          collector,
	})

	var backend exemptions.Backend
	if opts.ExemptionsBackend == "memory" {
		backend = exemptions.NewMemoryBackend()
	} else {
		backend = exemptions.NewConfigMapBackend(cmStore, opts.ExemptionsConfigMap)
	}
	exemptionManager := exemptions.NewManager(backend, clk)

	tracker := history.NewTracker(cmStore, opts.HistoryConfigMap, clk, opts.MaxHistoryEvents)
	templateEngine := templates.NewEngine(cmStore, opts.TemplatesConfigMap, clk)
	notifier := notifications.NewDispatcher(cmStore, opts.NotificationsConfig)
	var sinks []audit.Sink
	if opts.AuditLogFile != "" {
		sinks = append(sinks, audit.NewFileSink(opts.AuditLogFile))
	}
	if opts.AuditWebhookURL != "" {
		sinks = append(sinks, audit.NewHTTPSink(opts.AuditWebhookURL, opts.AuditWebhookToken, ""))
	}
	auditor := audit.NewLogger(clk, sinks...)
	engine := admission.NewEngine(loader, exemptionManager, tracker, notifier, auditor, collector, clk)

	return &Operator{
		Options:    opts,
		KubeClient: client,
		Clock:      clk,
		Store:      cmStore,
		Secrets:    secrets,
		Schedules:  schedules,
		Loader:     loader,
		Exemptions: exemptionManager,
		History:    tracker,
		Templates:  templateEngine,
		Notifier:   notifier,
		Auditor:    auditor,
		Metrics:    collector,
		Engine:     engine,
	}
}

// Start brings the reactive pieces up: the config loader, the template and
// notification sets, and the exemption cleanup sweep. Templates and
// notifications load best-effort so a missing record does not block startup.
func (o *Operator) Start(ctx context.Context) error {
	if err := o.Loader.Start(ctx); err != nil {
		return fmt.Errorf("starting config loader, %w", err)
	}
	if err := o.Templates.ReloadFromStore(ctx); err != nil {
		logging.FromContext(ctx).Warnf("loading templates, %s", err)
	}
	if err := o.Notifier.Reload(ctx); err != nil {
		logging.FromContext(ctx).Warnf("loading notification config, %s", err)
	}
	go o.Exemptions.RunCleanup(ctx, exemptions.DefaultCleanupInterval)
	return nil
}

// Stop shuts the loader down.
func (o *Operator) Stop() {
	o.Loader.Stop()
}

// NewKubeClient builds an in-cluster client, falling back to the local
// kubeconfig for development.
func NewKubeClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes client config, %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}
