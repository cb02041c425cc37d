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

package options

import (
	"flag"
	"fmt"
	"time"

	"github.com/Fadih/kube-freezer/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	// Cluster
	Namespace            string
	PolicyConfigMapName  string
	SchedulesConfigMap   string
	ExemptionsConfigMap  string
	HistoryConfigMap     string
	TemplatesConfigMap   string
	NotificationsConfig  string
	APIKeysSecretName    string
	ExemptionsBackend    string
	UseWatch             bool
	CacheTTL             time.Duration
	// Servers
	WebhookPort     int
	HealthProbePort int
	TLSCertFile     string
	TLSKeyFile      string
	// Logging / audit
	LogLevel          string
	LogFormat         string
	AuditLogFile      string
	AuditWebhookURL   string
	AuditWebhookToken string
	// Auth
	StrictAuth bool
	APIKey     string
	// Limits
	AdmissionTimeout time.Duration
	MaxHistoryEvents int
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("kube-freezer", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.Namespace, "namespace", env.WithDefaultString("NAMESPACE", "kube-freezer"), "The namespace holding the controller's configuration records")
	f.StringVar(&opts.PolicyConfigMapName, "configmap-name", env.WithDefaultString("CONFIGMAP_NAME", "kube-freezer-config"), "The name of the policy ConfigMap")
	f.StringVar(&opts.SchedulesConfigMap, "schedules-configmap-name", env.WithDefaultString("SCHEDULES_CONFIGMAP_NAME", "kube-freezer-schedules"), "The name of the schedules ConfigMap")
	f.StringVar(&opts.ExemptionsConfigMap, "exemptions-configmap-name", env.WithDefaultString("EXEMPTIONS_CONFIGMAP_NAME", "kube-freezer-exemptions"), "The name of the exemptions ConfigMap")
	f.StringVar(&opts.HistoryConfigMap, "history-configmap-name", env.WithDefaultString("HISTORY_CONFIGMAP_NAME", "kube-freezer-history"), "The name of the history ConfigMap")
	f.StringVar(&opts.TemplatesConfigMap, "templates-configmap-name", env.WithDefaultString("TEMPLATES_CONFIGMAP_NAME", "kube-freezer-templates"), "The name of the templates ConfigMap")
	f.StringVar(&opts.NotificationsConfig, "notifications-configmap-name", env.WithDefaultString("NOTIFICATIONS_CONFIGMAP_NAME", "kube-freezer-notifications"), "The name of the notifications ConfigMap")
	f.StringVar(&opts.APIKeysSecretName, "api-keys-secret-name", env.WithDefaultString("API_KEYS_SECRET_NAME", "kube-freezer-api-keys"), "The name of the Secret holding static API keys")
	f.StringVar(&opts.ExemptionsBackend, "exemptions-backend", env.WithDefaultString("EXEMPTIONS_BACKEND", "configmap"), "Exemption persistence backend, one of memory|configmap")
	f.BoolVar(&opts.UseWatch, "use-watch", env.WithDefaultBool("USE_WATCH", true), "Watch the policy ConfigMap for changes instead of polling")
	f.DurationVar(&opts.CacheTTL, "cache-ttl", env.WithDefaultDuration("CACHE_TTL", 10*time.Second), "Polling interval for the config loader when watching is disabled")

	f.IntVar(&opts.WebhookPort, "port", env.WithDefaultInt("PORT", 8443), "The port the webhook and API endpoints bind to")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to")
	f.StringVar(&opts.TLSCertFile, "tls-cert-file", env.WithDefaultString("TLS_CERT_FILE", "/etc/certs/tls.crt"), "Path to the TLS certificate")
	f.StringVar(&opts.TLSKeyFile, "tls-key-file", env.WithDefaultString("TLS_KEY_FILE", "/etc/certs/tls.key"), "Path to the TLS private key")

	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level")
	f.StringVar(&opts.LogFormat, "log-format", env.WithDefaultString("LOG_FORMAT", "json"), "Log format, one of json|text")
	f.StringVar(&opts.AuditLogFile, "audit-log-file", env.WithDefaultString("AUDIT_LOG_FILE", "/var/log/kubefreezer/audit.log"), "Path of the file audit sink, empty to disable")
	f.StringVar(&opts.AuditWebhookURL, "audit-webhook-url", env.WithDefaultString("AUDIT_WEBHOOK_URL", ""), "URL of an external audit collector, empty to disable")
	f.StringVar(&opts.AuditWebhookToken, "audit-webhook-token", env.WithDefaultString("AUDIT_WEBHOOK_TOKEN", ""), "Bearer token for the audit collector")

	f.BoolVar(&opts.StrictAuth, "strict-auth", env.WithDefaultBool("STRICT_AUTH", false), "Disable the development token fallback")
	f.StringVar(&opts.APIKey, "api-key", env.WithDefaultString("API_KEY", ""), "Static development API key")

	f.DurationVar(&opts.AdmissionTimeout, "admission-timeout", env.WithDefaultDuration("ADMISSION_TIMEOUT", 10*time.Second), "Outer deadline for a single admission decision")
	f.IntVar(&opts.MaxHistoryEvents, "max-history-events", env.WithDefaultInt("MAX_HISTORY_EVENTS", 1000), "Capacity of the governance history ring")
	return opts
}

// Validate rejects option combinations the controller cannot run with
func (o *Options) Validate() error {
	if o.ExemptionsBackend != "memory" && o.ExemptionsBackend != "configmap" {
		return fmt.Errorf("invalid exemptions backend %q, expected memory or configmap", o.ExemptionsBackend)
	}
	if o.CacheTTL <= 0 {
		return fmt.Errorf("cache-ttl must be positive, got %s", o.CacheTTL)
	}
	if o.MaxHistoryEvents <= 0 {
		return fmt.Errorf("max-history-events must be positive, got %d", o.MaxHistoryEvents)
	}
	return nil
}
