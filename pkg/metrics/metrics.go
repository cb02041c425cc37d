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

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kubefreezer"

// Collector owns all controller metrics on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	admissionRequests  *prometheus.CounterVec
	admissionDuration  prometheus.Histogram
	freezeActive       prometheus.Gauge
	bypassUsed         *prometheus.CounterVec
	reloadErrors       prometheus.Counter
	reloadTimestamp    prometheus.Gauge
	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		admissionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_requests_total",
			Help:      "Admission decisions by outcome, resource type and namespace.",
		}, []string{"decision", "resource_type", "namespace"}),
		admissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Time spent producing an admission decision.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		freezeActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "freeze_active",
			Help:      "Whether a cluster-wide freeze is currently active.",
		}),
		bypassUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypass_used_total",
			Help:      "Bypasses granted by type and namespace.",
		}, []string{"bypass_type", "namespace"}),
		reloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reload_errors_total",
			Help:      "Failed policy reloads.",
		}),
		reloadTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_reload_timestamp_seconds",
			Help:      "Unix time of the last successful policy reload.",
		}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "REST requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		apiRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "REST request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordAdmission(decision, resourceType, namespace string, elapsed time.Duration) {
	c.admissionRequests.WithLabelValues(decision, resourceType, namespace).Inc()
	c.admissionDuration.Observe(elapsed.Seconds())
}

func (c *Collector) SetFreezeActive(active bool) {
	if active {
		c.freezeActive.Set(1)
		return
	}
	c.freezeActive.Set(0)
}

func (c *Collector) RecordBypass(bypassType, namespace string) {
	c.bypassUsed.WithLabelValues(bypassType, namespace).Inc()
}

func (c *Collector) RecordReloadError() {
	c.reloadErrors.Inc()
}

func (c *Collector) RecordReload(at time.Time) {
	c.reloadTimestamp.Set(float64(at.Unix()))
}

func (c *Collector) RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	c.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.apiRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
