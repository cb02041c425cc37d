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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"k8s.io/utils/clock"
	"knative.dev/pkg/signals"

	"github.com/Fadih/kube-freezer/pkg/apiserver"
	"github.com/Fadih/kube-freezer/pkg/operator"
	"github.com/Fadih/kube-freezer/pkg/operator/logging"
	"github.com/Fadih/kube-freezer/pkg/operator/options"
)

func main() {
	opts := options.New()
	if err := opts.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parsing options: %s\n", err)
		os.Exit(1)
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "validating options: %s\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(opts.LogLevel, opts.LogFormat)
	defer func() { _ = logger.Sync() }()
	ctx := logging.WithLogger(signals.NewContext(), logger)

	client, err := operator.NewKubeClient()
	if err != nil {
		logger.Fatalf("building kubernetes client, %s", err)
	}

	op := operator.NewOperator(opts, client, clock.RealClock{})
	if err := op.Start(ctx); err != nil {
		logger.Fatalf("starting operator, %s", err)
	}
	defer op.Stop()

	server := apiserver.New(apiserver.Config{
		Loader:           op.Loader,
		PolicyStore:      op.Store,
		PolicyRecordName: opts.PolicyConfigMapName,
		Schedules:        op.Schedules,
		Exemptions:       op.Exemptions,
		History:          op.History,
		Templates:        op.Templates,
		Notifier:         op.Notifier,
		Auditor:          op.Auditor,
		Engine:           op.Engine,
		Metrics:          op.Metrics,
		Clock:            op.Clock,
		AdmissionTimeout: opts.AdmissionTimeout,
		Auth: apiserver.NewAuthenticator(
			client,
			op.Secrets,
			opts.APIKeysSecretName,
			func() []string { return op.Loader.GetConfig().APIAllowedServiceAccounts },
			opts.StrictAuth,
			opts.APIKey,
		),
	})

	webhookServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.WebhookPort),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.HealthProbePort),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infow("webhook and api server listening", "port", opts.WebhookPort)
		errCh <- webhookServer.ListenAndServeTLS(opts.TLSCertFile, opts.TLSKeyFile)
	}()
	go func() {
		logger.Infow("health probe server listening", "port", opts.HealthProbePort)
		errCh <- healthServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server failed, %s", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = webhookServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
}
