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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"knative.dev/pkg/logging"
)

const (
	// serverTimeout bounds a single watch stream on the server side; the
	// clientGuard fires slightly later so a hung stream still gets recycled.
	serverTimeout = 60 * time.Second
	clientGuard   = 65 * time.Second

	resubscribeDelay = 5 * time.Second
)

// Event is a single change observed on a watched record.
type Event struct {
	Type watch.EventType
	Data map[string]string
}

// ConfigMapStore reads, mutates and watches named configuration records in a
// single namespace. Mutations are read-modify-patch and create the record on
// first write.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
}

func NewConfigMapStore(client kubernetes.Interface, namespace string) *ConfigMapStore {
	return &ConfigMapStore{client: client, namespace: namespace}
}

func (s *ConfigMapStore) Namespace() string {
	return s.namespace
}

// Get returns the record's data map. Callers own the returned map.
func (s *ConfigMapStore) Get(ctx context.Context, name string) (map[string]string, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	data := map[string]string{}
	for k, v := range cm.Data {
		data[k] = v
	}
	return data, nil
}

// IsNotFound reports whether err is the store's missing-record error.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// Update applies mutate to the record's current data and patches it back. A
// missing record is created with the standard component labels before the
// mutation is applied.
func (s *ConfigMapStore) Update(ctx context.Context, name string, component string, mutate func(data map[string]string)) error {
	data, err := s.Get(ctx, name)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("reading record %s, %w", name, err)
		}
		data = map[string]string{}
		mutate(data)
		_, err = s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: s.namespace,
				Labels: map[string]string{
					"app.kubernetes.io/name":       "kube-freezer",
					"app.kubernetes.io/component":  component,
					"app.kubernetes.io/managed-by": "kubefreezer",
				},
			},
			Data: data,
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("creating record %s, %w", name, err)
		}
		return nil
	}
	mutate(data)
	patch, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return fmt.Errorf("marshaling patch for record %s, %w", name, err)
	}
	if _, err := s.client.CoreV1().ConfigMaps(s.namespace).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patching record %s, %w", name, err)
	}
	return nil
}

// Watch streams changes to the named record until ctx is canceled. The
// returned channel is coalescing: if the consumer lags, older events are
// replaced by the newest one, which is safe because consumers re-read the
// record on every event. The stream re-subscribes on server timeouts and
// errors without surfacing them to the consumer.
func (s *ConfigMapStore) Watch(ctx context.Context, name string) <-chan Event {
	events := make(chan Event, 1)
	go func() {
		defer close(events)
		for ctx.Err() == nil {
			w, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
				FieldSelector:  fields.OneTermEqualSelector("metadata.name", name).String(),
				TimeoutSeconds: lo.ToPtr(int64(serverTimeout / time.Second)),
			})
			if err != nil {
				logging.FromContext(ctx).Errorf("watching record %s, %s", name, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(resubscribeDelay):
				}
				continue
			}
			s.consume(ctx, w, events)
		}
	}()
	return events
}

func (s *ConfigMapStore) consume(ctx context.Context, w watch.Interface, events chan Event) {
	defer w.Stop()
	guard := time.NewTimer(clientGuard)
	defer guard.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-guard.C:
			// The server should have ended the stream already; recycle it.
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			out := Event{Type: ev.Type}
			if cm, ok := ev.Object.(*corev1.ConfigMap); ok {
				out.Data = cm.Data
			}
			forward(events, out)
		}
	}
}

// forward delivers latest-wins: a pending undelivered event is dropped in
// favor of the newer one.
func forward(events chan Event, out Event) {
	select {
	case events <- out:
	default:
		select {
		case <-events:
		default:
		}
		select {
		case events <- out:
		default:
		}
	}
}

// SecretStore reads named Secrets in the controller namespace (API keys).
type SecretStore struct {
	client    kubernetes.Interface
	namespace string
}

func NewSecretStore(client kubernetes.Interface, namespace string) *SecretStore {
	return &SecretStore{client: client, namespace: namespace}
}

func (s *SecretStore) Get(ctx context.Context, name string) (map[string][]byte, error) {
	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return secret.Data, nil
}
