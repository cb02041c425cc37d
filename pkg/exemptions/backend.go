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
	"encoding/json"
	"fmt"

	"github.com/Fadih/kube-freezer/pkg/store"
)

const (
	exemptionsKey = "exemptions"
	component     = "exemptions"
)

type recordStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
	Update(ctx context.Context, name string, component string, mutate func(data map[string]string)) error
}

// ConfigMapBackend persists the exemption set as a JSON object keyed by id in
// a single record key.
type ConfigMapBackend struct {
	store      recordStore
	recordName string
}

func NewConfigMapBackend(s recordStore, recordName string) *ConfigMapBackend {
	return &ConfigMapBackend{store: s, recordName: recordName}
}

func (b *ConfigMapBackend) Load(ctx context.Context) (map[string]Exemption, error) {
	data, err := b.store.Get(ctx, b.recordName)
	if err != nil {
		if store.IsNotFound(err) {
			return map[string]Exemption{}, nil
		}
		return nil, err
	}
	all := map[string]Exemption{}
	if raw := data[exemptionsKey]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &all); err != nil {
			return nil, fmt.Errorf("decoding exemptions, %w", err)
		}
	}
	return all, nil
}

func (b *ConfigMapBackend) Save(ctx context.Context, exemptions map[string]Exemption) error {
	encoded, err := json.Marshal(exemptions)
	if err != nil {
		return fmt.Errorf("encoding exemptions, %w", err)
	}
	return b.store.Update(ctx, b.recordName, component, func(data map[string]string) {
		data[exemptionsKey] = string(encoded)
	})
}

// MemoryBackend keeps exemptions in process memory. Used in tests and when
// the backend option is "memory".
type MemoryBackend struct {
	exemptions map[string]Exemption
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{exemptions: map[string]Exemption{}}
}

func (b *MemoryBackend) Load(_ context.Context) (map[string]Exemption, error) {
	out := map[string]Exemption{}
	for id, e := range b.exemptions {
		out[id] = e
	}
	return out, nil
}

func (b *MemoryBackend) Save(_ context.Context, exemptions map[string]Exemption) error {
	b.exemptions = map[string]Exemption{}
	for id, e := range exemptions {
		b.exemptions[id] = e
	}
	return nil
}
