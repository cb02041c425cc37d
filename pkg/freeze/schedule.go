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
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// instantLayouts are the accepted wire forms for instants, tried in order.
// Forms without a zone are taken as UTC.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseInstant parses an ISO-8601-style instant. A trailing Z or explicit
// offset is honored; a bare timestamp is assumed UTC.
func ParseInstant(s string) (time.Time, error) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Schedule is a cron-plus-date-range declaration of a recurring freeze
// window. Field order here is the canonical serialization order.
type Schedule struct {
	Name       string
	Start      time.Time
	End        time.Time
	Cron       string
	Namespaces []string
	Message    string
}

// scheduleRecord is the wire shape. Struct field order drives the key order
// yaml.v3 emits, which keeps the persisted record in canonical order.
type scheduleRecord struct {
	Name       string   `yaml:"name" json:"name"`
	Start      string   `yaml:"start" json:"start"`
	End        string   `yaml:"end" json:"end"`
	Cron       string   `yaml:"cron" json:"cron"`
	Namespaces []string `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
}

func (s Schedule) record() scheduleRecord {
	return scheduleRecord{
		Name:       s.Name,
		Start:      s.Start.UTC().Format(time.RFC3339),
		End:        s.End.UTC().Format(time.RFC3339),
		Cron:       s.Cron,
		Namespaces: s.Namespaces,
		Message:    s.Message,
	}
}

func (s *Schedule) fromRecord(rec scheduleRecord) error {
	start, err := ParseInstant(rec.Start)
	if err != nil {
		return fmt.Errorf("parsing start of schedule %q, %w", rec.Name, err)
	}
	end, err := ParseInstant(rec.End)
	if err != nil {
		return fmt.Errorf("parsing end of schedule %q, %w", rec.Name, err)
	}
	*s = Schedule{
		Name:       rec.Name,
		Start:      start,
		End:        end,
		Cron:       rec.Cron,
		Namespaces: rec.Namespaces,
		Message:    rec.Message,
	}
	return nil
}

func (s Schedule) MarshalYAML() (interface{}, error) {
	return s.record(), nil
}

func (s *Schedule) UnmarshalYAML(value *yaml.Node) error {
	rec := scheduleRecord{}
	if err := value.Decode(&rec); err != nil {
		return err
	}
	return s.fromRecord(rec)
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.record())
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	rec := scheduleRecord{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	return s.fromRecord(rec)
}

// Validate enforces the schedule validity rules: start, end and cron are all
// required, end must be after start, and cron must parse as a standard
// 5-field expression.
func (s Schedule) Validate() error {
	if s.Start.IsZero() {
		return fmt.Errorf("schedule %q is missing start", s.Name)
	}
	if s.End.IsZero() {
		return fmt.Errorf("schedule %q is missing end", s.Name)
	}
	if !s.End.After(s.Start) {
		return fmt.Errorf("schedule %q end %s is not after start %s", s.Name, s.End.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	if s.Cron == "" {
		return fmt.Errorf("schedule %q is missing cron", s.Name)
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("schedule %q has invalid cron %q, %w", s.Name, s.Cron, err)
	}
	return nil
}
