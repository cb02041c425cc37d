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

package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// subscription implements the shared event filter. An empty subscription set
// means "all events".
type subscription struct {
	events []string
}

func (s subscription) Supports(eventType string) bool {
	return len(s.events) == 0 || lo.Contains(s.events, eventType)
}

type slackProvider struct {
	subscription
	webhookURL string
	client     *http.Client
}

func newSlackProvider(pc providerConfig) (*slackProvider, error) {
	if pc.WebhookURL == "" {
		return nil, fmt.Errorf("slack provider requires webhook_url")
	}
	return &slackProvider{
		subscription: subscription{events: pc.Events},
		webhookURL:   pc.WebhookURL,
		client:       &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *slackProvider) Name() string { return "slack" }

func (p *slackProvider) Send(ctx context.Context, event Event) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": event.Title},
		},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": event.Message},
		},
	}
	if len(event.Details) > 0 {
		var fields []map[string]any
		for _, k := range sortedKeys(event.Details) {
			fields = append(fields, map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s:* %s", k, event.Details[k]),
			})
		}
		blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
	}
	return postJSON(ctx, p.client, p.webhookURL, nil, map[string]any{"blocks": blocks})
}

type emailProvider struct {
	subscription
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
}

func newEmailProvider(pc providerConfig) (*emailProvider, error) {
	if pc.SMTPHost == "" || pc.From == "" || len(pc.To) == 0 {
		return nil, fmt.Errorf("email provider requires smtp_host, from and to")
	}
	port := pc.SMTPPort
	if port == 0 {
		port = 587
	}
	return &emailProvider{
		subscription: subscription{events: pc.Events},
		host:         pc.SMTPHost,
		port:         port,
		username:     pc.Username,
		password:     pc.Password,
		from:         pc.From,
		to:           pc.To,
	}, nil
}

func (p *emailProvider) Name() string { return "email" }

func (p *emailProvider) Send(_ context.Context, event Event) error {
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", p.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(p.to, ", "))
	fmt.Fprintf(&body, "Subject: [kube-freezer] %s\r\n", event.Title)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(event.Message)
	body.WriteString("\r\n")
	for _, k := range sortedKeys(event.Details) {
		fmt.Fprintf(&body, "%s: %s\r\n", k, event.Details[k])
	}
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}
	// SendMail negotiates STARTTLS when the server advertises it.
	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	if err := smtp.SendMail(addr, auth, p.from, p.to, []byte(body.String())); err != nil {
		return fmt.Errorf("sending mail via %s, %w", addr, err)
	}
	return nil
}

type webhookProvider struct {
	subscription
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookProvider(pc providerConfig) (*webhookProvider, error) {
	if pc.URL == "" {
		return nil, fmt.Errorf("webhook provider requires url")
	}
	return &webhookProvider{
		subscription: subscription{events: pc.Events},
		url:          pc.URL,
		headers:      pc.Headers,
		client:       &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *webhookProvider) Name() string { return "webhook" }

func (p *webhookProvider) Send(ctx context.Context, event Event) error {
	return postJSON(ctx, p.client, p.url, p.headers, map[string]any{
		"event_type": event.Type,
		"namespace":  event.Namespace,
		"title":      event.Title,
		"message":    event.Message,
		"details":    event.Details,
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint responded %d", resp.StatusCode)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
