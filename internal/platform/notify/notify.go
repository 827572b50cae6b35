// Package notify is the client side of the external notification gateway.
// The gateway owns actual SMS/email/letter delivery; this package renders
// templates, dispatches send requests, and classifies failures as transient
// (retry on the next scheduling pass) or permanent (mark the number invalid).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Channel represents the delivery channel for an outbound message.
type Channel string

const (
	ChannelSMS    Channel = "sms"
	ChannelEmail  Channel = "email"
	ChannelLetter Channel = "letter"
)

// Template identifiers used by the contact escalation campaign.
const (
	TemplateSMS1               = "wms-sms-1"
	TemplateSMS2               = "wms-sms-2"
	TemplateSMS3               = "wms-sms-3"
	TemplateProviderDeclined   = "wms-provider-declined"
	TemplateProviderRejected   = "wms-provider-rejected"
	TemplateProviderTerminated = "wms-provider-terminated"
	TemplateDuplicateCancelled = "wms-duplicate-cancelled"
)

// Result describes the gateway's response to a send request.
type Result struct {
	Delivered        bool
	PermanentFailure bool
	GatewayRef       string
}

// PermanentError marks a failure that will not succeed on retry, such as an
// invalid or unreachable number. The caller should flag the contact detail
// rather than re-queue the message.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %s", e.Reason)
}

// Sender dispatches one rendered message through the gateway.
type Sender interface {
	Send(ctx context.Context, channel Channel, templateID string, personalisation map[string]string, recipient string) (*Result, error)
}

// TemplateEngine manages message templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// Template defines a reusable outbound message template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// NewTemplateEngine creates a TemplateEngine with the campaign templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateSMS1,
			Name:    "First referral text message",
			Body:    "Your GP practice has referred you to the NHS Weight Management Programme. Choose your provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateSMS2,
			Name:    "Second referral text message",
			Body:    "Reminder: your NHS Weight Management Programme referral is waiting. Choose your provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateSMS3,
			Name:    "Post-call text message",
			Body:    "We tried to call you about your NHS Weight Management Programme referral. You can still choose a provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateProviderDeclined,
			Name:    "Provider declined follow-up",
			Body:    "Your chosen weight management provider could not continue your programme. Choose a different provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateProviderRejected,
			Name:    "Provider rejected follow-up",
			Body:    "Your weight management referral needs your attention. Choose a different provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateProviderTerminated,
			Name:    "Provider terminated follow-up",
			Body:    "Your weight management programme has ended early. You can choose a new provider here: {{link}}",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateDuplicateCancelled,
			Name:    "Duplicate referral cancelled",
			Body:    "We received more than one referral for you. The earlier one has been closed; your current referral is unaffected.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// HTTPSender sends messages through a GOV.UK-Notify-style HTTP gateway.
type HTTPSender struct {
	baseURL   string
	apiKey    string
	smsSender string
	templates *TemplateEngine
	client    *http.Client
}

func NewHTTPSender(baseURL, apiKey, smsSender string, templates *TemplateEngine) *HTTPSender {
	return &HTTPSender{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		smsSender: smsSender,
		templates: templates,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type sendRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	Sender    string `json:"sender,omitempty"`
}

type sendResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, channel Channel, templateID string, personalisation map[string]string, recipient string) (*Result, error) {
	body, err := s.templates.Render(templateID, personalisation)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	payload, err := json.Marshal(sendRequest{
		Channel:   string(channel),
		Recipient: recipient,
		Body:      body,
		Sender:    s.smsSender,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/notifications", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notification gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		// Gateway rejected the recipient outright; retrying cannot help.
		return &Result{PermanentFailure: true, GatewayRef: out.Reference},
			&PermanentError{Reason: out.Error}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("notification gateway returned %d: %s", resp.StatusCode, out.Error)
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("notification gateway returned %d: %s", resp.StatusCode, out.Error)
	}

	return &Result{Delivered: true, GatewayRef: out.Reference}, nil
}

// SendCall records a single call to a MockSender.
type SendCall struct {
	Channel         Channel
	TemplateID      string
	Personalisation map[string]string
	Recipient       string
}

// MockSender is a test double for Sender.
type MockSender struct {
	mu        sync.Mutex
	calls     []SendCall
	FailWith  error
	Permanent bool
}

func (m *MockSender) Send(_ context.Context, channel Channel, templateID string, personalisation map[string]string, recipient string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{
		Channel:         channel,
		TemplateID:      templateID,
		Personalisation: personalisation,
		Recipient:       recipient,
	})
	if m.FailWith != nil {
		if m.Permanent {
			return &Result{PermanentFailure: true}, m.FailWith
		}
		return nil, m.FailWith
	}
	return &Result{Delivered: true, GatewayRef: fmt.Sprintf("ref-%d", len(m.calls))}, nil
}

// Calls returns a copy of recorded send calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
