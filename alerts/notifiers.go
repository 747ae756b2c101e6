package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notifier is one outbound channel for persisted alerts.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, e Emitted) error
}

// EventPublisher is the live event stream as seen by the sink.
type EventPublisher interface {
	Publish(ctx context.Context, orgId, eventType string, payload any) error
}

const (
	EventAlertCreated = "alert_created"
	EventAlertUpdated = "alert_updated"
)

// WebhookNotifier posts a Slack-compatible message to an incoming webhook.
// An empty URL disables it.
type WebhookNotifier struct {
	URL        string
	AppBaseURL string
	Client     *http.Client
}

func NewWebhookNotifier(url, appBaseURL string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, AppBaseURL: appBaseURL, Client: &http.Client{}}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, e Emitted) error {
	if w.URL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": SlackText(e, InvoiceLink(w.AppBaseURL, e.Alert.InvoiceId))})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// InvoiceLink is the deep link to an invoice in the web app, or "" when no
// base URL is configured.
func InvoiceLink(baseURL string, invoiceId int) string {
	if baseURL == "" || invoiceId == 0 {
		return ""
	}
	return fmt.Sprintf("%s/invoices/%d", strings.TrimRight(baseURL, "/"), invoiceId)
}

// SlackText renders the compact alert message:
//
//	:rotating_light: [HIGH] price_deviation - vendor=Acme, invoice=INV-1
//	<message>
//	<link|Open in ProcureSight>
func SlackText(e Emitted, link string) string {
	a := e.Alert
	severity := strings.ToUpper(string(a.Severity))
	if severity == "" {
		severity = "INFO"
	}
	vendor := a.VendorName
	if vendor == "" {
		vendor = fmt.Sprint(a.VendorId)
	}
	invoice := a.InvoiceNo
	if invoice == "" {
		invoice = fmt.Sprint(a.InvoiceId)
	}
	text := fmt.Sprintf(":rotating_light: [%s] %s - vendor=%s, invoice=%s\n%s", severity, a.Type, vendor, invoice, a.Message)
	if link != "" {
		text += fmt.Sprintf("\n<%s|Open in ProcureSight>", link)
	}
	return text
}

// StreamNotifier publishes alert_created / alert_updated to the event stream.
type StreamNotifier struct {
	Publisher EventPublisher
}

func (s *StreamNotifier) Name() string { return "stream" }

func (s *StreamNotifier) Notify(ctx context.Context, e Emitted) error {
	if s.Publisher == nil {
		return nil
	}
	eventType := EventAlertUpdated
	if e.Created {
		eventType = EventAlertCreated
	}
	return s.Publisher.Publish(ctx, e.Alert.OrgId, eventType, e.Alert)
}
