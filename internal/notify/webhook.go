// Package notify posts completed message records to the n8n webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"
)

// Message is one collected caller message. Empty fields are sent as the
// literal "Non spécifié" / "Non spécifiée" the downstream workflow expects.
type Message struct {
	CallerID string
	Service  string
	Name     string
	Company  string
	Subject  string
}

type payload struct {
	CallerID string `json:"caller_id"`
	Service  string `json:"service"`
	Nom      string `json:"nom"`
	Societe  string `json:"societe"`
	Sujet    string `json:"sujet"`
}

// Webhook delivers messages to a configured URL. Failures are logged, never
// propagated; with an empty URL every Notify is a no-op.
type Webhook struct {
	url      string
	client   *http.Client
	onResult func(outcome string)
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetResultHook installs an optional outcome hook ("sent", "failed",
// "skipped") for metrics.
func (w *Webhook) SetResultHook(hook func(outcome string)) {
	w.onResult = hook
}

// Notify posts the message. The call completes normally whatever happens.
func (w *Webhook) Notify(ctx context.Context, m Message) {
	if w.url == "" {
		log.Printf("webhook not_configured")
		w.report("skipped")
		return
	}

	body, err := json.Marshal(payload{
		CallerID: m.CallerID,
		Service:  orDefault(m.Service, "Non spécifié"),
		Nom:      orDefault(m.Name, "Non spécifié"),
		Societe:  orDefault(m.Company, "Non spécifiée"),
		Sujet:    orDefault(m.Subject, "Non spécifié"),
	})
	if err != nil {
		log.Printf("webhook marshal_error err=%v", err)
		w.report("failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("webhook request_error err=%v", err)
		w.report("failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		log.Printf("webhook send_error err=%v", err)
		w.report("failed")
		return
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Printf("webhook delivery_failed status=%d", res.StatusCode)
		w.report("failed")
		return
	}
	log.Printf("webhook notification_sent caller=%s", m.CallerID)
	w.report("sent")
}

func (w *Webhook) report(outcome string) {
	if w.onResult != nil {
		w.onResult(outcome)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
