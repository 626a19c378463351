// Package notify delivers fire-and-forget events to the Support, Billing and CRM collaborators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fno-automation-engine/internal/config"
)

// Target names an outbound collaborator.
type Target string

const (
	TargetSupport Target = "support"
	TargetBilling Target = "billing"
	TargetCRM     Target = "crm"
)

// Event kinds.
const (
	EventFaultEscalated = "fault_escalated"
	EventOrderPlaced    = "order_placed"
)

// Event is what a collaborator receives.
type Event struct {
	Target    Target         `json:"target"`
	Kind      string         `json:"kind"`
	Tenant    string         `json:"tenant"`
	JobID     string         `json:"job_id"`
	Operator  string         `json:"operator"`
	Reference string         `json:"reference,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Webhook POSTs events as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", ev.Target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", ev.Target, resp.StatusCode)
	}
	return nil
}

// Log writes events to the structured log.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	l.log.Info().
		Str("target", string(ev.Target)).
		Str("kind", ev.Kind).
		Str("tenant", ev.Tenant).
		Str("job_id", ev.JobID).
		Str("operator", ev.Operator).
		Str("reference", ev.Reference).
		Str("device_id", ev.DeviceID).
		Msg("notification")
	return nil
}

// Router sends each event to the notifier registered for its target.
type Router struct {
	targets  map[Target]Notifier
	fallback Notifier
}

// NewRouter builds a router that uses fallback for targets without a notifier.
func NewRouter(fallback Notifier) *Router {
	return &Router{targets: make(map[Target]Notifier), fallback: fallback}
}

// Route registers n for target.
func (r *Router) Route(target Target, n Notifier) *Router {
	r.targets[target] = n
	return r
}

func (r *Router) Notify(ctx context.Context, ev Event) error {
	n, ok := r.targets[ev.Target]
	if !ok {
		n = r.fallback
	}
	if n == nil {
		return fmt.Errorf("no notifier for target %q", ev.Target)
	}
	return n.Notify(ctx, ev)
}

// FromConfig routes targets with a configured webhook URL to that webhook and the rest to the log.
func FromConfig(cfg config.Config, log zerolog.Logger) *Router {
	r := NewRouter(NewLog(log))
	urls := map[Target]string{
		TargetSupport: cfg.SupportWebhookURL,
		TargetBilling: cfg.BillingWebhookURL,
		TargetCRM:     cfg.CRMWebhookURL,
	}
	for target, url := range urls {
		if url != "" {
			r.Route(target, NewWebhook(url, cfg.NotifyTimeout))
		}
	}
	return r
}
