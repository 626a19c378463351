package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fno-automation-engine/internal/registry"
)

const maxResponseBytes = 1 << 20

// APIAdapter integrates with operators that expose a REST API.
type APIAdapter struct {
	desc    registry.Descriptor
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

func newAPIAdapter(desc registry.Descriptor, client *http.Client, timeout time.Duration, log zerolog.Logger) *APIAdapter {
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIAdapter{
		desc:    desc,
		client:  client,
		timeout: timeout,
		log:     log.With().Str("operator", desc.Name).Str("capability", string(registry.CapabilityAPI)).Logger(),
	}
}

func (a *APIAdapter) Operator() string                { return a.desc.Name }
func (a *APIAdapter) Capability() registry.Capability { return registry.CapabilityAPI }

// CheckAvailability asks the operator whether fibre is available at an address.
func (a *APIAdapter) CheckAvailability(ctx context.Context, address string) (Result, error) {
	return a.call(ctx, "check_availability", []string{"availability"}, map[string]any{"address": address})
}

// PlaceOrder submits an installation or migration order.
func (a *APIAdapter) PlaceOrder(ctx context.Context, customer Customer, planID string) (Result, error) {
	return a.call(ctx, "place_order", []string{"orders"}, map[string]any{"customer": customer, "plan_id": planID})
}

// CancelOrder cancels an existing order or service.
func (a *APIAdapter) CancelOrder(ctx context.Context, orderID string) (Result, error) {
	return a.call(ctx, "cancel_order", []string{"orders", orderID, "cancel"}, nil)
}

// ReportFault logs a signal fault with the operator's NOC.
func (a *APIAdapter) ReportFault(ctx context.Context, fault Fault) (Result, error) {
	return a.call(ctx, "report_fault", []string{"faults"}, fault)
}

func (a *APIAdapter) call(ctx context.Context, op string, path []string, body any) (Result, error) {
	probe := probeFrom(ctx)
	if probe.cancelled() {
		return nil, a.fail(op, KindTerminal, ReasonCancelled, "cancel requested before call", ErrCancelled)
	}

	endpoint, err := url.JoinPath(a.desc.BaseURL, path...)
	if err != nil {
		return nil, a.fail(op, KindTerminal, ReasonBadResponse, "invalid endpoint", err)
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, a.fail(op, KindTerminal, ReasonRejected, "encode request", err)
		}
		reader = bytes.NewReader(raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, a.fail(op, KindTerminal, ReasonBadResponse, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.desc.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	probe.report(fmt.Sprintf("calling %s API (%s)", a.desc.Name, op))
	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, a.fail(op, KindTransient, ReasonTimeout, fmt.Sprintf("no response within %s", a.timeout), err)
		}
		if ctx.Err() != nil {
			return nil, a.fail(op, KindTransient, ReasonAborted, "caller context done", err)
		}
		return nil, a.fail(op, KindTransient, ReasonConnection, err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, a.fail(op, KindTransient, ReasonConnection, "read response", err)
	}
	a.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(started)).Msg("api call finished")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, a.fail(op, KindTransient, ReasonUnavailable, fmt.Sprintf("status %d", resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusBadRequest:
		reason, msg := businessRejection(raw)
		return nil, a.fail(op, KindTerminal, reason, msg, nil)
	}

	out := Result{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, a.fail(op, KindTerminal, ReasonBadResponse, "decode response", err)
		}
	}
	out["fno"] = a.desc.Name
	out["provider_type"] = string(registry.CapabilityAPI)
	return out, nil
}

func (a *APIAdapter) fail(op string, kind ErrorKind, reason, msg string, err error) error {
	return &IntegrationError{Kind: kind, Reason: reason, Operator: a.desc.Name, Op: op, Message: msg, Err: err}
}

// businessRejection extracts the operator's own reason code and message, passing both through verbatim.
func businessRejection(raw []byte) (string, string) {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		code := body.Code
		if code == "" {
			code = ReasonRejected
		}
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		return code, msg
	}
	return ReasonRejected, strings.TrimSpace(string(raw))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
