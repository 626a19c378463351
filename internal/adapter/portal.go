package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"fno-automation-engine/internal/registry"
)

const (
	formCoverage = "coverage"
	formOrder    = "order"
	formCancel   = "cancel"
	formFault    = "fault"
)

// Portal session steps, in execution order.
const (
	StepNavigate     = "navigate"
	StepAuthenticate = "authenticate"
	StepInput        = "input"
	StepSubmit       = "submit"
	StepScrape       = "scrape"
)

// EvidenceRecorder stores the step transcript of a portal session.
type EvidenceRecorder interface {
	Record(ctx context.Context, key string, body []byte) (string, error)
}

// PortalAdapter integrates with operators only reachable through their web portal.
type PortalAdapter struct {
	desc       registry.Descriptor
	newBrowser BrowserFactory
	sessions   *sessionLocks
	timeout    time.Duration
	evidence   EvidenceRecorder
	log        zerolog.Logger
}

func newPortalAdapter(desc registry.Descriptor, browsers BrowserFactory, sessions *sessionLocks, timeout time.Duration, evidence EvidenceRecorder, log zerolog.Logger) *PortalAdapter {
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &PortalAdapter{
		desc:       desc,
		newBrowser: browsers,
		sessions:   sessions,
		timeout:    timeout,
		evidence:   evidence,
		log:        log.With().Str("operator", desc.Name).Str("capability", string(registry.CapabilityPortal)).Logger(),
	}
}

func (p *PortalAdapter) Operator() string                { return p.desc.Name }
func (p *PortalAdapter) Capability() registry.Capability { return registry.CapabilityPortal }

// CheckAvailability searches the portal's coverage map for an address.
func (p *PortalAdapter) CheckAvailability(ctx context.Context, address string) (Result, error) {
	return p.session(ctx, "check_availability", formCoverage, map[string]string{"address": address})
}

// PlaceOrder fills and submits the portal's order form.
func (p *PortalAdapter) PlaceOrder(ctx context.Context, customer Customer, planID string) (Result, error) {
	return p.session(ctx, "place_order", formOrder, map[string]string{
		"name":        customer.Name,
		"email":       customer.Email,
		"phone":       customer.Phone,
		"address":     customer.Address,
		"account_ref": customer.AccountRef,
		"plan_id":     planID,
	})
}

// CancelOrder submits a cancellation request on the portal.
func (p *PortalAdapter) CancelOrder(ctx context.Context, orderID string) (Result, error) {
	return p.session(ctx, "cancel_order", formCancel, map[string]string{"order_id": orderID})
}

// ReportFault logs an outage ticket on the portal.
func (p *PortalAdapter) ReportFault(ctx context.Context, fault Fault) (Result, error) {
	return p.session(ctx, "report_fault", formFault, map[string]string{
		"device_id": fault.DeviceID,
		"rx_power":  strconv.FormatFloat(fault.RxPowerDBm, 'f', 2, 64),
		"severity":  fault.Severity,
	})
}

type stepRecord struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type transcript struct {
	Operator string       `json:"operator"`
	Op       string       `json:"op"`
	JobID    string       `json:"job_id,omitempty"`
	Attempt  int          `json:"attempt"`
	Started  time.Time    `json:"started_at"`
	Steps    []stepRecord `json:"steps"`
	Outcome  string       `json:"outcome"`
}

type portalStep struct {
	name string
	run  func(ctx context.Context, b Browser) error
}

// session runs navigate -> authenticate -> input -> submit -> scrape under one login slot and
// one deadline. Any failing step ends the attempt.
func (p *PortalAdapter) session(ctx context.Context, op, form string, fields map[string]string) (Result, error) {
	probe := probeFrom(ctx)
	lockKey := p.desc.Name + "/" + p.desc.Credentials.Username

	probe.report(fmt.Sprintf("waiting for %s portal session", p.desc.Name))
	release, err := p.sessions.acquire(ctx, lockKey)
	if err != nil {
		return nil, p.fail(op, KindTransient, ReasonAborted, "", "waiting for portal session", err)
	}
	defer release()

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	browser := p.newBrowser(p.desc)
	defer browser.Close()

	var scraped Result
	steps := []portalStep{
		{StepNavigate, func(ctx context.Context, b Browser) error { return b.Navigate(ctx, p.desc.PortalURL) }},
		{StepAuthenticate, func(ctx context.Context, b Browser) error {
			return b.Login(ctx, p.desc.Credentials.Username, p.desc.Credentials.Password)
		}},
		{StepInput, func(ctx context.Context, b Browser) error { return b.Fill(ctx, form, fields) }},
		{StepSubmit, func(ctx context.Context, b Browser) error { return b.Submit(ctx) }},
		{StepScrape, func(ctx context.Context, b Browser) error {
			var err error
			scraped, err = b.Scrape(ctx)
			return err
		}},
	}

	tr := transcript{Operator: p.desc.Name, Op: op, JobID: probe.JobID, Attempt: probe.Attempt, Started: time.Now().UTC()}
	lastDone := ""
	for _, st := range steps {
		if probe.cancelled() {
			tr.Outcome = ReasonCancelled
			p.record(ctx, tr)
			return nil, p.fail(op, KindTerminal, ReasonCancelled, lastDone, "cancel requested", ErrCancelled)
		}
		probe.report(fmt.Sprintf("%s portal: %s", p.desc.Name, st.name))
		started := time.Now()
		err := st.run(sctx, browser)
		rec := stepRecord{Name: st.name, DurationMS: time.Since(started).Milliseconds()}
		if err == nil && sctx.Err() != nil {
			err = sctx.Err()
		}
		if err != nil {
			rec.Error = err.Error()
			tr.Steps = append(tr.Steps, rec)
			ierr := p.classify(sctx, op, lastDone, st.name, err)
			tr.Outcome = ierr.Reason
			p.record(ctx, tr)
			p.log.Warn().Str("op", op).Str("step", st.name).Str("last_step", lastDone).Str("reason", ierr.Reason).Msg("portal session failed")
			return nil, ierr
		}
		tr.Steps = append(tr.Steps, rec)
		lastDone = st.name
	}

	tr.Outcome = "OK"
	out := Result{}
	for k, v := range scraped {
		out[k] = v
	}
	out["fno"] = p.desc.Name
	out["provider_type"] = "BROWSER_AUTOMATION"
	if loc := p.record(ctx, tr); loc != "" {
		out["evidence"] = loc
	}
	return out, nil
}

func (p *PortalAdapter) classify(sctx context.Context, op, lastDone, failedStep string, err error) *IntegrationError {
	switch {
	case errors.Is(sctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return p.fail(op, KindTransient, ReasonTimeout, lastDone, fmt.Sprintf("session exceeded %s during %s", p.timeout, failedStep), err)
	case errors.Is(err, context.Canceled):
		return p.fail(op, KindTransient, ReasonAborted, lastDone, "caller context done", err)
	case errors.Is(err, ErrLoginRejected):
		return p.fail(op, KindTerminal, ReasonLoginRejected, lastDone, err.Error(), err)
	case errors.Is(err, ErrTargetNotFound):
		return p.fail(op, KindTerminal, ReasonTargetNotFound, lastDone, err.Error(), err)
	case errors.Is(err, ErrPortalUnavailable):
		return p.fail(op, KindTransient, ReasonUnavailable, lastDone, err.Error(), err)
	}
	return p.fail(op, KindTerminal, ReasonStepFailed, lastDone, err.Error(), err)
}

func (p *PortalAdapter) fail(op string, kind ErrorKind, reason, lastStep, msg string, err error) *IntegrationError {
	return &IntegrationError{Kind: kind, Reason: reason, Operator: p.desc.Name, Op: op, Step: lastStep, Message: msg, Err: err}
}

// record stores the transcript, best-effort. It returns the stored location or "".
func (p *PortalAdapter) record(ctx context.Context, tr transcript) string {
	if p.evidence == nil {
		return ""
	}
	body, err := json.Marshal(tr)
	if err != nil {
		return ""
	}
	id := tr.JobID
	if id == "" {
		id = tr.Started.Format("20060102T150405.000")
	}
	key := fmt.Sprintf("portal/%s/%s/attempt-%d.json", p.desc.Name, id, tr.Attempt)
	// The session deadline may already be spent; evidence gets its own short budget.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	loc, err := p.evidence.Record(rctx, key, body)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("record portal evidence")
		return ""
	}
	return loc
}
