package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fno-automation-engine/internal/registry"
)

// Browser failures the portal adapter classifies.
var (
	ErrLoginRejected     = errors.New("login rejected")
	ErrTargetNotFound    = errors.New("target not found")
	ErrPortalUnavailable = errors.New("portal unavailable")
)

// Browser drives an operator web portal one discrete action at a time.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Login(ctx context.Context, username, password string) error
	Fill(ctx context.Context, form string, fields map[string]string) error
	Submit(ctx context.Context) error
	Scrape(ctx context.Context) (Result, error)
	Close() error
}

// BrowserFactory opens a fresh browser for one portal session.
type BrowserFactory func(desc registry.Descriptor) Browser

// Settings keys understood by the simulated browser.
const (
	SettingSimulate   = "simulate"
	SettingNoCoverage = "no_coverage"
	SettingRefPrefix  = "reference_prefix"
)

// NewSimulatedBrowserFactory returns browsers that imitate a portal with a fixed delay per action.
// Operator settings steer the simulation: simulate=login_rejected|target_not_found|unavailable,
// no_coverage=<address substring>, reference_prefix=<fault reference prefix>.
func NewSimulatedBrowserFactory(stepDelay time.Duration) BrowserFactory {
	return func(desc registry.Descriptor) Browser {
		return &simulatedBrowser{desc: desc, delay: stepDelay}
	}
}

type simulatedBrowser struct {
	desc     registry.Descriptor
	delay    time.Duration
	page     string
	loggedIn bool
	form     string
	fields   map[string]string
	ref      string
}

func (b *simulatedBrowser) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *simulatedBrowser) simulate(mode string) bool {
	return b.desc.Settings[SettingSimulate] == mode
}

func (b *simulatedBrowser) Navigate(ctx context.Context, url string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if b.simulate("unavailable") {
		return fmt.Errorf("%w: %s", ErrPortalUnavailable, url)
	}
	b.page = url
	return nil
}

func (b *simulatedBrowser) Login(ctx context.Context, username, password string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if b.page == "" {
		return fmt.Errorf("%w: login form", ErrTargetNotFound)
	}
	if b.simulate("login_rejected") || username == "" || password == "" {
		return fmt.Errorf("%w for user %q", ErrLoginRejected, username)
	}
	b.loggedIn = true
	return nil
}

func (b *simulatedBrowser) Fill(ctx context.Context, form string, fields map[string]string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if !b.loggedIn {
		return fmt.Errorf("%w: session expired", ErrLoginRejected)
	}
	if b.simulate("target_not_found") {
		return fmt.Errorf("%w: form %s", ErrTargetNotFound, form)
	}
	b.form = form
	b.fields = fields
	return nil
}

func (b *simulatedBrowser) Submit(ctx context.Context) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if b.form == "" {
		return fmt.Errorf("%w: submit button", ErrTargetNotFound)
	}
	b.ref = strings.ToUpper(uuid.NewString()[:8])
	return nil
}

func (b *simulatedBrowser) Scrape(ctx context.Context) (Result, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.ref == "" {
		return nil, fmt.Errorf("%w: confirmation panel", ErrTargetNotFound)
	}
	switch b.form {
	case formCoverage:
		addr := b.fields["address"]
		blocked := b.desc.Settings[SettingNoCoverage]
		available := blocked == "" || !strings.Contains(strings.ToLower(addr), strings.ToLower(blocked))
		msg := "Coverage confirmed via Portal Scraping"
		if !available {
			msg = "No coverage listed for address"
		}
		return Result{"available": available, "address": addr, "message": msg}, nil
	case formOrder:
		return Result{"status": "QUEUED_ON_PORTAL", "order_id": fmt.Sprintf("BROWSER-%s-%s", b.desc.Name, b.ref)}, nil
	case formCancel:
		return Result{"status": "CANCELLATION_SUBMITTED_TO_PORTAL", "order_id": b.fields["order_id"]}, nil
	case formFault:
		prefix := b.desc.Settings[SettingRefPrefix]
		if prefix == "" {
			prefix = strings.ToUpper(b.desc.Name)
		}
		return Result{"status": "LOGGED", "fno_reference": fmt.Sprintf("%s-OUTAGE-%s", prefix, b.ref)}, nil
	}
	return nil, fmt.Errorf("%w: result for form %s", ErrTargetNotFound, b.form)
}

func (b *simulatedBrowser) Close() error {
	b.loggedIn = false
	return nil
}
