package adapter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fno-automation-engine/internal/registry"
)

// Options configures the adapters a Resolver builds.
type Options struct {
	APITimeout    time.Duration
	PortalTimeout time.Duration
	HTTPClient    *http.Client
	NewBrowser    BrowserFactory
	Evidence      EvidenceRecorder
	Logger        zerolog.Logger
}

// Resolver turns descriptors into adapters. Portal adapters built by the same Resolver
// share session locks, so one login is never used by two sessions at once.
type Resolver struct {
	opts     Options
	sessions *sessionLocks
}

// NewResolver builds a Resolver, filling unset options with defaults.
func NewResolver(opts Options) *Resolver {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.NewBrowser == nil {
		opts.NewBrowser = NewSimulatedBrowserFactory(500 * time.Millisecond)
	}
	return &Resolver{opts: opts, sessions: newSessionLocks()}
}

// Resolve picks the adapter by capability presence: a remote credential selects the API
// adapter, a portal login selects the portal adapter, anything else is ErrConfiguration.
func (r *Resolver) Resolve(desc registry.Descriptor) (Adapter, error) {
	switch desc.DetectCapability() {
	case registry.CapabilityAPI:
		if desc.BaseURL == "" {
			return nil, fmt.Errorf("%w: operator %s has an API key but no base_url", ErrConfiguration, desc.Name)
		}
		return newAPIAdapter(desc, r.opts.HTTPClient, r.opts.APITimeout, r.opts.Logger), nil
	case registry.CapabilityPortal:
		return newPortalAdapter(desc, r.opts.NewBrowser, r.sessions, r.opts.PortalTimeout, r.opts.Evidence, r.opts.Logger), nil
	}
	return nil, fmt.Errorf("%w: operator %s has neither an API key nor portal credentials", ErrConfiguration, desc.Name)
}
