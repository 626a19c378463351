package adapter

import "context"

// Probe lets the caller observe and steer a running operation between discrete steps.
type Probe struct {
	JobID   string
	Attempt int
	// Progress receives a short human-readable description of the current step.
	Progress func(detail string)
	// Cancelled is polled between steps; it is never consulted mid-step.
	Cancelled func() bool
}

type probeKey struct{}

// WithProbe attaches p to ctx.
func WithProbe(ctx context.Context, p Probe) context.Context {
	return context.WithValue(ctx, probeKey{}, p)
}

func probeFrom(ctx context.Context) Probe {
	p, _ := ctx.Value(probeKey{}).(Probe)
	return p
}

func (p Probe) report(detail string) {
	if p.Progress != nil {
		p.Progress(detail)
	}
}

func (p Probe) cancelled() bool {
	return p.Cancelled != nil && p.Cancelled()
}
