// Package worker owns the automation job lifecycle: a fixed pool of workers runs adapter
// operations and a single result loop applies every post-execution state transition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"fno-automation-engine/internal/adapter"
	"fno-automation-engine/internal/config"
	"fno-automation-engine/internal/models"
	"fno-automation-engine/internal/notify"
	"fno-automation-engine/internal/queue"
	"fno-automation-engine/internal/registry"
	"fno-automation-engine/internal/telemetry"
)

// Store persists jobs and their audit trail.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	History(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Operators looks up integration descriptors by operator name.
type Operators interface {
	Lookup(name string) (registry.Descriptor, error)
}

// Resolver turns a descriptor into an adapter.
type Resolver interface {
	Resolve(desc registry.Descriptor) (adapter.Adapter, error)
}

var errSkip = errors.New("job not runnable")

type outcome struct {
	jobID   string
	attempt int
	result  adapter.Result
	err     error
}

// Dispatcher accepts automation jobs and drives them to a terminal state.
type Dispatcher struct {
	cfg       config.Config
	store     Store
	operators Operators
	resolver  Resolver
	dlq       queue.DeadLetter
	notifier  notify.Notifier
	log       zerolog.Logger
	validate  *validator.Validate
	now       func() time.Time

	tasks   chan string
	results chan outcome
	stopped chan struct{}
	stop    sync.Once

	mu       sync.Mutex
	adapters map[string]adapter.Adapter
	cancels  map[string]bool
	timers   map[string]*time.Timer

	notifications sync.WaitGroup
}

// NewDispatcher wires a dispatcher. Jobs may be created before Run starts; they wait in the
// task buffer.
func NewDispatcher(cfg config.Config, st Store, ops Operators, resolver Resolver, dlq queue.DeadLetter, notifier notify.Notifier, log zerolog.Logger) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if dlq == nil {
		dlq = queue.NewMemoryDeadLetter()
	}
	if notifier == nil {
		notifier = notify.NewLog(log)
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		operators: ops,
		resolver:  resolver,
		dlq:       dlq,
		notifier:  notifier,
		log:       log,
		validate:  validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
		tasks:     make(chan string, cfg.QueueSize),
		results:   make(chan outcome, cfg.WorkerCount),
		stopped:   make(chan struct{}),
		adapters:  make(map[string]adapter.Adapter),
		cancels:   make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// Run starts the worker pool and the result loop and blocks until ctx is done. Outcomes of
// operations still in flight at shutdown are applied before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	for i := 0; i < d.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			d.work(ctx)
		}()
	}

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		actx := context.WithoutCancel(ctx)
		for out := range d.results {
			d.apply(actx, out)
		}
	}()

	d.log.Info().Int("workers", d.cfg.WorkerCount).Int("max_attempts", d.cfg.MaxAttempts).Msg("dispatcher started")
	<-ctx.Done()
	workers.Wait()
	close(d.results)
	<-applied

	d.stop.Do(func() { close(d.stopped) })
	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.notifications.Wait()
	d.log.Info().Msg("dispatcher stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.tasks:
			if out, ok := d.execute(ctx, id); ok {
				d.results <- out
			}
		}
	}
}

// enqueue hands a job id to the pool without blocking the caller.
func (d *Dispatcher) enqueue(id string) {
	select {
	case <-d.stopped:
		return
	case d.tasks <- id:
		return
	default:
	}
	go func() {
		select {
		case <-d.stopped:
		case d.tasks <- id:
		}
	}()
}

// execute moves the job to RUNNING and runs its adapter operation.
func (d *Dispatcher) execute(ctx context.Context, id string) (outcome, bool) {
	var from models.JobState
	job, err := d.store.UpdateJob(ctx, id, func(j *models.Job) error {
		if j.State != models.StateQueued && j.State != models.StateRetryScheduled {
			return errSkip
		}
		from = j.State
		j.Progress = fmt.Sprintf("attempt %d of %d started", j.Attempts+1, j.MaxAttempts)
		return j.Transition(models.StateRunning, d.now())
	})
	if err != nil {
		if errors.Is(err, errSkip) {
			d.log.Debug().Str("job_id", id).Msg("skipping job that is no longer runnable")
		} else {
			d.log.Error().Err(err).Str("job_id", id).Msg("start job")
		}
		return outcome{}, false
	}
	attempt := job.Attempts + 1
	d.audit(ctx, job, from, fmt.Sprintf("attempt=%d", attempt))

	ad, err := d.adapterFor(job)
	if err != nil {
		return outcome{jobID: id, attempt: attempt, err: err}, true
	}
	pctx := adapter.WithProbe(ctx, adapter.Probe{
		JobID:     id,
		Attempt:   attempt,
		Progress:  func(detail string) { d.progress(ctx, id, detail) },
		Cancelled: func() bool { return d.cancelRequested(id) },
	})

	telemetry.JobsInFlight.Inc()
	res, err := invoke(pctx, ad, job)
	telemetry.JobsInFlight.Dec()
	return outcome{jobID: id, attempt: attempt, result: res, err: err}, true
}

// adapterFor returns the adapter resolved at creation. A job created by an earlier process is
// re-resolved and refused if its operator's capability changed since.
func (d *Dispatcher) adapterFor(job models.Job) (adapter.Adapter, error) {
	d.mu.Lock()
	ad, ok := d.adapters[job.ID]
	d.mu.Unlock()
	if ok {
		return ad, nil
	}
	desc, err := d.operators.Lookup(job.Operator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrConfiguration, err)
	}
	ad, err = d.resolver.Resolve(desc)
	if err != nil {
		return nil, err
	}
	if string(ad.Capability()) != job.Capability {
		return nil, fmt.Errorf("%w: operator %s moved from %s to %s", adapter.ErrConfiguration, job.Operator, job.Capability, ad.Capability())
	}
	d.mu.Lock()
	d.adapters[job.ID] = ad
	d.mu.Unlock()
	return ad, nil
}

func (d *Dispatcher) progress(ctx context.Context, id, detail string) {
	_, err := d.store.UpdateJob(ctx, id, func(j *models.Job) error {
		if j.State.Terminal() {
			return errSkip
		}
		j.Progress = detail
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		d.log.Warn().Err(err).Str("job_id", id).Msg("record progress")
	}
}

// apply performs the post-execution transition for one outcome. Only the result loop calls it.
func (d *Dispatcher) apply(ctx context.Context, out outcome) {
	now := d.now()
	var (
		from   models.JobState
		result json.RawMessage
		delay  time.Duration
	)
	if out.err == nil {
		raw, err := json.Marshal(out.result)
		if err != nil {
			out.err = fmt.Errorf("encode result: %w", err)
		} else {
			result = raw
		}
	}

	job, err := d.store.UpdateJob(ctx, out.jobID, func(j *models.Job) error {
		from = j.State
		if out.err == nil {
			j.Result = result
			j.LastError = nil
			j.Progress = "completed"
			return j.Transition(models.StateSucceeded, now)
		}
		j.Attempts++
		j.LastError = jobError(out.err)
		switch {
		case j.State == models.StateCancelRequested && (errors.Is(out.err, adapter.ErrCancelled) || adapter.IsTransient(out.err)):
			j.Progress = "cancelled"
			return j.Transition(models.StateCancelled, now)
		case j.State == models.StateRunning && adapter.IsTransient(out.err) && j.Attempts < j.MaxAttempts:
			delay = backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, j.Attempts)
			j.NextRunAt = now.Add(delay)
			j.Progress = fmt.Sprintf("attempt %d failed (%s), retrying in %s", j.Attempts, j.LastError.Reason, delay.Round(time.Millisecond))
			return j.Transition(models.StateRetryScheduled, now)
		default:
			j.Progress = fmt.Sprintf("failed after %d attempt(s)", j.Attempts)
			return j.Transition(models.StateFailed, now)
		}
	})
	if err != nil {
		d.log.Error().Err(err).Str("job_id", out.jobID).Msg("apply job outcome")
		return
	}

	detail := fmt.Sprintf("attempt=%d", out.attempt)
	if job.LastError != nil {
		detail += fmt.Sprintf(" kind=%s reason=%s last_step=%s message=%s", job.LastError.Kind, job.LastError.Reason, job.LastError.LastStep, job.LastError.Message)
	}
	d.audit(ctx, job, from, detail)

	switch job.State {
	case models.StateSucceeded:
		telemetry.JobsSucceeded.WithLabelValues(string(job.Type), job.Capability).Inc()
		d.forget(job.ID)
		d.notifySuccess(ctx, job, out.result)
	case models.StateRetryScheduled:
		telemetry.JobsRetried.Inc()
		d.scheduleRetry(job.ID, delay)
	case models.StateFailed:
		telemetry.JobsFailed.WithLabelValues(string(job.Type), job.LastError.Reason).Inc()
		d.forget(job.ID)
		if err := d.dlq.Push(ctx, queue.Entry{JobID: job.ID, Tenant: job.Tenant, Reason: job.LastError.Reason + ": " + job.LastError.Message}); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("push dead letter")
		} else {
			telemetry.DeadLettered.Inc()
		}
	case models.StateCancelled:
		telemetry.JobsCancelled.Inc()
		d.forget(job.ID)
	}
}

// Cancel stops a job that has not finished. Queued and retry-scheduled jobs are cancelled
// at once; a running job is marked CANCEL_REQUESTED and its adapter stops at the next step
// boundary.
func (d *Dispatcher) Cancel(ctx context.Context, tenant, id string) (models.Job, error) {
	if _, err := d.jobForTenant(ctx, tenant, id); err != nil {
		return models.Job{}, err
	}
	var from models.JobState
	job, err := d.store.UpdateJob(ctx, id, func(j *models.Job) error {
		from = j.State
		switch j.State {
		case models.StateQueued, models.StateRetryScheduled:
			j.Progress = "cancelled"
			return j.Transition(models.StateCancelled, d.now())
		case models.StateRunning:
			j.Progress = "cancel requested"
			return j.Transition(models.StateCancelRequested, d.now())
		case models.StateCancelRequested:
			return errSkip
		}
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, j.ID, j.State)
	})
	if errors.Is(err, errSkip) {
		return d.store.GetJob(ctx, id)
	}
	if err != nil {
		return models.Job{}, err
	}
	d.audit(ctx, job, from, "cancel requested by caller")
	if job.State == models.StateCancelled {
		telemetry.JobsCancelled.Inc()
		d.forget(id)
		return job, nil
	}
	// The result loop commits a terminal state before it calls forget, so a state read under
	// d.mu tells whether a forget is still to come to clear the flag.
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.store.GetJob(ctx, id)
	if err == nil && !current.State.Terminal() {
		d.cancels[id] = true
	}
	return job, nil
}

func (d *Dispatcher) cancelRequested(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels[id]
}

func (d *Dispatcher) scheduleRetry(id string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.stopped:
		return
	default:
	}
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		d.enqueue(id)
	})
}

// forget drops per-job runtime state once the job is terminal.
func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.adapters, id)
	delete(d.cancels, id)
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

// audit writes one history row and one log line for a transition into job.State.
func (d *Dispatcher) audit(ctx context.Context, job models.Job, from models.JobState, detail string) {
	event := strings.ToLower(string(job.State))
	if from == "" {
		event = "created"
	}
	if err := d.store.AppendAudit(ctx, job.ID, event, detail); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("append audit")
	}
	ev := d.log.Info()
	if job.State == models.StateFailed {
		ev = d.log.Warn()
	}
	ev.Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("type", string(job.Type)).
		Str("operator", job.Operator).
		Str("from", string(from)).
		Str("to", string(job.State)).
		Int("attempts", job.Attempts).
		Str("detail", detail).
		Msg("job transition")
}

// notifySuccess fires the collaborator notifications a successful job owes.
func (d *Dispatcher) notifySuccess(ctx context.Context, job models.Job, res adapter.Result) {
	base := notify.Event{
		Tenant:   job.Tenant,
		JobID:    job.ID,
		Operator: job.Operator,
		Detail:   map[string]any(res),
		At:       job.UpdatedAt,
	}
	var events []notify.Event
	switch job.Type {
	case models.JobEscalateFault:
		var p faultPayload
		_ = json.Unmarshal(job.Payload, &p)
		ev := base
		ev.Target = notify.TargetSupport
		ev.Kind = notify.EventFaultEscalated
		ev.DeviceID = p.DeviceID
		ev.Reference = firstString(res, "fno_reference", "reference", "ticket_id")
		events = append(events, ev)
	case models.JobPlaceOrder:
		for _, target := range []notify.Target{notify.TargetBilling, notify.TargetCRM} {
			ev := base
			ev.Target = target
			ev.Kind = notify.EventOrderPlaced
			ev.Reference = firstString(res, "order_id", "reference")
			events = append(events, ev)
		}
	}
	for _, ev := range events {
		d.notifications.Add(1)
		go func(ev notify.Event) {
			defer d.notifications.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.notifyTimeout())
			defer cancel()
			if err := d.notifier.Notify(nctx, ev); err != nil {
				telemetry.NotifyFailures.WithLabelValues(string(ev.Target)).Inc()
				d.log.Warn().Err(err).Str("job_id", ev.JobID).Str("target", string(ev.Target)).Msg("notification failed")
			}
		}(ev)
	}
}

func (d *Dispatcher) notifyTimeout() time.Duration {
	if d.cfg.NotifyTimeout > 0 {
		return d.cfg.NotifyTimeout
	}
	return 5 * time.Second
}

func firstString(res adapter.Result, keys ...string) string {
	for _, k := range keys {
		if s, ok := res[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// jobError flattens any error into the persisted error detail. Errors that are not integration
// errors are configuration or internal faults and never retried.
func jobError(err error) *models.JobError {
	var ie *adapter.IntegrationError
	if errors.As(err, &ie) {
		return &models.JobError{Kind: string(ie.Kind), Reason: ie.Reason, Message: ie.Error(), LastStep: ie.Step}
	}
	reason := "INTERNAL"
	if errors.Is(err, adapter.ErrConfiguration) {
		reason = "CONFIGURATION"
	}
	return &models.JobError{Kind: string(adapter.KindTerminal), Reason: reason, Message: err.Error()}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
