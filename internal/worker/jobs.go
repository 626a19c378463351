package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fno-automation-engine/internal/adapter"
	"fno-automation-engine/internal/models"
	"fno-automation-engine/internal/store"
	"fno-automation-engine/internal/telemetry"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrJobFinished is returned when cancelling a job that already reached a terminal state.
	ErrJobFinished = errors.New("job already finished")
)

// CreateRequest asks for one automation job.
type CreateRequest struct {
	Type     string          `json:"job_type"`
	Operator string          `json:"operator_name"`
	Payload  json.RawMessage `json:"payload"`
}

type availabilityPayload struct {
	Address string `json:"address" validate:"required"`
}

type orderPayload struct {
	Customer adapter.Customer `json:"customer"`
	PlanID   string           `json:"plan_id" validate:"required"`
}

type cancelPayload struct {
	OrderID string `json:"order_id" validate:"required"`
}

type faultPayload struct {
	DeviceID   string  `json:"device_id" validate:"required"`
	RxPowerDBm float64 `json:"rx_power"`
	Severity   string  `json:"severity" validate:"required,oneof=WARNING CRITICAL"`
}

// Status is the read model returned to callers.
type Status struct {
	JobID          string           `json:"job_id"`
	Type           models.JobType   `json:"job_type"`
	Operator       string           `json:"operator_name"`
	Capability     string           `json:"capability"`
	State          models.JobState  `json:"state"`
	ProgressDetail string           `json:"progress_detail"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	ElapsedMS      int64            `json:"elapsed_ms"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Error          *models.JobError `json:"error,omitempty"`
}

// Create validates the request, resolves the operator's adapter and queues the job. It returns
// as soon as the job is persisted; execution happens on the worker pool.
func (d *Dispatcher) Create(ctx context.Context, tenant string, req CreateRequest) (models.Job, error) {
	if tenant == "" {
		return models.Job{}, fmt.Errorf("%w: tenant is required", ErrInvalidPayload)
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrUnknownJobType, err)
	}
	payload, err := d.normalisePayload(jobType, req.Payload)
	if err != nil {
		return models.Job{}, err
	}
	desc, err := d.operators.Lookup(req.Operator)
	if err != nil {
		return models.Job{}, err
	}
	ad, err := d.resolver.Resolve(desc)
	if err != nil {
		return models.Job{}, err
	}

	now := d.now()
	job := models.Job{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Type:        jobType,
		Operator:    desc.Name,
		Capability:  string(ad.Capability()),
		Payload:     payload,
		State:       models.StateQueued,
		MaxAttempts: d.cfg.MaxAttempts,
		NextRunAt:   now,
		Progress:    "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}
	d.mu.Lock()
	d.adapters[job.ID] = ad
	d.mu.Unlock()

	d.audit(ctx, job, "", fmt.Sprintf("tenant=%s operator=%s capability=%s", tenant, job.Operator, job.Capability))
	telemetry.JobsCreated.WithLabelValues(string(job.Type), job.Capability).Inc()
	d.enqueue(job.ID)
	return job, nil
}

// GetStatus reads the stored state of a job. Jobs of other tenants are reported as not found.
func (d *Dispatcher) GetStatus(ctx context.Context, tenant, id string) (Status, error) {
	job, err := d.jobForTenant(ctx, tenant, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		JobID:          job.ID,
		Type:           job.Type,
		Operator:       job.Operator,
		Capability:     job.Capability,
		State:          job.State,
		ProgressDetail: job.Progress,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		ElapsedMS:      job.Elapsed(d.now()).Milliseconds(),
		Result:         job.Result,
		Error:          job.LastError,
	}
	if job.State == models.StateRetryScheduled {
		next := job.NextRunAt
		st.NextRunAt = &next
	}
	return st, nil
}

// History returns the audit trail of a job.
func (d *Dispatcher) History(ctx context.Context, tenant, id string) ([]models.AuditLog, error) {
	if _, err := d.jobForTenant(ctx, tenant, id); err != nil {
		return nil, err
	}
	return d.store.History(ctx, id)
}

func (d *Dispatcher) jobForTenant(ctx context.Context, tenant, id string) (models.Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Tenant != tenant {
		return models.Job{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return job, nil
}

// normalisePayload decodes the payload into the shape the job type needs, validates it and
// re-encodes it so the stored payload carries only known fields.
func (d *Dispatcher) normalisePayload(t models.JobType, raw json.RawMessage) (json.RawMessage, error) {
	var target any
	switch t {
	case models.JobAvailabilityCheck:
		target = &availabilityPayload{}
	case models.JobPlaceOrder:
		target = &orderPayload{}
	case models.JobCancelOrder:
		target = &cancelPayload{}
	case models.JobEscalateFault:
		target = &faultPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, t)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := d.validate.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

// invoke runs the adapter operation matching the job type.
func invoke(ctx context.Context, ad adapter.Adapter, job models.Job) (adapter.Result, error) {
	switch job.Type {
	case models.JobAvailabilityCheck:
		var p availabilityPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, err
		}
		return ad.CheckAvailability(ctx, p.Address)
	case models.JobPlaceOrder:
		var p orderPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, err
		}
		return ad.PlaceOrder(ctx, p.Customer, p.PlanID)
	case models.JobCancelOrder:
		var p cancelPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, err
		}
		return ad.CancelOrder(ctx, p.OrderID)
	case models.JobEscalateFault:
		var p faultPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, err
		}
		return ad.ReportFault(ctx, adapter.Fault{DeviceID: p.DeviceID, RxPowerDBm: p.RxPowerDBm, Severity: p.Severity})
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
}
