package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fno-automation-engine/internal/models"
)

// newTestStore connects to the database named by POSTGRES_TEST_DSN, or POSTGRES_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		dsn = os.Getenv("POSTGRES_DSN")
	}
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func newPostgresJob(t *testing.T, st *Store) models.Job {
	t.Helper()
	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Tenant:      "tenant-a",
		Type:        models.JobAvailabilityCheck,
		Operator:    "Openserve",
		Capability:  "PORTAL",
		Payload:     json.RawMessage(`{"address":"1 Main Rd"}`),
		State:       models.StateQueued,
		MaxAttempts: 3,
		NextRunAt:   now,
		Progress:    "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	t.Cleanup(func() {
		_, _ = st.pool.Exec(context.Background(), `DELETE FROM automation_jobs WHERE id = $1`, job.ID)
	})
	return job
}

func TestPostgresUpdateJobRoundTripsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newPostgresJob(t, st)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, got.State)
	assert.Nil(t, got.LastError)
	assert.Empty(t, got.Result)
	assert.JSONEq(t, `{"address":"1 Main Rd"}`, string(got.Payload))
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if err := j.Transition(models.StateRunning, time.Now().UTC()); err != nil {
			return err
		}
		j.Attempts = 1
		j.LastError = &models.JobError{Kind: "TERMINAL", Reason: "LOGIN_REJECTED", Message: "bad password", LastStep: "navigate"}
		return nil
	})
	require.NoError(t, err)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.JobError{Kind: "TERMINAL", Reason: "LOGIN_REJECTED", Message: "bad password", LastStep: "navigate"}, *got.LastError)

	_, err = st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.LastError = nil
		j.Result = json.RawMessage(`{"available":true}`)
		return j.Transition(models.StateSucceeded, time.Now().UTC())
	})
	require.NoError(t, err)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
	assert.JSONEq(t, `{"available":true}`, string(got.Result))
}

func TestPostgresUpdateJobRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newPostgresJob(t, st)

	_, err := st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Attempts = 99
		return errors.New("refuse")
	})
	require.Error(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
}

func TestPostgresUpdateJobSerialisesWriters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := newPostgresJob(t, st)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
				j.Attempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.Attempts)
}

func TestPostgresNotFoundAndHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.UpdateJob(ctx, uuid.NewString(), func(*models.Job) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	job := newPostgresJob(t, st)
	require.NoError(t, st.AppendAudit(ctx, job.ID, "created", "tenant=tenant-a"))
	require.NoError(t, st.AppendAudit(ctx, job.ID, "running", "attempt=1"))
	require.NoError(t, st.AppendAudit(ctx, job.ID, "succeeded", "attempt=1"))

	history, err := st.History(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"created", "running", "succeeded"}, []string{history[0].Event, history[1].Event, history[2].Event})
	assert.Equal(t, job.ID, history[0].JobID)
	assert.Equal(t, "attempt=1", history[1].Detail)
}
