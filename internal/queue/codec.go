package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"analysis-dispatch/internal/models"
)

// Hash field names. The dequeue script writes status, started_at and attempts directly.
const (
	fieldID          = "id"
	fieldType        = "type"
	fieldPayload     = "payload"
	fieldStatus      = "status"
	fieldProgress    = "progress"
	fieldResult      = "result"
	fieldError       = "error"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldBackoff     = "backoff"
	fieldTimeout     = "timeout_ms"
	fieldCreatedAt   = "created_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
)

func encodeJob(job models.Job) (map[string]any, error) {
	backoff, err := json.Marshal(job.Backoff)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}
	return map[string]any{
		fieldID:          job.ID,
		fieldType:        string(job.Type),
		fieldPayload:     string(job.Payload),
		fieldStatus:      string(job.Status),
		fieldProgress:    job.Progress,
		fieldResult:      string(job.Result),
		fieldError:       job.Error,
		fieldAttempts:    job.Attempts,
		fieldMaxAttempts: job.MaxAttempts,
		fieldBackoff:     string(backoff),
		fieldTimeout:     job.Timeout.Milliseconds(),
		fieldCreatedAt:   job.CreatedAt.UnixMilli(),
		fieldStartedAt:   encodeTime(job.StartedAt),
		fieldCompletedAt: encodeTime(job.CompletedAt),
	}, nil
}

func decodeJob(vals map[string]string) (models.Job, error) {
	job := models.Job{
		ID:     vals[fieldID],
		Type:   models.JobType(vals[fieldType]),
		Status: models.Status(vals[fieldStatus]),
		Error:  vals[fieldError],
	}
	if p := vals[fieldPayload]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := vals[fieldResult]; r != "" {
		job.Result = json.RawMessage(r)
	}

	var err error
	if job.Progress, err = atoi(vals, fieldProgress); err != nil {
		return models.Job{}, err
	}
	if job.Attempts, err = atoi(vals, fieldAttempts); err != nil {
		return models.Job{}, err
	}
	if job.MaxAttempts, err = atoi(vals, fieldMaxAttempts); err != nil {
		return models.Job{}, err
	}
	timeout, err := atoi(vals, fieldTimeout)
	if err != nil {
		return models.Job{}, err
	}
	job.Timeout = time.Duration(timeout) * time.Millisecond

	if b := vals[fieldBackoff]; b != "" {
		if err := json.Unmarshal([]byte(b), &job.Backoff); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal backoff: %w", err)
		}
	}

	created, err := decodeTime(vals[fieldCreatedAt])
	if err != nil {
		return models.Job{}, err
	}
	if created != nil {
		job.CreatedAt = *created
	}
	if job.StartedAt, err = decodeTime(vals[fieldStartedAt]); err != nil {
		return models.Job{}, err
	}
	if job.CompletedAt, err = decodeTime(vals[fieldCompletedAt]); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func atoi(vals map[string]string, field string) (int, error) {
	v := vals[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return n, nil
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
