package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"analysis-dispatch/internal/auth"
	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/jobs"
	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/ratelimit"
)

const testSecret = "api-test-secret-api-test-secret-1234"

type testEnv struct {
	handler http.Handler
	svc     *jobs.Service
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, capacity int) testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisKeyPrefix: "test",
		MaxAttempts:    2,
		BackoffInitial: time.Second,
		JobTimeout:     5 * time.Second,
		CORSOrigins:    []string{"http://localhost:5173"},
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := jobs.NewService(cfg, client, nil, nil)
	t.Cleanup(func() { _ = svc.Cleanup() })

	verifier, err := auth.NewVerifier(testSecret, "")
	require.NoError(t, err)

	var limiter Limiter
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, "test", capacity, 0, time.Minute)
	}
	return testEnv{handler: New(cfg, svc, verifier, limiter, nil, nil).Router(), svc: svc, mr: mr}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type stubDB struct{ err error }

func (d stubDB) Ping(context.Context) error { return d.err }

func TestHealthzChecksDatabase(t *testing.T) {
	env := newTestEnv(t, 0)
	verifier, err := auth.NewVerifier(testSecret, "")
	require.NoError(t, err)

	healthy := New(config.Config{}, env.svc, verifier, nil, stubDB{}, nil).Router()
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	down := New(config.Config{}, env.svc, verifier, nil, stubDB{err: errors.New("connection refused")}, nil).Router()
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unavailable","component":"postgres"}`, rec.Body.String())
}

func TestEnqueueRequiresToken(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/api/v1/analysis", "", `{"contextId":"c1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnqueueThenPollStatus(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/analysis", "user-1",
		`{"userId":"someone-else","contextId":"c1","parameters":{"horizon":3},"options":{"attempts":4,"backoff":{"type":"fixed","delay":1500,"max":60000}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view models.JobStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, models.StatusWaiting, view.Status)
	require.Equal(t, 4, view.MaxAttempts)

	job, err := env.svc.Queue().Jobs().Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.JSONEq(t, `{"userId":"user-1","contextId":"c1","parameters":{"horizon":3}}`, string(job.Payload))
	require.Equal(t, models.Backoff{Type: models.BackoffFixed, Delay: 1500 * time.Millisecond, Max: time.Minute}, job.Backoff)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/analysis", "user-1", `{"parameters":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []jobs.FieldError{{Field: "contextId", Rule: "required"}}, resp.Fields)

	rec = env.do(t, http.MethodPost, "/api/v1/emails", "user-1", `{"to":"bad","subject":"s","body":"b"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/reports", "user-1", `{"contextId":"c1","options":{"backoff":{"type":"linear","delay":10}}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/notifications", "user-1", `[1,2,3]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJob(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/api/v1/jobs/nonexistent-id", "user-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, 0)
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/retraining", "user-1", `{"contextId":"c1"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/queues/stats?type=retraining", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"retraining":{"waiting":2,"active":0,"completed":0,"failed":0}}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/queues/stats", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, len(models.JobTypes))

	rec = env.do(t, http.MethodGet, "/api/v1/queues/stats?type=billing", "user-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	env := newTestEnv(t, 2)
	body := `{"contextId":"c1"}`

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/analysis", "user-1", body).Code)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/analysis", "user-1", body).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/analysis", "user-1", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/analysis", "user-2", body).Code)

	// Reads are not throttled.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/queues/stats", "user-1", "").Code)
}

func TestEnqueueBrokerDown(t *testing.T) {
	env := newTestEnv(t, 0)
	env.mr.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/analysis", "user-1", `{"contextId":"c1"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analysis", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
