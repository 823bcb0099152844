package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
)

const maxAnalysisResponse = 8 << 20

// AnalysisRecorder persists analysis service outcomes. The Postgres store satisfies it.
type AnalysisRecorder interface {
	SaveAnalysis(ctx context.Context, rec models.AnalysisRecord) error
	SaveRetrainingRun(ctx context.Context, run models.RetrainingRun) error
}

// AnalysisHandler calls the external analysis service for analysis and retraining jobs.
type AnalysisHandler struct {
	baseURL    string
	httpClient *http.Client
	recorder   AnalysisRecorder
	logger     *zap.Logger
}

type analysisRequest struct {
	ContextID  string          `json:"contextId"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type analysisResponse struct {
	Result json.RawMessage `json:"result"`
}

type retrainResponse struct {
	ModelVersion string          `json:"modelVersion"`
	Metrics      json.RawMessage `json:"metrics"`
}

// NewAnalysisHandler builds the handler. recorder and logger may be nil.
func NewAnalysisHandler(cfg config.Config, recorder AnalysisRecorder, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.AnalysisTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &AnalysisHandler{
		baseURL:    strings.TrimRight(cfg.AnalysisURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		recorder:   recorder,
		logger:     logger.Named("analysis"),
	}
}

// HandleAnalysis posts the context to /analyze and stores the result.
func (h *AnalysisHandler) HandleAnalysis(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	var payload models.AnalysisPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ContextID == "" {
		return nil, errors.New("contextId is required")
	}

	body, err := h.post(ctx, "/analyze", analysisRequest{ContextID: payload.ContextID, Parameters: payload.Parameters})
	if err != nil {
		return nil, err
	}
	progress(80)

	var resp analysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if len(resp.Result) == 0 {
		return nil, errors.New("analysis service returned no result")
	}

	if h.recorder != nil {
		err := h.recorder.SaveAnalysis(ctx, models.AnalysisRecord{
			JobID:      job.ID,
			UserID:     payload.UserID,
			ContextID:  payload.ContextID,
			Parameters: payload.Parameters,
			Result:     resp.Result,
		})
		if err != nil {
			return nil, err
		}
	}
	return resp.Result, nil
}

// HandleRetraining posts the context to /retrain and stores the new model version.
func (h *AnalysisHandler) HandleRetraining(ctx context.Context, job models.Job, progress ProgressFunc) (any, error) {
	var payload models.RetrainingPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ContextID == "" {
		return nil, errors.New("contextId is required")
	}

	body, err := h.post(ctx, "/retrain", analysisRequest{ContextID: payload.ContextID, Parameters: payload.Parameters})
	if err != nil {
		return nil, err
	}
	progress(80)

	var resp retrainResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode retrain response: %w", err)
	}

	if h.recorder != nil {
		err := h.recorder.SaveRetrainingRun(ctx, models.RetrainingRun{
			JobID:        job.ID,
			UserID:       payload.UserID,
			ContextID:    payload.ContextID,
			ModelVersion: resp.ModelVersion,
			Metrics:      resp.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(body), nil
}

// post sends body as JSON. Network errors, timeouts and non-2xx replies are all failures.
func (h *AnalysisHandler) post(ctx context.Context, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAnalysisResponse+1))
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}
	if len(data) > maxAnalysisResponse {
		return nil, fmt.Errorf("analysis response too large (>%d bytes)", maxAnalysisResponse)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The body can carry upstream stack traces; it stays in the log, out of the job error.
		h.logger.Warn("analysis service error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", snippet(data)),
		)
		return nil, fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}
	return data, nil
}

func decodePayload(job models.Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
