package models

import (
	"encoding/json"
	"time"
)

// AnalysisRecord is a finished analysis row in the analyses table.
type AnalysisRecord struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	ContextID  string          `json:"context_id"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RetrainingRun records a model retraining outcome.
type RetrainingRun struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	UserID       string          `json:"user_id"`
	ContextID    string          `json:"context_id"`
	ModelVersion string          `json:"model_version"`
	Metrics      json.RawMessage `json:"metrics"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Notification is an in-app notification row.
type Notification struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
