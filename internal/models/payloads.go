package models

import "encoding/json"

// AnalysisPayload asks the analysis service to evaluate a context.
type AnalysisPayload struct {
	UserID     string          `json:"userId" validate:"required"`
	ContextID  string          `json:"contextId" validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RetrainingPayload asks the analysis service to retrain the model for a context.
type RetrainingPayload struct {
	UserID     string          `json:"userId" validate:"required"`
	ContextID  string          `json:"contextId" validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ReportPayload builds a workbook from stored analyses.
type ReportPayload struct {
	UserID      string `json:"userId" validate:"required"`
	ContextID   string `json:"contextId" validate:"required"`
	Title       string `json:"title,omitempty" validate:"max=120"`
	Destination string `json:"destination,omitempty" validate:"omitempty,oneof=local s3"`
	Limit       int    `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

// EmailPayload is a plain-text transactional email.
type EmailPayload struct {
	UserID  string `json:"userId,omitempty"`
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	Body    string `json:"body" validate:"required"`
}

// NotificationPayload is an in-app notification.
type NotificationPayload struct {
	UserID string `json:"userId" validate:"required"`
	Kind   string `json:"kind" validate:"required,oneof=analysis_complete retraining_complete report_ready billing system"`
	Title  string `json:"title" validate:"required,max=200"`
	Body   string `json:"body,omitempty"`
}
