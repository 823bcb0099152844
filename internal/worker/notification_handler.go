package worker

import (
	"context"
	"errors"

	"analysis-dispatch/internal/models"
)

// NotificationWriter stores in-app notifications. The Postgres store satisfies it.
type NotificationWriter interface {
	InsertNotification(ctx context.Context, n models.Notification) (string, error)
}

// NotificationHandler writes notification rows for the app to display.
type NotificationHandler struct {
	writer NotificationWriter
}

func NewNotificationHandler(writer NotificationWriter) *NotificationHandler {
	return &NotificationHandler{writer: writer}
}

func (h *NotificationHandler) Handle(ctx context.Context, job models.Job, _ ProgressFunc) (any, error) {
	if h.writer == nil {
		return nil, errors.New("notification store is not configured")
	}
	var payload models.NotificationPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.UserID == "" || payload.Title == "" {
		return nil, errors.New("userId and title are required")
	}

	id, err := h.writer.InsertNotification(ctx, models.Notification{
		JobID:  job.ID,
		UserID: payload.UserID,
		Kind:   payload.Kind,
		Title:  payload.Title,
		Body:   payload.Body,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"notificationId": id}, nil
}
