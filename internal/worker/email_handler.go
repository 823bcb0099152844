package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/models"
)

// EmailHandler delivers transactional emails over SMTP.
type EmailHandler struct {
	host     string
	port     int
	from     string
	username string
	password string
}

// NewEmailHandler builds an SMTP sender from config.
func NewEmailHandler(cfg config.Config) *EmailHandler {
	return &EmailHandler{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		from:     cfg.SMTPFrom,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
	}
}

// Handle sends one email. The SMTP connection lives no longer than ctx, so an
// abandoned attempt cannot deliver after the processor has moved on.
func (h *EmailHandler) Handle(ctx context.Context, job models.Job, _ ProgressFunc) (any, error) {
	var payload models.EmailPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.To == "" {
		return nil, errors.New("to is required")
	}
	if strings.ContainsAny(payload.To+payload.Subject, "\r\n") {
		return nil, errors.New("header fields must not contain line breaks")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := buildMessage(h.from, payload, job.ID)
	if err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("send email: %w", ctxErr)
		}
		return nil, fmt.Errorf("send email: %w", err)
	}
	return map[string]any{
		"to":     payload.To,
		"sentAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *EmailHandler) newClient(ctx context.Context) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(h.port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(dialUntilDone(ctx)),
	}
	if h.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(h.username),
			mail.WithPassword(h.password),
		)
	}
	return mail.NewClient(h.host, opts...)
}

// dialUntilDone dials normally but expires the connection once job is done.
// Pending reads and writes then fail before the message is committed.
func dialUntilDone(job context.Context) mail.DialContextFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(job, func() { _ = conn.SetDeadline(time.Now()) })
		return conn, nil
	}
}

func buildMessage(from string, payload models.EmailPayload, jobID string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(payload.To); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(payload.Subject)
	msg.SetGenHeader(mail.Header("X-Job-ID"), jobID)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, payload.Body)
	return msg, nil
}
