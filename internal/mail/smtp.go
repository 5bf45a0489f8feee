package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mailflow/internal/domain"
	"mailflow/internal/telemetry"
)

// SMTPConfig holds SMTP connection details.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPTransport sends through an SMTP relay with PLAIN auth.
type SMTPTransport struct {
	cfg     SMTPConfig
	limiter Limiter
	send    sendFunc
}

// NewSMTPTransport returns a transport for cfg. limiter may be nil.
func NewSMTPTransport(cfg SMTPConfig, limiter Limiter) *SMTPTransport {
	return &SMTPTransport{cfg: cfg, limiter: limiter, send: smtp.SendMail}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, m Message) (string, error) {
	ctx, span := otel.Tracer("mail").Start(ctx, "mail.smtp.send")
	defer span.End()

	fail := func(err *domain.TransportError) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Op)
		telemetry.MailSent.WithLabelValues(t.Name(), "error").Inc()
		return "", err
	}

	if err := m.validate(); err != nil {
		return fail(&domain.TransportError{Op: "validate", Retryable: false, Err: err})
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fail(&domain.TransportError{Op: "rate limit", Retryable: true, Err: err})
		}
	}

	from := m.From
	if from == "" {
		from = t.cfg.From
	}
	id := newMessageID(from)
	msg, err := buildMIME(from, m, id, time.Now())
	if err != nil {
		return fail(&domain.TransportError{Op: "build message", Retryable: false, Err: err})
	}
	span.SetAttributes(attribute.Int("mail.recipients", len(m.To)), attribute.String("mail.message_id", id))

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	// net/smtp has no context support; run it aside so cancellation is honoured.
	done := make(chan error, 1)
	go func() { done <- t.send(addr, auth, from, m.To, msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fail(classifySMTP(err))
		}
	case <-ctx.Done():
		return fail(&domain.TransportError{Op: "send", Retryable: true, Err: fmt.Errorf("smtp send timed out: %w", ctx.Err())})
	}
	telemetry.MailSent.WithLabelValues(t.Name(), "ok").Inc()
	return id, nil
}

// classifySMTP treats 5xx replies as permanent; 4xx replies and network
// errors are worth retrying.
func classifySMTP(err error) *domain.TransportError {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return &domain.TransportError{Op: "send", Retryable: tp.Code < 500, Err: err}
	}
	return &domain.TransportError{Op: "send", Retryable: true, Err: err}
}
