// Package email runs send-email jobs.
package email

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mailflow/internal/domain"
	"mailflow/internal/mail"
)

// Job names served by Handler.
const (
	JobSendEmail          = "send-email"
	JobSendScheduledEmail = "send-scheduled-email"
)

// Payload is the JSON carried by email jobs.
type Payload struct {
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body,omitempty"`
	TemplateID   string            `json:"templateId,omitempty"`
	TemplateData map[string]any    `json:"templateData,omitempty"`
	Attachments  []mail.Attachment `json:"attachments,omitempty"`
}

// Validate checks the fields a producer must supply: a recipient, and a
// body or a template.
func (p Payload) Validate() error {
	if _, err := mail.ParseRecipients(p.To); err != nil {
		return err
	}
	if p.Body == "" && p.TemplateID == "" {
		return &domain.ValidationError{Field: "body", Reason: "body or templateId is required"}
	}
	return nil
}

// Renderer turns a template id and data into HTML.
type Renderer interface {
	Render(templateID string, data map[string]any) (string, error)
}

// Result is stored on the completed job.
type Result struct {
	MessageID string `json:"messageId"`
	Transport string `json:"transport"`
}

type Handler struct {
	name      string
	transport mail.Transport
	renderer  Renderer
}

// NewHandler returns a handler registered under name. renderer may be nil
// when no templates are configured.
func NewHandler(name string, transport mail.Transport, renderer Renderer) *Handler {
	return &Handler{name: name, transport: transport, renderer: renderer}
}

func (h *Handler) JobName() string { return h.name }

func (h *Handler) Handle(ctx context.Context, job *domain.Job, progress func(int)) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.email")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.AttemptsMade),
	)

	msg, err := h.message(job.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, err
	}
	progress(10)

	id, err := h.transport.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, err
	}
	progress(100)

	return json.Marshal(Result{MessageID: id, Transport: h.transport.Name()})
}

// message decodes the payload and renders it. Decode, validation and
// template errors cannot be fixed by retrying, so they are permanent.
func (h *Handler) message(raw []byte) (mail.Message, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return mail.Message{}, domain.Permanent(fmt.Errorf("invalid email payload: %w", err))
	}
	if err := p.Validate(); err != nil {
		return mail.Message{}, domain.Permanent(err)
	}
	to, _ := mail.ParseRecipients(p.To)

	msg := mail.Message{To: to, Subject: p.Subject, Text: p.Body, Attachments: p.Attachments}
	if p.TemplateID == "" {
		return msg, nil
	}
	if h.renderer == nil {
		return mail.Message{}, &domain.TemplateNotFoundError{TemplateID: p.TemplateID}
	}
	data := make(map[string]any, len(p.TemplateData)+2)
	for k, v := range p.TemplateData {
		data[k] = v
	}
	data["subject"] = p.Subject
	if p.Body != "" {
		data["body"] = p.Body
	}
	html, err := h.renderer.Render(p.TemplateID, data)
	if err != nil {
		return mail.Message{}, err
	}
	msg.HTML = html
	return msg, nil
}
