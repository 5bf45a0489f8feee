package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"mailflow/internal/domain"
	"mailflow/internal/telemetry"
)

// RelayTransport posts messages as JSON to an HTTP mail relay.
type RelayTransport struct {
	url    string
	from   string
	client *http.Client
}

type relayRequest struct {
	MessageID string `json:"messageId"`
	Message
}

type relayResponse struct {
	MessageID string `json:"messageId"`
}

// NewRelayTransport returns a transport posting to url. timeout <= 0 means 30s.
func NewRelayTransport(url, from string, timeout time.Duration) *RelayTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayTransport{url: url, from: from, client: &http.Client{Timeout: timeout}}
}

func (t *RelayTransport) Name() string { return "http" }

func (t *RelayTransport) Send(ctx context.Context, m Message) (string, error) {
	ctx, span := otel.Tracer("mail").Start(ctx, "mail.relay.send")
	defer span.End()

	id, err := t.send(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay send failed")
		telemetry.MailSent.WithLabelValues(t.Name(), "error").Inc()
		return "", err
	}
	telemetry.MailSent.WithLabelValues(t.Name(), "ok").Inc()
	return id, nil
}

func (t *RelayTransport) send(ctx context.Context, m Message) (string, error) {
	if err := m.validate(); err != nil {
		return "", &domain.TransportError{Op: "validate", Retryable: false, Err: err}
	}
	if m.From == "" {
		m.From = t.from
	}
	id := newMessageID(m.From)

	body, err := json.Marshal(relayRequest{MessageID: id, Message: m})
	if err != nil {
		return "", &domain.TransportError{Op: "encode", Retryable: false, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", &domain.TransportError{Op: "build request", Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &domain.TransportError{Op: "post", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.TransportError{Op: "read response", Retryable: true, Err: err}
	}
	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", &domain.TransportError{
			Op:        "post",
			Retryable: retryable,
			Err:       fmt.Errorf("relay returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)),
		}
	}

	var out relayResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &out) == nil && out.MessageID != "" {
		return out.MessageID, nil
	}
	return id, nil
}
