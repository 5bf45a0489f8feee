// Package mail delivers rendered messages over SMTP or an HTTP relay.
package mail

import (
	"context"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/google/uuid"

	"mailflow/internal/domain"
)

// Transport delivers one message and returns its Message-ID.
type Transport interface {
	Send(ctx context.Context, m Message) (string, error)
	Name() string
}

// Limiter blocks until another message may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content"`
}

type Message struct {
	From        string       `json:"from,omitempty"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ParseRecipients splits a comma separated RFC 5322 address list into bare
// addresses.
func ParseRecipients(to string) ([]string, error) {
	if strings.TrimSpace(to) == "" {
		return nil, &domain.ValidationError{Field: "to", Reason: "is required"}
	}
	list, err := netmail.ParseAddressList(to)
	if err != nil {
		return nil, &domain.ValidationError{Field: "to", Reason: err.Error()}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out, nil
}

func (m Message) validate() error {
	if len(m.To) == 0 {
		return &domain.ValidationError{Field: "to", Reason: "is required"}
	}
	for _, rcpt := range m.To {
		if _, err := netmail.ParseAddress(rcpt); err != nil {
			return &domain.ValidationError{Field: "to", Reason: fmt.Sprintf("%q: %v", rcpt, err)}
		}
	}
	for _, a := range m.Attachments {
		if a.Filename == "" {
			return &domain.ValidationError{Field: "attachments", Reason: "filename is required"}
		}
	}
	return nil
}

func (m Message) body() (contentType, body string) {
	if m.HTML != "" {
		return "text/html", m.HTML
	}
	return "text/plain", m.Text
}

func newMessageID(from string) string {
	host := "mailflow.local"
	if a, err := netmail.ParseAddress(from); err == nil {
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 && i < len(a.Address)-1 {
			host = a.Address[i+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}
