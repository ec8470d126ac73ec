package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/birddigital/signalwire-callcard/pkg/signalwire"
)

// DefaultRejectTemplate is sent when a call is rejected with a message but no text was given
const DefaultRejectTemplate = "Can't talk right now. I'll call you back."

// MessageService sends the text that accompanies a rejected call
type MessageService struct {
	signalwireClient SignalWireClientInterface
	from             string
	fallback         *template.Template
}

// SignalWireClientInterface defines the interface for SignalWire client
type SignalWireClientInterface interface {
	SendSMS(ctx context.Context, from, to, message string) (*signalwire.Message, error)
}

// NewMessageService creates a new message service.
// defaultTemplate may reference {{.Number}}; an empty template uses DefaultRejectTemplate.
func NewMessageService(client SignalWireClientInterface, from, defaultTemplate string) (*MessageService, error) {
	if strings.TrimSpace(defaultTemplate) == "" {
		defaultTemplate = DefaultRejectTemplate
	}
	tmpl, err := template.New("reject").Option("missingkey=error").Parse(defaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reject template: %w", err)
	}
	return &MessageService{
		signalwireClient: client,
		from:             from,
		fallback:         tmpl,
	}, nil
}

// SendRejectMessage texts the caller after a reject. A blank message uses the default template.
func (m *MessageService) SendRejectMessage(ctx context.Context, to, message string) (*signalwire.Message, error) {
	if strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("cannot send reject message: caller number unknown")
	}

	body := strings.TrimSpace(message)
	if body == "" {
		rendered, err := m.RenderTemplate(map[string]string{"Number": to})
		if err != nil {
			return nil, err
		}
		body = rendered
	}

	msg, err := m.signalwireClient.SendSMS(ctx, m.from, to, body)
	if err != nil {
		return nil, fmt.Errorf("failed to send to %s: %w", to, err)
	}
	log.Printf("[Messaging] Reject message %s sent to %s", msg.SID, to)
	return msg, nil
}

// RenderTemplate renders the default template with vars
func (m *MessageService) RenderTemplate(vars map[string]string) (string, error) {
	var sb strings.Builder
	if err := m.fallback.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("failed to render reject template: %w", err)
	}
	return sb.String(), nil
}
