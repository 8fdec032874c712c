package lark

import (
	"encoding/json"
	"fmt"
)

// Message types delivered by the platform. Anything else is unsupported.
const (
	MsgTypeText  = "text"
	MsgTypeImage = "image"
)

const EventTypeMessageReceive = "im.message.receive_v1"

// WebhookPayload is the body of an inbound webhook POST: either a
// url_verification probe (Type/Challenge set) or an event envelope
// (Header/Event set).
type WebhookPayload struct {
	Type      string      `json:"type,omitempty"`
	Challenge string      `json:"challenge,omitempty"`
	Header    EventHeader `json:"header"`
	Event     Event       `json:"event"`
}

func (p WebhookPayload) IsVerification() bool { return p.Type == "url_verification" }

type EventHeader struct {
	Token     string `json:"token"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

type Event struct {
	Message EventMessage `json:"message"`
}

// EventMessage is one delivered chat message. Content is a JSON document
// whose shape depends on MessageType.
type EventMessage struct {
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

// ParseContent extracts the payload out of the message content document:
// the text body for text messages, the image key for image messages.
func (m EventMessage) ParseContent() (string, error) {
	switch m.MessageType {
	case MsgTypeText:
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(m.Content), &body); err != nil {
			return "", fmt.Errorf("parse text content: %w", err)
		}
		return body.Text, nil
	case MsgTypeImage:
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(m.Content), &body); err != nil {
			return "", fmt.Errorf("parse image content: %w", err)
		}
		return body.ImageKey, nil
	default:
		return "", fmt.Errorf("unsupported message type %q", m.MessageType)
	}
}
