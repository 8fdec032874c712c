package llm

import "context"

// ContentPart is one block of a message body. Exactly one of Text or Image
// is set, selected by Type.
type ContentPart struct {
	Type  string      `json:"type"` // "text" or "image"
	Text  string      `json:"text,omitempty"`
	Image *ImageBlock `json:"source,omitempty"`
}

// ImageBlock carries base64-encoded image bytes for vision turns.
type ImageBlock struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one conversation turn. Content holds either a single text part
// or an image+text pair for vision turns. Messages are immutable once built.
type Message struct {
	Role    string        `json:"role"` // "user" or "assistant"
	Content []ContentPart `json:"content"`
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

func ImageMessage(role, mediaType, base64Data, desc string) Message {
	return Message{Role: role, Content: []ContentPart{
		{Type: "image", Image: &ImageBlock{Type: "base64", MediaType: mediaType, Data: base64Data}},
		{Type: "text", Text: desc},
	}}
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Usage reports token counts for one completed generation.
type Usage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

// Event kinds in a completion stream, in arrival order: one Start, zero or
// more Deltas, one Stop.
const (
	EventStart = "message_start"
	EventDelta = "content_block_delta"
	EventStop  = "message_stop"
)

// StreamEvent is one element of a completion stream. Role is set on Start
// events, Text on Delta events, Usage on Stop events.
type StreamEvent struct {
	Kind  string
	Role  string
	Text  string
	Usage Usage
}

// Stream is a lazy, finite, non-restartable sequence of completion events.
// Recv returns io.EOF after the final event has been consumed. Close releases
// the underlying transport; it is safe to call after an error.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// SamplingParams are the fixed generation parameters sent with every request.
type SamplingParams struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// Client opens streaming completion requests against a model backend.
type Client interface {
	Stream(ctx context.Context, systemPrompt string, messages []Message, params SamplingParams) (Stream, error)
}
