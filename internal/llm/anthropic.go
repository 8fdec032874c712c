package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-05-31"
)

// ErrAccessDenied marks an access-denial from the model backend. It is a
// permissions problem, so callers must not retry it.
var ErrAccessDenied = errors.New("model backend access denied")

// AnthropicClient talks the Anthropic messages streaming protocol over SSE.
type AnthropicClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewAnthropic(apiKey, baseURL, model string) *AnthropicClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		// No overall timeout: a streaming response stays open for the whole
		// generation. Cancellation comes from the request context.
		http:    &http.Client{},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	TopP        float32   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

func (c *AnthropicClient) Stream(ctx context.Context, systemPrompt string, messages []Message, params SamplingParams) (Stream, error) {
	payload := anthropicRequest{
		Model:       c.model,
		System:      systemPrompt,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("model %s: %w", c.model, ErrAccessDenied)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream request http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &anthropicStream{
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
	}, nil
}

type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	inputTokens  uint64
	outputTokens uint64
	done         bool
}

// anthropicChunk covers every stream payload shape we care about; fields not
// relevant to the chunk's type stay zero.
type anthropicChunk struct {
	Type    string `json:"type"`
	Message struct {
		Role  string `json:"role"`
		Usage struct {
			InputTokens uint64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens uint64 `json:"output_tokens"`
	} `json:"usage"`
}

func (s *anthropicStream) Recv() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}
	for {
		data, err := nextSSEData(s.scanner)
		if err != nil {
			return StreamEvent{}, err
		}
		var chunk anthropicChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return StreamEvent{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		switch chunk.Type {
		case "message_start":
			s.inputTokens = chunk.Message.Usage.InputTokens
			return StreamEvent{Kind: EventStart, Role: chunk.Message.Role}, nil
		case "content_block_delta":
			if chunk.Delta.Type != "" && chunk.Delta.Type != "text_delta" {
				continue
			}
			return StreamEvent{Kind: EventDelta, Text: chunk.Delta.Text}, nil
		case "message_delta":
			// Carries the running output token count; folded into the final
			// stop event rather than surfaced on its own.
			s.outputTokens = chunk.Usage.OutputTokens
		case "message_stop":
			s.done = true
			return StreamEvent{
				Kind:  EventStop,
				Usage: Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
			}, nil
		default:
			// ping, content_block_start, content_block_stop
		}
	}
}

func (s *anthropicStream) Close() error { return s.body.Close() }

func newSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	return sc
}

// nextSSEData returns the payload of the next `data:` line, skipping event
// name lines and keep-alives. io.EOF means the server closed the stream.
func nextSSEData(sc *bufio.Scanner) ([]byte, error) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, io.EOF
}
