package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient adapts an OpenAI-compatible chat completion endpoint to the
// start/delta/stop stream shape.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone request to avoid mutating the original
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

func NewOpenAI(apiKey, baseURL, model, referrer, title string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	// Inject optional headers (useful for OpenRouter)
	if referrer != "" || title != "" {
		h := http.Header{}
		if referrer != "" {
			h.Set("HTTP-Referer", referrer)
		}
		if title != "" {
			h.Set("X-Title", title)
		}
		base := http.DefaultTransport
		config.HTTPClient = &http.Client{Transport: headerTransport{rt: base, headers: h}}
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, systemPrompt string, messages []Message, params SamplingParams) (Stream, error) {
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		oaMsgs = append(oaMsgs, toOpenAIMessage(m))
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    oaMsgs,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	s, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == http.StatusForbidden || apiErr.HTTPStatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("model %s: %w", c.model, ErrAccessDenied)
		}
		return nil, fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	return &openaiStream{inner: s}, nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	// Plain text turns use the simple content field; vision turns need the
	// multi-part form with a data URL.
	if len(m.Content) == 1 && m.Content[0].Type == "text" {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content[0].Text}
	}
	var parts []openai.ChatMessagePart
	for _, p := range m.Content {
		switch p.Type {
		case "text":
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case "image":
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", p.Image.MediaType, p.Image.Data),
				},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

type openaiStream struct {
	inner   *openai.ChatCompletionStream
	started bool
	usage   Usage
	done    bool
}

func (s *openaiStream) Recv() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}
	if !s.started {
		s.started = true
		return StreamEvent{Kind: EventStart, Role: "assistant"}, nil
	}
	for {
		resp, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return StreamEvent{Kind: EventStop, Usage: s.usage}, nil
		}
		if err != nil {
			return StreamEvent{}, fmt.Errorf("receive stream chunk: %w", err)
		}
		if resp.Usage != nil {
			s.usage = Usage{
				InputTokens:  uint64(resp.Usage.PromptTokens),
				OutputTokens: uint64(resp.Usage.CompletionTokens),
			}
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return StreamEvent{Kind: EventDelta, Text: resp.Choices[0].Delta.Content}, nil
	}
}

func (s *openaiStream) Close() error { return s.inner.Close() }
