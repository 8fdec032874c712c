package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/Morwran/yagpt"
)

// YandexClient adapts YandexGPT, whose API is a blocking completion, to the
// stream shape: the whole reply arrives as a single delta.
type YandexClient struct {
	ya       yagpt.YaGPTFace
	iamToken string
}

func NewYandex(oauthToken, folderID string) (*YandexClient, error) {
	// Create IAM token from OAuth token
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init yandex iam: %w", err)
	}
	resp, err := iam.Create()
	if err != nil {
		return nil, fmt.Errorf("failed to create iam token: %w", err)
	}

	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to init yagpt: %w", err)
	}

	return &YandexClient{
		ya:       ya,
		iamToken: resp.IamToken,
	}, nil
}

func (c *YandexClient) Stream(ctx context.Context, systemPrompt string, messages []Message, _ SamplingParams) (Stream, error) {
	var yaMsgs []yagpt.Message
	if systemPrompt != "" {
		yaMsgs = append(yaMsgs, yagpt.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		yaMsgs = append(yaMsgs, yagpt.Message{Role: m.Role, Content: m.Text()})
	}

	resp, err := c.ya.CompletionWithCtx(ctx, c.iamToken, yaMsgs)
	if err != nil {
		return nil, fmt.Errorf("yagpt completion failed: %w", err)
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return nil, fmt.Errorf("yagpt returned empty response")
	}
	return &yandexStream{
		text: resp.Alternatives[0].Message.Content,
		usage: Usage{
			InputTokens:  uint64(resp.Usage.InputTextTokens),
			OutputTokens: uint64(resp.Usage.CompletionTokens),
		},
	}, nil
}

type yandexStream struct {
	text  string
	usage Usage
	pos   int
}

func (s *yandexStream) Recv() (StreamEvent, error) {
	switch s.pos {
	case 0:
		s.pos++
		return StreamEvent{Kind: EventStart, Role: "assistant"}, nil
	case 1:
		s.pos++
		return StreamEvent{Kind: EventDelta, Text: s.text}, nil
	case 2:
		s.pos++
		return StreamEvent{Kind: EventStop, Usage: s.usage}, nil
	default:
		return StreamEvent{}, io.EOF
	}
}

func (s *yandexStream) Close() error { return nil }
