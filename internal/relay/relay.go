// Package relay drives one streaming completion against the model backend
// and forwards throttled partial results to a caller-supplied sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"larkbot/internal/llm"
)

// ProgressFunc receives the text accumulated so far. trailer is non-empty
// only on the final call, where it summarizes token usage.
type ProgressFunc func(partial string, trailer string, final bool) error

// Relay issues streaming completion requests and assembles the final
// assistant message. It performs no retries; a failed stream discards
// whatever partial content was accumulated.
type Relay struct {
	client              llm.Client
	params              llm.SamplingParams
	defaultSystemPrompt string

	// stride draws the emission stride for the next chunk. Randomized so
	// partial updates do not land on a fixed visual rhythm and stay under
	// the platform's edit rate limit.
	stride func() int
}

func New(client llm.Client, params llm.SamplingParams, defaultSystemPrompt string) *Relay {
	return &Relay{
		client:              client,
		params:              params,
		defaultSystemPrompt: defaultSystemPrompt,
		stride:              defaultStride,
	}
}

func defaultStride() int { return 10 + rand.Intn(11) }

// progress is the transient state of one in-flight completion.
type progress struct {
	buf    []byte
	chunks int
}

// Complete streams one completion for the given history. messages must be
// non-empty with the new user turn last. An empty systemPrompt falls back to
// the configured default. Returns the complete assistant text and token
// usage as reported by the backend.
func (r *Relay) Complete(ctx context.Context, messages []llm.Message, systemPrompt string, onProgress ProgressFunc) (string, llm.Usage, error) {
	if len(messages) == 0 {
		return "", llm.Usage{}, fmt.Errorf("no messages to relay")
	}
	if systemPrompt == "" {
		systemPrompt = r.defaultSystemPrompt
	}

	stream, err := r.client.Stream(ctx, systemPrompt, messages, r.params)
	if err != nil {
		return "", llm.Usage{}, err
	}
	defer func() { _ = stream.Close() }()

	var p progress
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", llm.Usage{}, fmt.Errorf("stream ended without a stop event")
		}
		if err != nil {
			return "", llm.Usage{}, err
		}
		switch ev.Kind {
		case llm.EventStart:
			// role metadata only, nothing to do
		case llm.EventDelta:
			p.buf = append(p.buf, ev.Text...)
			if p.chunks%r.stride() == 0 {
				if err := onProgress(string(p.buf), "", false); err != nil {
					return "", llm.Usage{}, fmt.Errorf("progress update: %w", err)
				}
			}
			p.chunks++
		case llm.EventStop:
			text := string(p.buf)
			trailer := fmt.Sprintf("input:%d output:%d ", ev.Usage.InputTokens, ev.Usage.OutputTokens)
			if err := onProgress(text, trailer, true); err != nil {
				return "", llm.Usage{}, fmt.Errorf("final update: %w", err)
			}
			return text, ev.Usage, nil
		}
	}
}
