// Package queue decouples the webhook handler from the model round-trip:
// accepted chat turns are published as JSON envelopes and consumed by a
// bounded worker pool.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"larkbot/internal/notify"
)

// TurnMessage is the envelope carried between the webhook stage and the
// turn worker. Msg holds the text body for text turns and the image key for
// image turns. MsgBody echoes the acknowledgement outcome; the worker only
// proceeds when its status equals notify.AckSuccess.
type TurnMessage struct {
	MsgType    string        `json:"msg_type"`
	Msg        string        `json:"msg"`
	OpenChatID string        `json:"open_chat_id"`
	MessageID  string        `json:"message_id"`
	MsgBody    notify.Handle `json:"msg_body"`
}

func (m TurnMessage) Validate() error {
	if err := requireField("msg_type", m.MsgType); err != nil {
		return err
	}
	if err := requireField("msg", m.Msg); err != nil {
		return err
	}
	if err := requireField("open_chat_id", m.OpenChatID); err != nil {
		return err
	}
	return requireField("message_id", m.MessageID)
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func Encode(m TurnMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal turn message: %w", err)
	}
	return raw, nil
}

func Decode(raw []byte) (TurnMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var m TurnMessage
	if err := dec.Decode(&m); err != nil {
		return TurnMessage{}, fmt.Errorf("invalid turn message json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return TurnMessage{}, fmt.Errorf("invalid turn message json: trailing data")
	}
	if err := m.Validate(); err != nil {
		return TurnMessage{}, err
	}
	return m, nil
}

// Queue is an in-process turn queue with a bounded buffer.
type Queue struct {
	jobs chan []byte
	wg   sync.WaitGroup
}

func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{jobs: make(chan []byte, size)}
}

// Publish encodes and enqueues one turn. It blocks while the buffer is full
// and fails once ctx is done.
func (q *Queue) Publish(ctx context.Context, m TurnMessage) error {
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- raw:
		return nil
	}
}

// Start launches the consumer pool. Each worker decodes and handles one
// envelope at a time until ctx is done.
func (q *Queue) Start(ctx context.Context, workers int, handle func(context.Context, TurnMessage)) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-q.jobs:
					if !ok {
						return
					}
					m, err := Decode(raw)
					if err != nil {
						log.Printf("queue: dropping bad envelope: %v", err)
						continue
					}
					handle(ctx, m)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() { q.wg.Wait() }
