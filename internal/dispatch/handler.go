// Package dispatch sequences the webhook intake and the asynchronous turn
// processing: validation, deduplication, control commands, acknowledgement,
// and the model round-trip with its commit.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"larkbot/internal/lark"
	"larkbot/internal/notify"
	"larkbot/internal/queue"
	"larkbot/internal/store"
)

const dedupTTL = 24 * time.Hour

const (
	tokenCountCommand   = "/tc"
	systemPromptCommand = "/sp "
)

// Publisher hands accepted turns to the asynchronous worker stage.
type Publisher interface {
	Publish(ctx context.Context, m queue.TurnMessage) error
}

// Handler is the inbound webhook endpoint. It must answer well inside the
// platform's webhook timeout, so everything past the acknowledgement is
// deferred to the queue.
type Handler struct {
	verificationToken string
	appID             string
	resetCommand      string

	seen          store.SeenEvents
	conversations store.ConversationStore
	usage         store.UsageLedger
	notifier      notify.Notifier
	publisher     Publisher
}

func NewHandler(
	verificationToken, appID, resetCommand string,
	seen store.SeenEvents,
	conversations store.ConversationStore,
	usage store.UsageLedger,
	notifier notify.Notifier,
	publisher Publisher,
) *Handler {
	return &Handler{
		verificationToken: verificationToken,
		appID:             appID,
		resetCommand:      resetCommand,
		seen:              seen,
		conversations:     conversations,
		usage:             usage,
		notifier:          notifier,
		publisher:         publisher,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var payload lark.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if payload.IsVerification() {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}

	if payload.Header.Token != h.verificationToken {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if payload.Header.EventType != lark.EventTypeMessageReceive {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.handleEvent(r.Context(), payload)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEvent(ctx context.Context, payload lark.WebhookPayload) {
	eventID := payload.Header.EventID
	msg := payload.Event.Message

	seen, err := h.seen.HasSeen(eventID)
	if err != nil {
		// fail open: a duplicate turn beats dropping the event entirely
		log.Printf("dedup lookup failed for %s, proceeding: %v", eventID, err)
	}
	if seen {
		log.Printf("duplicate event %s, skipping", eventID)
		return
	}
	if err := h.seen.MarkSeen(eventID, dedupTTL); err != nil {
		log.Printf("failed to mark event %s seen: %v", eventID, err)
	}

	content, err := msg.ParseContent()
	if err != nil {
		log.Printf("message %s: %v", msg.MessageID, err)
		h.send(ctx, msg.ChatID, fmt.Sprintf("'%s' format is unsupported.", msg.MessageType))
		return
	}

	if msg.MessageType == lark.MsgTypeText && h.handleCommand(ctx, msg.ChatID, content) {
		return
	}

	handle, err := h.notifier.Acknowledge(ctx, msg.ChatID, msg.MessageID)
	if err != nil {
		log.Printf("acknowledge failed for %s: %v", msg.MessageID, err)
		h.send(ctx, msg.ChatID, "!!something error")
		return
	}

	turn := queue.TurnMessage{
		MsgType:    msg.MessageType,
		Msg:        content,
		OpenChatID: msg.ChatID,
		MessageID:  msg.MessageID,
		MsgBody:    handle,
	}
	if err := h.publisher.Publish(ctx, turn); err != nil {
		log.Printf("enqueue turn for %s failed: %v", msg.ChatID, err)
		h.send(ctx, msg.ChatID, "!!something error")
	}
}

// handleCommand runs control commands and reports whether the message was
// one. Commands are exact, case-sensitive matches and never reach the model.
func (h *Handler) handleCommand(ctx context.Context, chatID, text string) bool {
	switch {
	case text == h.resetCommand:
		if err := h.conversations.Delete(chatID); err != nil {
			log.Printf("reset %s failed: %v", chatID, err)
		}
		h.send(ctx, chatID, "Flushed! Let's chat!")
		return true
	case text == tokenCountCommand:
		rec, ok, err := h.usage.Get(h.appID)
		if err != nil {
			log.Printf("usage lookup failed: %v", err)
		}
		if !ok {
			h.send(ctx, chatID, "null")
			return true
		}
		raw, _ := json.Marshal(map[string]uint64{
			"input_tokens":  rec.InputTokens,
			"output_tokens": rec.OutputTokens,
		})
		h.send(ctx, chatID, string(raw))
		return true
	case strings.HasPrefix(text, systemPromptCommand):
		prompt := strings.TrimSpace(strings.TrimPrefix(text, systemPromptCommand))
		rec, _, err := h.conversations.Get(chatID)
		if err != nil {
			log.Printf("load conversation %s failed: %v", chatID, err)
		}
		if err := h.conversations.Put(chatID, rec.Messages, prompt, rec.Version); err != nil {
			log.Printf("store system prompt for %s failed: %v", chatID, err)
			return true
		}
		h.send(ctx, chatID, "System prompt updated! Let's chat!")
		return true
	}
	return false
}

func (h *Handler) send(ctx context.Context, chatID, text string) {
	if err := h.notifier.Send(ctx, chatID, text); err != nil {
		log.Printf("send to %s failed: %v", chatID, err)
	}
}
