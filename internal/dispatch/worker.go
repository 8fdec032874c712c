package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"

	"larkbot/internal/lark"
	"larkbot/internal/llm"
	"larkbot/internal/notify"
	"larkbot/internal/queue"
	"larkbot/internal/relay"
	"larkbot/internal/store"
)

// Completer is the inference relay as the worker sees it.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, systemPrompt string, onProgress relay.ProgressFunc) (string, llm.Usage, error)
}

// FileFetcher resolves message attachments, e.g. image bytes by key.
type FileFetcher interface {
	GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error)
}

// Worker runs the heavy half of a chat turn: history assembly, the model
// round-trip with streamed card updates, and the exactly-once commit.
type Worker struct {
	conversations store.ConversationStore
	usage         store.UsageLedger
	relay         Completer
	notifier      notify.Notifier
	files         FileFetcher

	appID           string
	imageDescPrompt string
	maxSeq          int
	quota           int
}

func NewWorker(
	conversations store.ConversationStore,
	usage store.UsageLedger,
	completer Completer,
	notifier notify.Notifier,
	files FileFetcher,
	appID, imageDescPrompt string,
	maxSeq, quota int,
) *Worker {
	return &Worker{
		conversations:   conversations,
		usage:           usage,
		relay:           completer,
		notifier:        notifier,
		files:           files,
		appID:           appID,
		imageDescPrompt: imageDescPrompt,
		maxSeq:          maxSeq,
		quota:           quota,
	}
}

// HandleTurn processes one queued turn. Errors never propagate out; every
// failure path attempts a user-facing notice first.
func (w *Worker) HandleTurn(ctx context.Context, m queue.TurnMessage) {
	if m.MsgBody.Status != notify.AckSuccess {
		log.Printf("turn %s: acknowledgement status %q, aborting", m.MessageID, m.MsgBody.Status)
		return
	}

	rec, _, err := w.conversations.Get(m.OpenChatID)
	if err != nil {
		// fail open: continue with no prior state rather than refuse the turn
		log.Printf("turn %s: load history failed, starting fresh: %v", m.MessageID, err)
		rec = store.ConversationRecord{}
	}

	if len(rec.Messages) > w.quota {
		w.send(ctx, m.OpenChatID, "max chat quota reached!")
		return
	}

	current, ok := w.buildCurrentMessage(ctx, m, rec.SystemPrompt)
	if !ok {
		return
	}

	messages := append(rec.Messages, current)
	if len(messages) > w.maxSeq {
		messages = messages[len(messages)-w.maxSeq:]
	}

	onProgress := func(partial, trailer string, final bool) error {
		return w.notifier.Update(ctx, m.MsgBody, partial, trailer, final)
	}
	text, usage, err := w.relay.Complete(ctx, messages, rec.SystemPrompt, onProgress)
	if err != nil {
		if errors.Is(err, llm.ErrAccessDenied) {
			log.Printf("turn %s: %v (not retriable, check model permissions)", m.MessageID, err)
		} else {
			log.Printf("turn %s: relay failed: %v", m.MessageID, err)
		}
		w.send(ctx, m.OpenChatID, "Sorry, something went wrong.")
		return
	}

	// Commit exactly once, after the single successful relay completion.
	messages = append(messages, llm.TextMessage("assistant", strings.TrimLeft(text, " \t\n")))
	if len(messages) > w.maxSeq {
		messages = messages[len(messages)-w.maxSeq:]
	}
	if err := w.conversations.Put(m.OpenChatID, messages, rec.SystemPrompt, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			log.Printf("turn %s: history changed concurrently, dropping this turn's commit", m.MessageID)
		} else {
			// no retry queue: this turn's durability is lost
			log.Printf("turn %s: persist history failed: %v", m.MessageID, err)
		}
	}
	if _, err := w.usage.Accumulate(w.appID, usage.InputTokens, usage.OutputTokens); err != nil {
		log.Printf("turn %s: accumulate usage failed: %v", m.MessageID, err)
	}
}

func (w *Worker) buildCurrentMessage(ctx context.Context, m queue.TurnMessage, storedPrompt string) (llm.Message, bool) {
	switch m.MsgType {
	case lark.MsgTypeText:
		return llm.TextMessage("user", m.Msg), true
	case lark.MsgTypeImage:
		desc := w.imageDescPrompt
		if storedPrompt != "" {
			desc = storedPrompt
		}
		data, err := w.files.GetMessageResource(ctx, m.MessageID, m.Msg, "image")
		if err != nil {
			log.Printf("turn %s: fetch image %s failed: %v", m.MessageID, m.Msg, err)
			w.send(ctx, m.OpenChatID, "Sorry, something went wrong.")
			return llm.Message{}, false
		}
		b64 := base64.StdEncoding.EncodeToString(data)
		return llm.ImageMessage("user", "image/png", b64, desc), true
	default:
		w.send(ctx, m.OpenChatID, "'"+m.MsgType+"' format is unsupported.")
		return llm.Message{}, false
	}
}

func (w *Worker) send(ctx context.Context, chatID, text string) {
	if err := w.notifier.Send(ctx, chatID, text); err != nil {
		log.Printf("send to %s failed: %v", chatID, err)
	}
}
