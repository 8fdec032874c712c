package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"larkbot/internal/llm"
	"larkbot/internal/notify"
	"larkbot/internal/queue"
	"larkbot/internal/store"
)

type memSeen struct {
	seen    map[string]bool
	hasErr  error
	marked  int
}

func newMemSeen() *memSeen { return &memSeen{seen: make(map[string]bool)} }

func (m *memSeen) HasSeen(eventID string) (bool, error) {
	if m.hasErr != nil {
		return false, m.hasErr
	}
	return m.seen[eventID], nil
}

func (m *memSeen) MarkSeen(eventID string, _ time.Duration) error {
	m.seen[eventID] = true
	m.marked++
	return nil
}

type putCall struct {
	chatID      string
	messages    []llm.Message
	prompt      string
	prevVersion int64
}

type memConvs struct {
	recs    map[string]store.ConversationRecord
	puts    []putCall
	deleted []string
	putErr  error
}

func newMemConvs() *memConvs { return &memConvs{recs: make(map[string]store.ConversationRecord)} }

func (m *memConvs) Get(chatID string) (store.ConversationRecord, bool, error) {
	rec, ok := m.recs[chatID]
	return rec, ok, nil
}

func (m *memConvs) Put(chatID string, messages []llm.Message, prompt string, prevVersion int64) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.puts = append(m.puts, putCall{chatID, messages, prompt, prevVersion})
	m.recs[chatID] = store.ConversationRecord{
		ChatID: chatID, Messages: messages, SystemPrompt: prompt, Version: prevVersion + 1,
	}
	return nil
}

func (m *memConvs) Delete(chatID string) error {
	m.deleted = append(m.deleted, chatID)
	delete(m.recs, chatID)
	return nil
}

type memUsage struct {
	recs map[string]store.UsageRecord
}

func newMemUsage() *memUsage { return &memUsage{recs: make(map[string]store.UsageRecord)} }

func (m *memUsage) Get(appID string) (store.UsageRecord, bool, error) {
	rec, ok := m.recs[appID]
	return rec, ok, nil
}

func (m *memUsage) Accumulate(appID string, din, dout uint64) (store.UsageRecord, error) {
	rec := m.recs[appID]
	rec.AppID = appID
	rec.InputTokens += din
	rec.OutputTokens += dout
	m.recs[appID] = rec
	return rec, nil
}

type fakeNotifier struct {
	acks    []string
	sent    []string
	updates []string
	ackErr  error
}

func (f *fakeNotifier) Acknowledge(_ context.Context, channelID, messageID string) (notify.Handle, error) {
	if f.ackErr != nil {
		return notify.Handle{}, f.ackErr
	}
	f.acks = append(f.acks, messageID)
	return notify.Handle{ChannelID: channelID, MessageID: "om_ack", Status: notify.AckSuccess}, nil
}

func (f *fakeNotifier) Update(_ context.Context, _ notify.Handle, content, trailer string, final bool) error {
	f.updates = append(f.updates, content)
	return nil
}

func (f *fakeNotifier) Send(_ context.Context, _, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

type fakePublisher struct {
	published []queue.TurnMessage
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, m queue.TurnMessage) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, m)
	return nil
}

type handlerFixture struct {
	h     *Handler
	seen  *memSeen
	convs *memConvs
	usage *memUsage
	notif *fakeNotifier
	pub   *fakePublisher
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		seen:  newMemSeen(),
		convs: newMemConvs(),
		usage: newMemUsage(),
		notif: &fakeNotifier{},
		pub:   &fakePublisher{},
	}
	f.h = NewHandler("secret-token", "app-1", "/rs", f.seen, f.convs, f.usage, f.notif, f.pub)
	return f
}

func (f *handlerFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/event", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func textEventBody(eventID, chatID, text string) string {
	return fmt.Sprintf(`{
		"header":{"token":"secret-token","event_id":"%s","event_type":"im.message.receive_v1"},
		"event":{"message":{"message_id":"om_1","chat_id":"%s","message_type":"text","content":"{\"text\":\"%s\"}"}}
	}`, eventID, chatID, text)
}

func TestVerificationProbeEchoesChallenge(t *testing.T) {
	f := newHandlerFixture()
	w := f.post(t, `{"type":"url_verification","challenge":"abc123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"challenge":"abc123"}` {
		t.Fatalf("unexpected body: %q", got)
	}
	if f.seen.marked != 0 || len(f.pub.published) != 0 {
		t.Fatalf("probe caused side effects")
	}
}

func TestBadTokenRejectedWithoutSideEffects(t *testing.T) {
	f := newHandlerFixture()
	body := strings.Replace(textEventBody("ev1", "oc1", "hello"), "secret-token", "wrong", 1)
	w := f.post(t, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if f.seen.marked != 0 {
		t.Fatalf("dedup record written for rejected event")
	}
	if len(f.pub.published) != 0 || len(f.notif.acks) != 0 {
		t.Fatalf("rejected event was processed")
	}
}

func TestDuplicateEventIsSilentNoOp(t *testing.T) {
	f := newHandlerFixture()
	body := textEventBody("ev1", "oc1", "hello")

	w1 := f.post(t, body)
	w2 := f.post(t, body)
	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("statuses: %d %d", w1.Code, w2.Code)
	}
	if len(f.notif.acks) != 1 {
		t.Fatalf("expected exactly one acknowledgement, got %d", len(f.notif.acks))
	}
	if len(f.pub.published) != 1 {
		t.Fatalf("expected exactly one queued turn, got %d", len(f.pub.published))
	}
}

func TestDedupFailsOpen(t *testing.T) {
	f := newHandlerFixture()
	f.seen.hasErr = errors.New("store unreachable")
	f.post(t, textEventBody("ev1", "oc1", "hello"))
	if len(f.pub.published) != 1 {
		t.Fatalf("event dropped on dedup failure")
	}
}

func TestResetCommandClearsHistoryWithoutModelCall(t *testing.T) {
	f := newHandlerFixture()
	f.convs.recs["oc1"] = store.ConversationRecord{
		ChatID: "oc1", Messages: []llm.Message{llm.TextMessage("user", "old")}, Version: 3,
	}
	f.post(t, textEventBody("ev1", "oc1", "/rs"))

	if len(f.convs.deleted) != 1 || f.convs.deleted[0] != "oc1" {
		t.Fatalf("conversation not cleared: %+v", f.convs.deleted)
	}
	if len(f.pub.published) != 0 {
		t.Fatalf("reset command queued a model turn")
	}
	if len(f.notif.sent) != 1 || !strings.Contains(f.notif.sent[0], "Flushed") {
		t.Fatalf("confirmation missing: %+v", f.notif.sent)
	}
}

func TestTokenCountCommandRepliesWithTotals(t *testing.T) {
	f := newHandlerFixture()
	f.usage.recs["app-1"] = store.UsageRecord{AppID: "app-1", InputTokens: 100, OutputTokens: 200}
	f.post(t, textEventBody("ev1", "oc1", "/tc"))

	if len(f.notif.sent) != 1 {
		t.Fatalf("expected one reply, got %+v", f.notif.sent)
	}
	if !strings.Contains(f.notif.sent[0], `"input_tokens":100`) {
		t.Fatalf("totals missing: %q", f.notif.sent[0])
	}
	if len(f.pub.published) != 0 {
		t.Fatalf("usage query queued a model turn")
	}
}

func TestSystemPromptCommandPreservesMessages(t *testing.T) {
	f := newHandlerFixture()
	prior := []llm.Message{llm.TextMessage("user", "hi"), llm.TextMessage("assistant", "hello")}
	f.convs.recs["oc1"] = store.ConversationRecord{ChatID: "oc1", Messages: prior, Version: 2}

	f.post(t, textEventBody("ev1", "oc1", "/sp act as a pirate"))

	if len(f.convs.puts) != 1 {
		t.Fatalf("expected one put, got %d", len(f.convs.puts))
	}
	put := f.convs.puts[0]
	if put.prompt != "act as a pirate" || len(put.messages) != 2 || put.prevVersion != 2 {
		t.Fatalf("unexpected put: %+v", put)
	}
	if len(f.pub.published) != 0 {
		t.Fatalf("prompt command queued a model turn")
	}
}

func TestUnsupportedContentNotifiesUser(t *testing.T) {
	f := newHandlerFixture()
	body := `{
		"header":{"token":"secret-token","event_id":"ev1","event_type":"im.message.receive_v1"},
		"event":{"message":{"message_id":"om_1","chat_id":"oc1","message_type":"audio","content":"{}"}}
	}`
	f.post(t, body)
	if len(f.notif.sent) != 1 || !strings.Contains(f.notif.sent[0], "unsupported") {
		t.Fatalf("unsupported notice missing: %+v", f.notif.sent)
	}
	if len(f.pub.published) != 0 {
		t.Fatalf("unsupported content queued a turn")
	}
}

func TestChatTurnAcknowledgedAndQueued(t *testing.T) {
	f := newHandlerFixture()
	w := f.post(t, textEventBody("ev1", "oc1", "hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if len(f.pub.published) != 1 {
		t.Fatalf("turn not queued")
	}
	turn := f.pub.published[0]
	if turn.MsgType != "text" || turn.Msg != "hello" || turn.OpenChatID != "oc1" {
		t.Fatalf("unexpected envelope: %+v", turn)
	}
	if turn.MsgBody.Status != notify.AckSuccess || turn.MsgBody.MessageID != "om_ack" {
		t.Fatalf("ack outcome not echoed: %+v", turn.MsgBody)
	}
}

func TestAckFailureFallsBackToPlainNotice(t *testing.T) {
	f := newHandlerFixture()
	f.notif.ackErr = errors.New("card rejected")
	f.post(t, textEventBody("ev1", "oc1", "hello"))
	if len(f.pub.published) != 0 {
		t.Fatalf("turn queued despite failed acknowledgement")
	}
	if len(f.notif.sent) != 1 {
		t.Fatalf("fallback notice missing: %+v", f.notif.sent)
	}
}
