package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"larkbot/internal/llm"
)

// DefaultTTL is the sliding expiry applied to conversation and dedup
// records.
const DefaultTTL = 24 * time.Hour

// FileConversationStore keeps all conversation records in a single JSON
// file, rewritten on every mutation under one mutex.
type FileConversationStore struct {
	path string
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileConversationStore(path string) (*FileConversationStore, error) {
	if err := touchFile(path); err != nil {
		return nil, err
	}
	return &FileConversationStore{path: path, ttl: DefaultTTL, now: time.Now}, nil
}

func (s *FileConversationStore) Get(chatID string) (ConversationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return ConversationRecord{}, false, err
	}
	rec, ok := recs[chatID]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		// logical expiry: a stale record is absent even before the sweep
		return ConversationRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *FileConversationStore) Put(chatID string, messages []llm.Message, systemPrompt string, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	var current int64
	if rec, ok := recs[chatID]; ok && s.now().Before(rec.ExpiresAt) {
		current = rec.Version
	}
	if current != prevVersion {
		return fmt.Errorf("put %s: %w", chatID, ErrVersionConflict)
	}
	recs[chatID] = ConversationRecord{
		ChatID:       chatID,
		Messages:     messages,
		SystemPrompt: systemPrompt,
		Version:      prevVersion + 1,
		ExpiresAt:    s.now().Add(s.ttl),
	}
	return s.saveUnlocked(recs)
}

func (s *FileConversationStore) Delete(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	if _, ok := recs[chatID]; !ok {
		return nil
	}
	delete(recs, chatID)
	return s.saveUnlocked(recs)
}

// SweepExpired physically removes records past their expiry and reports how
// many were dropped.
func (s *FileConversationStore) SweepExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, rec := range recs {
		if !s.now().Before(rec.ExpiresAt) {
			delete(recs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveUnlocked(recs)
}

func (s *FileConversationStore) loadUnlocked() (map[string]ConversationRecord, error) {
	out := make(map[string]ConversationRecord)
	if err := loadJSONFile(s.path, &out); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return out, nil
}

func (s *FileConversationStore) saveUnlocked(recs map[string]ConversationRecord) error {
	if err := saveJSONFile(s.path, recs); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	return nil
}

// FileUsageLedger persists token counters in a JSON file. The store mutex
// serializes the read-modify-write in Accumulate, so concurrent completions
// never lose an increment.
type FileUsageLedger struct {
	path string
	mu   sync.Mutex
}

func NewFileUsageLedger(path string) (*FileUsageLedger, error) {
	if err := touchFile(path); err != nil {
		return nil, err
	}
	return &FileUsageLedger{path: path}, nil
}

func (l *FileUsageLedger) Get(appID string) (UsageRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, err := l.loadUnlocked()
	if err != nil {
		return UsageRecord{}, false, err
	}
	rec, ok := recs[appID]
	return rec, ok, nil
}

func (l *FileUsageLedger) Accumulate(appID string, deltaInput, deltaOutput uint64) (UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, err := l.loadUnlocked()
	if err != nil {
		return UsageRecord{}, err
	}
	rec := recs[appID]
	rec.AppID = appID
	rec.InputTokens += deltaInput
	rec.OutputTokens += deltaOutput
	recs[appID] = rec
	if err := l.saveUnlocked(recs); err != nil {
		return UsageRecord{}, err
	}
	return rec, nil
}

func (l *FileUsageLedger) loadUnlocked() (map[string]UsageRecord, error) {
	out := make(map[string]UsageRecord)
	if err := loadJSONFile(l.path, &out); err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	return out, nil
}

func (l *FileUsageLedger) saveUnlocked(recs map[string]UsageRecord) error {
	if err := saveJSONFile(l.path, recs); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// FileSeenEvents persists the dedup set in a JSON file.
type FileSeenEvents struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileSeenEvents(path string) (*FileSeenEvents, error) {
	if err := touchFile(path); err != nil {
		return nil, err
	}
	return &FileSeenEvents{path: path, now: time.Now}, nil
}

func (s *FileSeenEvents) HasSeen(eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return false, err
	}
	rec, ok := recs[eventID]
	return ok && s.now().Before(rec.ExpiresAt), nil
}

func (s *FileSeenEvents) MarkSeen(eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	recs[eventID] = SeenEvent{EventID: eventID, ExpiresAt: s.now().Add(ttl)}
	return s.saveUnlocked(recs)
}

func (s *FileSeenEvents) SweepExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadUnlocked()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, rec := range recs {
		if !s.now().Before(rec.ExpiresAt) {
			delete(recs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveUnlocked(recs)
}

func (s *FileSeenEvents) loadUnlocked() (map[string]SeenEvent, error) {
	out := make(map[string]SeenEvent)
	if err := loadJSONFile(s.path, &out); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return out, nil
}

func (s *FileSeenEvents) saveUnlocked(recs map[string]SeenEvent) error {
	if err := saveJSONFile(s.path, recs); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	return nil
}

func touchFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("touch file: %w", err)
	}
	_ = f.Close()
	return nil
}

func loadJSONFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func saveJSONFile(path string, v any) error {
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
