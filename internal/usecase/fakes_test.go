package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/integrations/openai"
	"chat-gateway/internal/repository"
)

type fakeEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

// fakeStore is an in-memory repository.Store driven by a settable clock.
type fakeStore struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]fakeEntry

	getErr    error
	putErr    error
	listErr   error
	deleteErr error
	puts      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:     time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC),
		entries: map[string]fakeEntry{},
	}
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeStore) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeStore) live(key string) (fakeEntry, bool) {
	e, ok := f.entries[key]
	if !ok || !f.now.Before(e.expiresAt) {
		return fakeEntry{}, false
	}
	return e, true
}

func (f *fakeStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	e, _ := f.live(key)
	f.entries[key] = fakeEntry{value: append([]byte(nil), value...), version: e.version + 1, expiresAt: f.now.Add(ttl)}
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (repository.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return repository.Item{}, f.getErr
	}
	e, ok := f.live(key)
	if !ok {
		return repository.Item{}, repository.ErrNotFound
	}
	return repository.Item{Value: e.value, Version: e.version}, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	_, ok := f.live(key)
	delete(f.entries, key)
	return ok, nil
}

func (f *fakeStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	keys := []string{}
	for k := range f.entries {
		if _, ok := f.live(k); ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) PutVersioned(_ context.Context, key string, value []byte, ttl time.Duration, expected int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	e, _ := f.live(key)
	if e.version != expected {
		return 0, repository.ErrVersionConflict
	}
	f.puts++
	f.entries[key] = fakeEntry{value: append([]byte(nil), value...), version: expected + 1, expiresAt: f.now.Add(ttl)}
	return expected + 1, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// mockLLM replies with canned answers and records every request.
type mockLLM struct {
	answer   string
	usage    domain.Usage
	err      error
	requests []openai.ChatRequest
	// beforeReply runs between receiving the request and replying.
	beforeReply func()
}

func (m *mockLLM) Chat(_ context.Context, req openai.ChatRequest) (openai.ChatResult, error) {
	m.requests = append(m.requests, req)
	if m.beforeReply != nil {
		m.beforeReply()
	}
	if m.err != nil {
		return openai.ChatResult{}, m.err
	}
	answer := m.answer
	if answer == "" {
		answer = fmt.Sprintf("reply %d", len(m.requests))
	}
	return openai.ChatResult{
		Content:  answer,
		Usage:    m.usage,
		Metadata: map[string]any{"finish_reason": "stop"},
	}, nil
}

type services struct {
	store         *fakeStore
	llm           *mockLLM
	models        *ModelRegistry
	conversations *ConversationManager
	completion    *CompletionService
}

func newServices(t *testing.T) *services {
	t.Helper()
	store := newFakeStore()
	llm := &mockLLM{usage: domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}}

	models, err := NewModelRegistry(store, 24*time.Hour)
	require.NoError(t, err)
	models.now = store.clock

	conversations, err := NewConversationManager(store, time.Hour)
	require.NoError(t, err)
	conversations.now = store.clock

	completion, err := NewCompletionService(llm, models, conversations)
	require.NoError(t, err)

	return &services{store: store, llm: llm, models: models, conversations: conversations, completion: completion}
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	if reason != "" {
		require.Equal(t, reason, ucErr.Reason)
	}
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func user(content string) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleUser, Content: content}
}
