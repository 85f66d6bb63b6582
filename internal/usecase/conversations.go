package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/repository"
)

const defaultConversationTTL = time.Hour

// ConversationManager owns the append-only conversation histories. Every
// write goes through a version check, so two concurrent appends to one
// conversation cannot silently drop each other's messages: the second one
// fails with ErrorConflict.
type ConversationManager struct {
	store repository.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewConversationManager(s repository.Store, ttl time.Duration) (*ConversationManager, error) {
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &ConversationManager{store: s, ttl: ttl, now: time.Now}, nil
}

// CreateOrGet resumes conversationID, or starts and persists a new
// conversation when it is empty. An unknown explicit id is an error; it is
// never created implicitly.
func (m *ConversationManager) CreateOrGet(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if strings.TrimSpace(conversationID) != "" {
		return m.Get(ctx, conversationID)
	}
	conv := m.newConversation("")
	if err := m.Save(ctx, &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// Append adds msgs to the end of the history and slides the expiry window.
func (m *ConversationManager) Append(ctx context.Context, conversationID string, msgs []domain.ChatMessage) (domain.Conversation, error) {
	if err := validateMessages(msgs); err != nil {
		return domain.Conversation{}, err
	}
	conv, err := m.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.Messages = append(conv.Messages, msgs...)
	if err := m.Save(ctx, &conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (m *ConversationManager) Get(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, validationError("empty_conversation_id", "conversation_id must not be empty")
	}
	item, err := m.store.Get(ctx, repository.ConversationKey(conversationID))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, notFoundError("conversation_not_found", "conversation "+conversationID+" not found")
	}
	if err != nil {
		return domain.Conversation{}, storeError("conversation_read_error", err)
	}
	var conv domain.Conversation
	if err := json.Unmarshal(item.Value, &conv); err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_decode_error", err)
	}
	if conv.Messages == nil {
		conv.Messages = []domain.ChatMessage{}
	}
	conv.Version = item.Version
	return conv, nil
}

// List returns the ids of all live conversations in lexical order.
func (m *ConversationManager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.ListKeys(ctx, repository.ConversationPrefix)
	if err != nil {
		return nil, storeError("conversation_list_error", err)
	}
	ids := repository.TrimPrefixes(keys, repository.ConversationPrefix)
	sort.Strings(ids)
	return ids, nil
}

// Delete reports whether a live conversation was removed. Repeating it is
// not an error.
func (m *ConversationManager) Delete(ctx context.Context, conversationID string) (bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return false, validationError("empty_conversation_id", "conversation_id must not be empty")
	}
	ok, err := m.store.Delete(ctx, repository.ConversationKey(conversationID))
	if err != nil {
		return false, storeError("conversation_delete_error", err)
	}
	return ok, nil
}

// Save writes conv if nobody else has written it since it was read, then
// updates its timestamps and version in place.
func (m *ConversationManager) Save(ctx context.Context, conv *domain.Conversation) error {
	now := m.now().UTC()
	next := *conv
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(m.ttl)
	if next.Messages == nil {
		next.Messages = []domain.ChatMessage{}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return newError(ErrorInternal, "conversation_encode_error", err)
	}
	ver, err := m.store.PutVersioned(ctx, repository.ConversationKey(next.ConversationID), data, m.ttl, conv.Version)
	if err != nil {
		return storeError("conversation_write_error", err)
	}
	next.Version = ver
	*conv = next
	return nil
}

// newConversation returns an unsaved conversation with a fresh id.
func (m *ConversationManager) newConversation(modelID string) domain.Conversation {
	return domain.Conversation{
		ConversationID: newUUID(),
		Messages:       []domain.ChatMessage{},
		ModelID:        modelID,
	}
}
