package usecase

import (
	"context"
	"errors"
	"strings"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/integrations/openai"
)

const (
	defaultModel       = "gpt-3.5-turbo"
	defaultTemperature = 0.7
)

type LLMClient interface {
	Chat(ctx context.Context, req openai.ChatRequest) (openai.ChatResult, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// CompletionInput is one chat-completion request. ModelID, when set, takes
// precedence over the inline Model, Temperature and MaxTokens.
type CompletionInput struct {
	Messages       []domain.ChatMessage
	Model          string
	Temperature    *float64
	MaxTokens      *int
	ConversationID string
	ModelID        string
}

type CompletionOutput struct {
	Content          string
	ConversationID   string
	Usage            domain.Usage
	AdditionalKwargs map[string]any
}

// CompletionService runs the resolve, invoke, persist sequence of a chat turn.
type CompletionService struct {
	llm           LLMClient
	models        *ModelRegistry
	conversations *ConversationManager
}

func NewCompletionService(llm LLMClient, models *ModelRegistry, conversations *ConversationManager) (*CompletionService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if models == nil {
		return nil, errors.New("usecase: model registry must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation manager must not be nil")
	}
	return &CompletionService{llm: llm, models: models, conversations: conversations}, nil
}

// Complete stores both the inbound messages and the reply, or neither: a
// failed provider call leaves the conversation untouched, and a new
// conversation is only written once the reply exists.
func (s *CompletionService) Complete(ctx context.Context, in CompletionInput) (CompletionOutput, error) {
	if err := validateMessages(in.Messages); err != nil {
		return CompletionOutput{}, err
	}

	params, err := s.resolveParams(ctx, in)
	if err != nil {
		return CompletionOutput{}, err
	}

	var conv domain.Conversation
	if id := strings.TrimSpace(in.ConversationID); id != "" {
		conv, err = s.conversations.Get(ctx, id)
		if err != nil {
			return CompletionOutput{}, err
		}
	} else {
		conv = s.conversations.newConversation(params.modelID)
	}

	history := make([]domain.ChatMessage, 0, len(conv.Messages)+len(in.Messages)+1)
	history = append(history, conv.Messages...)
	history = append(history, in.Messages...)

	res, err := s.llm.Chat(ctx, openai.ChatRequest{
		Model:       params.model,
		Messages:    history,
		Temperature: params.temperature,
		MaxTokens:   params.maxTokens,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return CompletionOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return CompletionOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	conv.Messages = append(history, domain.ChatMessage{Role: domain.RoleAssistant, Content: res.Content})
	if params.modelID != "" {
		conv.ModelID = params.modelID
	}
	if err := s.conversations.Save(ctx, &conv); err != nil {
		return CompletionOutput{}, err
	}

	kwargs := res.Metadata
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return CompletionOutput{
		Content:          res.Content,
		ConversationID:   conv.ConversationID,
		Usage:            res.Usage,
		AdditionalKwargs: kwargs,
	}, nil
}

type resolvedParams struct {
	modelID     string
	model       string
	temperature float64
	maxTokens   *int
}

// resolveParams picks the stored configuration when a model id is given and
// the inline fields otherwise. Inline settings are never persisted.
func (s *CompletionService) resolveParams(ctx context.Context, in CompletionInput) (resolvedParams, error) {
	if id := strings.TrimSpace(in.ModelID); id != "" {
		cfg, err := s.models.Get(ctx, id)
		if err != nil {
			return resolvedParams{}, err
		}
		return resolvedParams{
			modelID:     cfg.ModelID,
			model:       cfg.ModelName,
			temperature: cfg.Temperature,
			maxTokens:   cfg.MaxTokens,
		}, nil
	}

	p := resolvedParams{
		model:       strings.TrimSpace(in.Model),
		temperature: defaultTemperature,
		maxTokens:   in.MaxTokens,
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if in.Temperature != nil {
		p.temperature = *in.Temperature
	}
	if err := validateTemperature(p.temperature); err != nil {
		return resolvedParams{}, err
	}
	if err := validateMaxTokens(p.maxTokens); err != nil {
		return resolvedParams{}, err
	}
	return p, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
