package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	apiName           = "Chat Gateway"
)

type ModelRegistry interface {
	Create(ctx context.Context, in usecase.CreateModelInput) (domain.ModelConfig, error)
	Get(ctx context.Context, modelID string) (domain.ModelConfig, error)
	List(ctx context.Context) ([]domain.ModelConfig, error)
}

type ConversationReader interface {
	Get(ctx context.Context, conversationID string) (domain.Conversation, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, conversationID string) (bool, error)
}

type Completer interface {
	Complete(ctx context.Context, in usecase.CompletionInput) (usecase.CompletionOutput, error)
}

// Handler serves the JSON API. It is an http.Handler and, through Handle,
// an API Gateway proxy Lambda handler.
type Handler struct {
	models        ModelRegistry
	conversations ConversationReader
	completion    Completer
	logger        *slog.Logger
	router        chi.Router
	lambda        *httpadapter.HandlerAdapter
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(models ModelRegistry, conversations ConversationReader, completion Completer, opts ...Option) (*Handler, error) {
	if models == nil {
		return nil, errors.New("handler: model registry must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("handler: conversation manager must not be nil")
	}
	if completion == nil {
		return nil, errors.New("handler: completion service must not be nil")
	}
	h := &Handler{
		models:        models,
		conversations: conversations,
		completion:    completion,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.routes()
	h.lambda = httpadapter.New(h)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(correlationID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/models", func(r chi.Router) {
			r.Post("/create", h.createModel)
			r.Get("/", h.listModels)
			r.Get("/{model_id}", h.getModel)
		})
		r.Post("/chat/completions", h.complete)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.listConversations)
			r.Get("/{conversation_id}", h.getConversation)
			r.Delete("/{conversation_id}", h.deleteConversation)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "route_not_found", Message: "no route for " + r.Method + " " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:   string(usecase.ErrorValidation),
			Reason:  "method_not_allowed",
			Message: r.Method + " is not allowed on " + r.URL.Path,
		})
	})
	return r
}

// correlationID echoes the caller's X-Correlation-Id, or assigns one, and
// stores it in the request context for logging.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), id)))
	})
}

type createModelRequest struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	ModelID     string   `json:"model_id"`
}

type completionRequest struct {
	Messages       []domain.ChatMessage `json:"messages"`
	Model          string               `json:"model"`
	Temperature    *float64             `json:"temperature"`
	MaxTokens      *int                 `json:"max_tokens"`
	ConversationID string               `json:"conversation_id"`
	ModelID        string               `json:"model_id"`
}

type completionResponse struct {
	Content          string         `json:"content"`
	ConversationID   string         `json:"conversation_id"`
	Usage            domain.Usage   `json:"usage"`
	AdditionalKwargs map[string]any `json:"additional_kwargs"`
}

type deleteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Deleted bool   `json:"deleted"`
}

type healthResponse struct {
	Status string `json:"status"`
	API    string `json:"api"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

const defaultModelTemperature = 0.7

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", API: apiName})
}

func (h *Handler) createModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if !h.decode(w, r, &req) {
		return
	}
	temperature := defaultModelTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	cfg, err := h.models.Create(r.Context(), usecase.CreateModelInput{
		ModelID:     req.ModelID,
		ModelName:   req.Model,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) getModel(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.models.Get(r.Context(), chi.URLParam(r, "model_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if models == nil {
		models = []domain.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.completion.Complete(r.Context(), usecase.CompletionInput{
		Messages:       req.Messages,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ConversationID: req.ConversationID,
		ModelID:        req.ModelID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	kwargs := out.AdditionalKwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	logging.FromContext(r.Context(), h.logger).Info("completion served",
		"conversation_id", out.ConversationID,
		"total_tokens", out.Usage.TotalTokens,
	)
	writeJSON(w, http.StatusOK, completionResponse{
		Content:          out.Content,
		ConversationID:   out.ConversationID,
		Usage:            out.Usage,
		AdditionalKwargs: kwargs,
	})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Get(r.Context(), chi.URLParam(r, "conversation_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.conversations.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// deleteConversation answers 200 whether or not the conversation existed.
func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversation_id")
	deleted, err := h.conversations.Delete(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg := fmt.Sprintf("Conversation %s deleted", id)
	if !deleted {
		msg = fmt.Sprintf("Conversation %s not found", id)
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "success", Message: msg, Deleted: deleted})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, &usecase.Error{
			Code:    usecase.ErrorValidation,
			Reason:  "invalid_json",
			Message: "request body must be valid JSON",
			Err:     err,
		})
		return false
	}
	return true
}

// writeError maps err to a status and error body and logs it once.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	logger := logging.FromContext(r.Context(), h.logger)
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "code", body.Error, "reason", body.Reason, "err", err}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Warn("request rejected", attrs...)
	}
	writeJSON(w, status, body)
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{
			Error:   string(usecase.ErrorInternal),
			Reason:  "unexpected_error",
			Message: "internal server error",
		}
	}
	body := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason, Message: ucErr.Detail()}
	switch ucErr.Code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest, body
	case usecase.ErrorNotFound:
		return http.StatusNotFound, body
	case usecase.ErrorConflict:
		return http.StatusConflict, body
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, body
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, body
	case usecase.ErrorStore:
		return http.StatusServiceUnavailable, body
	default:
		body.Error = string(usecase.ErrorInternal)
		return http.StatusInternalServerError, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var newUUID = func() string {
	return uuid.NewString()
}
