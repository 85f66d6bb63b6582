package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/repository"
)

const defaultModelTTL = 24 * time.Hour

// CreateModelInput carries the fields of a model registration.
type CreateModelInput struct {
	ModelID     string
	ModelName   string
	Temperature float64
	MaxTokens   *int
}

// ModelRegistry stores reusable model configurations. Records are read only
// once written; registering the same id again replaces the record and
// refreshes its TTL.
type ModelRegistry struct {
	store repository.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewModelRegistry(s repository.Store, ttl time.Duration) (*ModelRegistry, error) {
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultModelTTL
	}
	return &ModelRegistry{store: s, ttl: ttl, now: time.Now}, nil
}

func (r *ModelRegistry) Create(ctx context.Context, in CreateModelInput) (domain.ModelConfig, error) {
	name := strings.TrimSpace(in.ModelName)
	if name == "" {
		return domain.ModelConfig{}, validationError("empty_model", "model must not be empty")
	}
	if err := validateTemperature(in.Temperature); err != nil {
		return domain.ModelConfig{}, err
	}
	if err := validateMaxTokens(in.MaxTokens); err != nil {
		return domain.ModelConfig{}, err
	}

	id := strings.TrimSpace(in.ModelID)
	if id == "" {
		id = newUUID()
	}
	cfg := domain.ModelConfig{
		ModelID:     id,
		ModelName:   name,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		CreatedAt:   r.now().UTC(),
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return domain.ModelConfig{}, newError(ErrorInternal, "model_encode_error", err)
	}
	if err := r.store.Put(ctx, repository.ModelKey(id), data, r.ttl); err != nil {
		return domain.ModelConfig{}, storeError("model_write_error", err)
	}
	return cfg, nil
}

func (r *ModelRegistry) Get(ctx context.Context, modelID string) (domain.ModelConfig, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return domain.ModelConfig{}, validationError("empty_model_id", "model_id must not be empty")
	}
	item, err := r.store.Get(ctx, repository.ModelKey(modelID))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ModelConfig{}, notFoundError("model_not_found", "model "+modelID+" not found")
	}
	if err != nil {
		return domain.ModelConfig{}, storeError("model_read_error", err)
	}
	var cfg domain.ModelConfig
	if err := json.Unmarshal(item.Value, &cfg); err != nil {
		return domain.ModelConfig{}, newError(ErrorInternal, "model_decode_error", err)
	}
	return cfg, nil
}

// List returns every live model ordered by creation time. Records that expire
// between the key scan and the read are skipped.
func (r *ModelRegistry) List(ctx context.Context) ([]domain.ModelConfig, error) {
	keys, err := r.store.ListKeys(ctx, repository.ModelPrefix)
	if err != nil {
		return nil, storeError("model_list_error", err)
	}
	out := make([]domain.ModelConfig, 0, len(keys))
	for _, id := range repository.TrimPrefixes(keys, repository.ModelPrefix) {
		cfg, err := r.Get(ctx, id)
		if err != nil {
			var ucErr *Error
			if errors.As(err, &ucErr) && ucErr.Code == ErrorNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
