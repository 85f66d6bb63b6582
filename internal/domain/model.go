package domain

import "time"

// ModelConfig is a named, reusable bundle of LLM invocation parameters.
type ModelConfig struct {
	ModelID     string    `json:"model_id"`
	ModelName   string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
