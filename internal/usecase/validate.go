package usecase

import (
	"fmt"
	"strings"

	"chat-gateway/internal/domain"
)

const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// validateTemperature rejects values outside the provider's range instead of
// clamping them.
func validateTemperature(t float64) *Error {
	if t < minTemperature || t > maxTemperature {
		return validationError("temperature_out_of_range",
			fmt.Sprintf("temperature must be between %.1f and %.1f, got %g", minTemperature, maxTemperature, t))
	}
	return nil
}

func validateMaxTokens(n *int) *Error {
	if n != nil && *n <= 0 {
		return validationError("invalid_max_tokens", "max_tokens must be a positive integer")
	}
	return nil
}

func validateMessages(msgs []domain.ChatMessage) *Error {
	if len(msgs) == 0 {
		return validationError("empty_messages", "messages must not be empty")
	}
	for i, m := range msgs {
		if !domain.ValidRole(m.Role) {
			return validationError("invalid_role",
				fmt.Sprintf("messages[%d].role must be one of system, user, assistant; got %q", i, m.Role))
		}
		if strings.TrimSpace(m.Content) == "" {
			return validationError("empty_content", fmt.Sprintf("messages[%d].content must not be empty", i))
		}
	}
	return nil
}
