package ctxwindow

import (
	"errors"
	"fmt"
)

var ErrInvalidBudget = errors.New("invalid token budget")

// TokenBudget splits the model's input window between fixed overhead and
// conversation history.
type TokenBudget struct {
	MaxInputTokens  int `json:"max_input_tokens" yaml:"max_input_tokens"`
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`

	WarningRatio     float64 `json:"warning_ratio" yaml:"warning_ratio"`
	CompressionRatio float64 `json:"compression_ratio" yaml:"compression_ratio"`
	EmergencyRatio   float64 `json:"emergency_ratio" yaml:"emergency_ratio"`

	MaxScreenshots             int `json:"max_screenshots" yaml:"max_screenshots"`
	PerScreenshotTokenEstimate int `json:"per_screenshot_token_estimate" yaml:"per_screenshot_token_estimate"`

	SystemPromptReserve   int `json:"system_prompt_reserve" yaml:"system_prompt_reserve"`
	ToolDefinitionReserve int `json:"tool_definition_reserve" yaml:"tool_definition_reserve"`
	ResponseReserve       int `json:"response_reserve" yaml:"response_reserve"`
}

func DefaultBudget() TokenBudget {
	return TokenBudget{
		MaxInputTokens:             200_000,
		MaxOutputTokens:            8_192,
		WarningRatio:               0.70,
		CompressionRatio:           0.80,
		EmergencyRatio:             0.95,
		MaxScreenshots:             5,
		PerScreenshotTokenEstimate: 1_600,
		SystemPromptReserve:        4_000,
		ToolDefinitionReserve:      6_000,
		ResponseReserve:            8_192,
	}
}

// AvailableForHistory is what remains of the input window once the system
// prompt, tool definitions, response headroom and the screenshot allowance
// are set aside.
func (b TokenBudget) AvailableForHistory() int {
	return b.MaxInputTokens -
		b.SystemPromptReserve -
		b.ToolDefinitionReserve -
		b.ResponseReserve -
		b.MaxScreenshots*b.PerScreenshotTokenEstimate
}

func (b TokenBudget) Validate() error {
	switch {
	case b.MaxInputTokens <= 0:
		return fmt.Errorf("%w: max_input_tokens must be positive", ErrInvalidBudget)
	case b.MaxOutputTokens < 0, b.MaxScreenshots < 0, b.PerScreenshotTokenEstimate < 0,
		b.SystemPromptReserve < 0, b.ToolDefinitionReserve < 0, b.ResponseReserve < 0:
		return fmt.Errorf("%w: reserves and limits must not be negative", ErrInvalidBudget)
	case b.WarningRatio <= 0 || b.CompressionRatio <= 0 || b.EmergencyRatio <= 0:
		return fmt.Errorf("%w: ratios must be positive", ErrInvalidBudget)
	case b.WarningRatio > b.CompressionRatio || b.CompressionRatio > b.EmergencyRatio:
		return fmt.Errorf("%w: ratios must satisfy warning <= compression <= emergency (got %.2f, %.2f, %.2f)",
			ErrInvalidBudget, b.WarningRatio, b.CompressionRatio, b.EmergencyRatio)
	}
	if avail := b.AvailableForHistory(); avail <= 0 {
		return fmt.Errorf("%w: reserves leave %d tokens for history", ErrInvalidBudget, avail)
	}
	return nil
}
