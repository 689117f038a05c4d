package models

// UsageReport captures token consumption for one LLM turn. A report is
// always emitted, even on failure or cancellation: exact when the provider
// returned usage, estimated otherwise. Estimated reports carry
// Estimated=true so billing can tag the charge.
type UsageReport struct {
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	Model               string `json:"model"`
	MessageID           string `json:"message_id,omitempty"`
	Estimated           bool   `json:"estimated,omitempty"`
}

// TotalTokens returns prompt plus completion tokens.
func (u UsageReport) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether the report carries no counts at all.
func (u UsageReport) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0
}
