package config

// CompressionConfig overrides the history compression tuning. Fields
// are pointers so an explicit zero (compress everything) is distinct
// from unset (use the default).
type CompressionConfig struct {
	// KeepToolResults is how many recent tool results stay
	// uncompressed. Default 5.
	KeepToolResults *int `yaml:"keep_tool_results"`

	// KeepUserMessages is the user-message recency window. Default 10.
	KeepUserMessages *int `yaml:"keep_user_messages"`

	// KeepAssistantMessages is the assistant recency window.
	// Default 10.
	KeepAssistantMessages *int `yaml:"keep_assistant_messages"`

	// TruncateChars is the retained prefix for old messages.
	// Default 3000.
	TruncateChars *int `yaml:"truncate_chars"`

	// AggressiveChars replaces TruncateChars on the second pass.
	// Default 1000.
	AggressiveChars *int `yaml:"aggressive_chars"`

	// MinGroupsToKeep is the floor for group omission. Default 5.
	MinGroupsToKeep *int `yaml:"min_groups_to_keep"`

	// MaxGroups caps the group count. Default 320.
	MaxGroups *int `yaml:"max_groups"`

	// TargetRatio is the hysteresis target as a fraction of the usable
	// limit. Default 0.6.
	TargetRatio *float64 `yaml:"target_ratio"`
}
