package config

import "time"

// BillingConfig tunes usage record retention.
type BillingConfig struct {
	// MaxAge bounds how long usage records and their dedup entries are
	// kept.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxCount bounds the retained record list.
	MaxCount int `yaml:"max_count"`
}
