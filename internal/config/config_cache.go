package config

import "time"

// CacheConfig configures the redis-backed hint cache.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Hints HintsConfig `yaml:"hints"`
}

// RedisConfig is the redis connection. An empty Addr disables redis;
// hints degrade to the local layer plus store scans.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HintsConfig tunes the thread "has images" hint cache. A positive
// hint is stable on an append-only history and lives long; a negative
// one is invalidated by the very next message and lives short.
type HintsConfig struct {
	TrueTTL   time.Duration `yaml:"true_ttl"`
	FalseTTL  time.Duration `yaml:"false_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	MaxLocal  int           `yaml:"max_local"`
}
