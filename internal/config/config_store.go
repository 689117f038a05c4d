package config

import "time"

// StoreConfig selects and tunes the message store backend.
type StoreConfig struct {
	// Driver is one of memory, postgres, sqlite.
	Driver string `yaml:"driver"`

	// Cache wraps the store in the per-thread read cache. Nil means
	// enabled.
	Cache *bool `yaml:"cache"`

	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig carries the postgres connection and pool settings.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// SQLiteConfig carries the sqlite settings.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" works for throwaway runs.
	Path string `yaml:"path"`
}

// CacheEnabled reports whether the read cache wraps the store.
func (s StoreConfig) CacheEnabled() bool {
	return s.Cache == nil || *s.Cache
}
