package shardline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a client reads at startup. Values that cannot be
// serialized (limiters, clocks, HTTP clients) are passed as client options.
type Config struct {
	// Token is the credential without its account type prefix.
	Token string `yaml:"token"`
	// AccountType is the authorization prefix, "Bot" or "Bearer".
	AccountType string `yaml:"account_type"`

	APIBaseURL string `yaml:"api_base_url"`
	APIVersion int    `yaml:"api_version"`
	UserAgent  string `yaml:"user_agent"`

	// ShardIDs are the shards run by this process. Empty means all shards.
	ShardIDs []int `yaml:"shards"`
	// ShardCount is the total shard count. Zero uses the recommended count
	// returned by the gateway bootstrap call.
	ShardCount     int     `yaml:"shard_count"`
	Intents        Intents `yaml:"intents"`
	LargeThreshold int     `yaml:"large_threshold"`
	Compress       bool    `yaml:"compress"`

	// WaitForServersOnStartup makes Connect return only once every server
	// seen during the initial sync is ready, and makes servers wait for their
	// full member list before becoming ready.
	WaitForServersOnStartup bool `yaml:"wait_for_servers_on_startup"`

	MessageCacheCapacity  int           `yaml:"message_cache_capacity"`
	MessageCacheRetention time.Duration `yaml:"message_cache_retention"`
	CacheCleanupInterval  time.Duration `yaml:"cache_cleanup_interval"`

	DispatchWorkers int `yaml:"dispatch_workers"`

	ResumeStaleAfter     time.Duration `yaml:"resume_stale_after"`
	CloseTimeout         time.Duration `yaml:"close_timeout"`
	IdentifyInterval     time.Duration `yaml:"identify_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
	GlobalInterval      time.Duration `yaml:"global_interval"`
	// RedisURL enables the Redis backed global limiter shared between
	// processes using the same token.
	RedisURL string `yaml:"redis_url"`

	ProxyURL           string `yaml:"proxy_url"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns a Config with every tunable set.
func DefaultConfig() Config {
	return Config{
		AccountType:           "Bot",
		APIBaseURL:            DefaultAPIBaseURL,
		APIVersion:            DefaultAPIVersion,
		UserAgent:             DefaultUserAgent,
		Intents:               IntentsDefault,
		LargeThreshold:        250,
		MessageCacheCapacity:  50,
		MessageCacheRetention: 12 * time.Hour,
		CacheCleanupInterval:  30 * time.Second,
		DispatchWorkers:       8,
		ResumeStaleAfter:      2 * time.Minute,
		CloseTimeout:          5 * time.Second,
		IdentifyInterval:      5 * time.Second,
		RequestTimeout:        30 * time.Second,
		MaxRetries:            5,
		MaxRateLimitRetries:   10,
		GlobalInterval:        111 * time.Millisecond,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. A token in the
// SHARDLINE_TOKEN environment variable overrides the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if tok := os.Getenv("SHARDLINE_TOKEN"); tok != "" {
		cfg.Token = tok
	}
	return cfg, cfg.Validate()
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("config: token is required")
	}
	if c.AccountType != "Bot" && c.AccountType != "Bearer" {
		return fmt.Errorf("config: account_type must be Bot or Bearer, got %q", c.AccountType)
	}
	if c.ShardCount < 0 {
		return errors.New("config: shard_count must not be negative")
	}
	for _, id := range c.ShardIDs {
		if id < 0 || (c.ShardCount > 0 && id >= c.ShardCount) {
			return fmt.Errorf("config: shard %d out of range for %d shards", id, c.ShardCount)
		}
	}
	if c.LargeThreshold != 0 && (c.LargeThreshold < 50 || c.LargeThreshold > 250) {
		return fmt.Errorf("config: large_threshold must be between 50 and 250, got %d", c.LargeThreshold)
	}
	if c.DispatchWorkers < 0 || c.MessageCacheCapacity < 0 {
		return errors.New("config: negative sizes are not allowed")
	}
	return nil
}

// Authorization returns the value of the Authorization header.
func (c *Config) Authorization() string {
	if c.AccountType == "" {
		return "Bot " + c.Token
	}
	return c.AccountType + " " + c.Token
}
