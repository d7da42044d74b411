package idempotency

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the process-wide options, for hosts
// that configure the middleware from a file rather than in code.
type FileConfig struct {
	HeaderName           string   `yaml:"header_name"`
	DefaultExpiryMinutes int      `yaml:"default_expiry_minutes"`
	MaxBodySize          int64    `yaml:"max_body_size"`
	ExcludedHeaders      []string `yaml:"excluded_headers"`
	FailureMode          string   `yaml:"failure_mode"`
	StorageRetryCount    int      `yaml:"storage_retry_count"`

	LockTTL           time.Duration `yaml:"-"`
	WaitBudget        time.Duration `yaml:"-"`
	StorageRetryDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LockTTLRaw           string `yaml:"lock_ttl"`
	WaitBudgetRaw        string `yaml:"wait_budget"`
	StorageRetryDelayRaw string `yaml:"storage_retry_delay"`
}

// LoadConfig reads a YAML file into a FileConfig, parsing the duration
// fields. Absent fields keep their zero values; Options applies the
// package defaults for those.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &fc, nil
}

// UnmarshalYAML decodes the raw fields and parses durations, so a
// FileConfig can also be nested inside a host application's own config
// structure.
func (fc *FileConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain FileConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*fc = FileConfig(p)

	if err := fc.parseDurations(); err != nil {
		return err
	}

	switch fc.FailureMode {
	case "", "fail-safe", "fail-open":
	default:
		return fmt.Errorf("unknown failure_mode %q", fc.FailureMode)
	}
	return nil
}

func (fc *FileConfig) parseDurations() error {
	parse := func(name, raw string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		*dst = d
		return nil
	}

	if err := parse("lock_ttl", fc.LockTTLRaw, &fc.LockTTL); err != nil {
		return err
	}
	if err := parse("wait_budget", fc.WaitBudgetRaw, &fc.WaitBudget); err != nil {
		return err
	}
	return parse("storage_retry_delay", fc.StorageRetryDelayRaw, &fc.StorageRetryDelay)
}

// Options converts the file configuration into functional options for New.
func (fc *FileConfig) Options() []Option {
	var opts []Option
	if fc.HeaderName != "" {
		opts = append(opts, WithHeaderName(fc.HeaderName))
	}
	if fc.DefaultExpiryMinutes > 0 {
		opts = append(opts, WithDefaultTTL(time.Duration(fc.DefaultExpiryMinutes)*time.Minute))
	}
	if fc.MaxBodySize > 0 {
		opts = append(opts, WithMaxBodySize(fc.MaxBodySize))
	}
	if fc.ExcludedHeaders != nil {
		opts = append(opts, WithExcludedHeaders(fc.ExcludedHeaders...))
	}
	if fc.FailureMode == "fail-open" {
		opts = append(opts, WithFailureMode(FailOpen))
	}
	if fc.LockTTL > 0 {
		opts = append(opts, WithLockTTL(fc.LockTTL))
	}
	if fc.WaitBudget > 0 {
		opts = append(opts, WithWaitBudget(fc.WaitBudget))
	}
	if fc.StorageRetryCount > 0 {
		delay := fc.StorageRetryDelay
		if delay == 0 {
			delay = DefaultStorageRetryDelay
		}
		opts = append(opts, WithStorageRetry(fc.StorageRetryCount, delay))
	}
	return opts
}
