package indexer

import (
	"flag"
	"fmt"
	"time"
)

// Config holds the options recognized for a single partition
// worker. RegisterFlags follows the dskit/Mimir convention of a
// prefix-scoped flag.FlagSet registration rather than a third-party CLI
// framework, so one process can register N of these (one per partition)
// without flag-name collisions.
type Config struct {
	Topic                  string       `yaml:"topic"`
	Partition              int32        `yaml:"partition"`
	ConsumerGroupName      string       `yaml:"consumer_group_name"`
	SleepBetweenFetchesMs  int          `yaml:"sleep_between_fetches_ms"`
	IsDryRun               bool         `yaml:"is_dry_run"`
	IsPerfReportingEnabled bool         `yaml:"is_perf_reporting_enabled"`
	InitialOffsetPolicy    OffsetPolicy `yaml:"initial_offset_policy"`
}

// RegisterFlags registers Config's flags under prefix (e.g.
// "indexer.partition-3.").
func (c *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Topic, prefix+"topic", "", "Log topic this worker subscribes to.")
	f.StringVar(&c.ConsumerGroupName, prefix+"consumer-group-name", "indexer", "Identity used when reading/writing committed offsets.")
	f.IntVar(&c.SleepBetweenFetchesMs, prefix+"sleep-between-fetches-ms", 1000, "Delay between successful rounds, in milliseconds.")
	f.BoolVar(&c.IsDryRun, prefix+"dry-run", false, "Stage records but never post to the sink or commit offsets.")
	f.BoolVar(&c.IsPerfReportingEnabled, prefix+"perf-reporting", false, "Emit per-step timing diagnostics.")
	c.InitialOffsetPolicy = OffsetLastCommitted
	f.Func(prefix+"initial-offset-policy", "One of: earliest, latest, last-committed.", func(v string) error {
		c.InitialOffsetPolicy = OffsetPolicy(v)
		return nil
	})
}

// Validate checks that Config describes a legal worker. New fails only if
// this returns an error.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if c.ConsumerGroupName == "" {
		return fmt.Errorf("consumer group name must not be empty")
	}
	if c.SleepBetweenFetchesMs < 0 {
		return fmt.Errorf("sleep-between-fetches-ms must not be negative")
	}
	switch c.InitialOffsetPolicy {
	case OffsetEarliest, OffsetLatest, OffsetLastCommitted:
	default:
		return fmt.Errorf("invalid initial offset policy %q", c.InitialOffsetPolicy)
	}
	return nil
}

// SleepDuration returns the inter-round delay as a time.Duration, treating
// SleepBetweenFetchesMs as literal milliseconds. (A prior implementation of
// this system multiplied the configured value by 1000 before sleeping,
// effectively treating it as seconds; this is corrected here rather than
// preserved.)
func (c *Config) SleepDuration() time.Duration {
	return time.Duration(c.SleepBetweenFetchesMs) * time.Millisecond
}
