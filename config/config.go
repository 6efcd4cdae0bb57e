// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"
)

const (
	BackendLocal = "local"
	BackendAWS   = "aws"

	NotifyLocal = "local"
	NotifySNS   = "sns"
	NotifyKafka = "kafka"

	// localDevSecret signs local uploads when no secret is configured.
	localDevSecret = "stockpile-local-dev"

	maxBatchSize = 1000
)

// Config holds everything needed to assemble a stockpile service.
type Config struct {
	// Backend selects the storage services: "local" or "aws".
	Backend string

	// DataDir holds the badger database. Flows are always tracked here,
	// and in local mode so are the catalog and the work queue.
	DataDir string

	Local   LocalConfig
	Tickets TicketsConfig
	Parser  ParserConfig
	Queue   QueueConfig
	Retry   RetryConfig
	Notify  NotifyConfig
	AWS     AWSConfig

	// PoolSize bounds concurrent object imports and concurrent units per batch.
	PoolSize int

	// MetricsAddr serves /metrics when non-empty. Example: ":9090"
	MetricsAddr string
}

// LocalConfig configures the filesystem object store.
type LocalConfig struct {
	ObjectRoot string
	// Secret signs upload tokens.
	Secret string
	// PublicURL is the base of signed upload URLs.
	PublicURL string
	// ListenAddr serves signed uploads in local mode.
	ListenAddr string
}

// TicketsConfig controls issued upload tickets.
type TicketsConfig struct {
	Prefix           string
	DefaultExtension string
	TTL              time.Duration
}

// ParserConfig controls record parsing.
type ParserConfig struct {
	Delimiter rune
}

// QueueConfig controls how the work queue is drained.
type QueueConfig struct {
	BatchSize    int
	Visibility   time.Duration
	PollWait     time.Duration
	PollInterval time.Duration
	// MaxReceives dead-letters a unit after this many deliveries.
	// Zero keeps redelivering forever.
	MaxReceives int
}

// RetryConfig bounds retries of transient sends.
type RetryConfig struct {
	EnqueueAttempts  int
	EnqueueBaseDelay time.Duration
	NotifyAttempts   int
	NotifyBaseDelay  time.Duration
}

// NotifyConfig selects where batch notifications go.
type NotifyConfig struct {
	// Driver is "local", "sns" or "kafka".
	Driver string
	// Topic is the local or Kafka topic. SNS uses AWS.TopicARN.
	Topic        string
	Source       string
	KafkaBrokers []string
}

// AWSConfig names the AWS resources used by the aws backend.
type AWSConfig struct {
	Region         string
	Endpoint       string
	Bucket         string
	QueueURL       string
	EventsQueueURL string
	Table          string
	TopicARN       string
	MaxRetries     int
}

// Option is a functional option for configuring a Config.
type Option func(*Config)

// WithBackend selects the storage backend.
func WithBackend(backend string) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithDataDir sets the badger directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithObjectRoot sets where local uploads are stored.
func WithObjectRoot(root string) Option {
	return func(c *Config) {
		c.Local.ObjectRoot = root
	}
}

// WithSecret sets the local upload signing secret.
func WithSecret(secret string) Option {
	return func(c *Config) {
		c.Local.Secret = secret
	}
}

// WithPublicURL sets the base of local signed upload URLs.
func WithPublicURL(u string) Option {
	return func(c *Config) {
		c.Local.PublicURL = u
	}
}

// WithTicketTTL sets how long issued tickets stay valid.
func WithTicketTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.Tickets.TTL = ttl
	}
}

// WithDelimiter sets the field delimiter.
func WithDelimiter(delim rune) Option {
	return func(c *Config) {
		c.Parser.Delimiter = delim
	}
}

// WithBatchSize sets the largest drained batch.
func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.Queue.BatchSize = size
	}
}

// WithMaxReceives sets the dead-letter threshold.
func WithMaxReceives(n int) Option {
	return func(c *Config) {
		c.Queue.MaxReceives = n
	}
}

// WithPoolSize sets the worker pool size.
func WithPoolSize(size int) Option {
	return func(c *Config) {
		c.PoolSize = size
	}
}

// WithNotifyDriver selects the notification transport.
func WithNotifyDriver(driver string) Option {
	return func(c *Config) {
		c.Notify.Driver = driver
	}
}

// WithTopic sets the local or Kafka notification topic.
func WithTopic(topic string) Option {
	return func(c *Config) {
		c.Notify.Topic = topic
	}
}

// WithKafkaBrokers sets the Kafka bootstrap brokers.
func WithKafkaBrokers(brokers ...string) Option {
	return func(c *Config) {
		c.Notify.KafkaBrokers = brokers
	}
}

// WithAWS replaces the AWS resource settings.
func WithAWS(aws AWSConfig) Option {
	return func(c *Config) {
		c.AWS = aws
	}
}

// DefaultConfig returns a Config for a single local process.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendLocal,
		DataDir: "data",
		Local: LocalConfig{
			Secret:     localDevSecret,
			PublicURL:  "http://localhost:8080/objects",
			ListenAddr: ":8080",
		},
		Tickets: TicketsConfig{
			Prefix:           "uploaded",
			DefaultExtension: "csv",
			TTL:              15 * time.Minute,
		},
		Parser: ParserConfig{Delimiter: '|'},
		Queue: QueueConfig{
			BatchSize:    10,
			Visibility:   30 * time.Second,
			PollWait:     time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxReceives:  5,
		},
		Retry: RetryConfig{
			EnqueueAttempts:  3,
			EnqueueBaseDelay: 100 * time.Millisecond,
			NotifyAttempts:   3,
			NotifyBaseDelay:  100 * time.Millisecond,
		},
		Notify: NotifyConfig{
			Driver: NotifyLocal,
			Topic:  "catalog-events",
			Source: "stockpile",
		},
		AWS: AWSConfig{
			Region:     "us-east-1",
			MaxRetries: 10,
		},
		PoolSize: 4,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load reads STOCKPILE_* environment variables over the defaults and
// validates the result. Out of range numbers are clamped.
func Load() (*Config, error) {
	def := DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix("stockpile")
	v.AutomaticEnv()

	v.SetDefault("backend", def.Backend)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("object_root", "")
	v.SetDefault("secret", "")
	v.SetDefault("public_url", def.Local.PublicURL)
	v.SetDefault("listen_addr", def.Local.ListenAddr)
	v.SetDefault("upload_prefix", def.Tickets.Prefix)
	v.SetDefault("default_extension", def.Tickets.DefaultExtension)
	v.SetDefault("ticket_ttl", def.Tickets.TTL)
	v.SetDefault("delimiter", string(def.Parser.Delimiter))
	v.SetDefault("batch_size", def.Queue.BatchSize)
	v.SetDefault("visibility_timeout", def.Queue.Visibility)
	v.SetDefault("poll_wait", def.Queue.PollWait)
	v.SetDefault("poll_interval", def.Queue.PollInterval)
	v.SetDefault("max_receives", def.Queue.MaxReceives)
	v.SetDefault("enqueue_attempts", def.Retry.EnqueueAttempts)
	v.SetDefault("enqueue_base_delay", def.Retry.EnqueueBaseDelay)
	v.SetDefault("notify_attempts", def.Retry.NotifyAttempts)
	v.SetDefault("notify_base_delay", def.Retry.NotifyBaseDelay)
	v.SetDefault("pool_size", def.PoolSize)
	v.SetDefault("notify_driver", def.Notify.Driver)
	v.SetDefault("topic", def.Notify.Topic)
	v.SetDefault("event_source", def.Notify.Source)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("aws_region", def.AWS.Region)
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("aws_bucket", "")
	v.SetDefault("aws_queue_url", "")
	v.SetDefault("aws_events_queue_url", "")
	v.SetDefault("aws_table", "")
	v.SetDefault("aws_topic_arn", "")
	v.SetDefault("aws_max_retries", def.AWS.MaxRetries)
	v.SetDefault("metrics_addr", "")

	delimiter := def.Parser.Delimiter
	if raw := v.GetString("delimiter"); raw != "" {
		if utf8.RuneCountInString(raw) != 1 {
			return nil, fmt.Errorf("invalid STOCKPILE_DELIMITER %q: must be a single character", raw)
		}
		delimiter, _ = utf8.DecodeRuneInString(raw)
	}

	batchSize := v.GetInt("batch_size")
	if batchSize <= 0 {
		batchSize = def.Queue.BatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	poolSize := v.GetInt("pool_size")
	if poolSize <= 0 {
		poolSize = 1
	}

	maxReceives := v.GetInt("max_receives")
	if maxReceives < 0 {
		maxReceives = 0
	}

	cfg := &Config{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		DataDir: strings.TrimSpace(v.GetString("data_dir")),
		Local: LocalConfig{
			ObjectRoot: strings.TrimSpace(v.GetString("object_root")),
			Secret:     v.GetString("secret"),
			PublicURL:  strings.TrimSuffix(strings.TrimSpace(v.GetString("public_url")), "/"),
			ListenAddr: strings.TrimSpace(v.GetString("listen_addr")),
		},
		Tickets: TicketsConfig{
			Prefix:           strings.Trim(strings.TrimSpace(v.GetString("upload_prefix")), "/"),
			DefaultExtension: strings.TrimPrefix(strings.TrimSpace(v.GetString("default_extension")), "."),
			TTL:              v.GetDuration("ticket_ttl"),
		},
		Parser: ParserConfig{Delimiter: delimiter},
		Queue: QueueConfig{
			BatchSize:    batchSize,
			Visibility:   v.GetDuration("visibility_timeout"),
			PollWait:     v.GetDuration("poll_wait"),
			PollInterval: v.GetDuration("poll_interval"),
			MaxReceives:  maxReceives,
		},
		Retry: RetryConfig{
			EnqueueAttempts:  v.GetInt("enqueue_attempts"),
			EnqueueBaseDelay: v.GetDuration("enqueue_base_delay"),
			NotifyAttempts:   v.GetInt("notify_attempts"),
			NotifyBaseDelay:  v.GetDuration("notify_base_delay"),
		},
		Notify: NotifyConfig{
			Driver:       strings.ToLower(strings.TrimSpace(v.GetString("notify_driver"))),
			Topic:        strings.TrimSpace(v.GetString("topic")),
			Source:       strings.TrimSpace(v.GetString("event_source")),
			KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		},
		AWS: AWSConfig{
			Region:         strings.TrimSpace(v.GetString("aws_region")),
			Endpoint:       strings.TrimSpace(v.GetString("aws_endpoint")),
			Bucket:         strings.TrimSpace(v.GetString("aws_bucket")),
			QueueURL:       strings.TrimSpace(v.GetString("aws_queue_url")),
			EventsQueueURL: strings.TrimSpace(v.GetString("aws_events_queue_url")),
			Table:          strings.TrimSpace(v.GetString("aws_table")),
			TopicARN:       strings.TrimSpace(v.GetString("aws_topic_arn")),
			MaxRetries:     v.GetInt("aws_max_retries"),
		},
		PoolSize:    poolSize,
		MetricsAddr: strings.TrimSpace(v.GetString("metrics_addr")),
	}

	if cfg.Backend == BackendLocal && cfg.Local.Secret == "" {
		cfg.Local.Secret = localDevSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ObjectRoot returns where local uploads live, defaulting to DataDir/objects.
func (c *Config) ObjectRoot() string {
	if c.Local.ObjectRoot != "" {
		return c.Local.ObjectRoot
	}
	return filepath.Join(c.DataDir, "objects")
}

// NotifyTopic returns the topic notifications are published to.
func (c *Config) NotifyTopic() string {
	if c.Notify.Driver == NotifySNS {
		return c.AWS.TopicARN
	}
	return c.Notify.Topic
}

// Validate checks that the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is required")
	}
	if c.Tickets.Prefix == "" {
		return errors.New("config: ticket prefix is required")
	}
	if c.Tickets.TTL <= 0 {
		return errors.New("config: ticket TTL must be positive")
	}
	if c.Parser.Delimiter == 0 || c.Parser.Delimiter == '"' || c.Parser.Delimiter == '\r' || c.Parser.Delimiter == '\n' {
		return fmt.Errorf("config: invalid delimiter %q", c.Parser.Delimiter)
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > maxBatchSize {
		return fmt.Errorf("config: batch size must be between 1 and %d", maxBatchSize)
	}
	if c.Queue.Visibility <= 0 {
		return errors.New("config: visibility timeout must be positive")
	}
	if c.Queue.PollWait < 0 {
		return errors.New("config: poll wait must not be negative")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("config: poll interval must be positive")
	}
	if c.Retry.EnqueueAttempts < 1 || c.Retry.NotifyAttempts < 1 {
		return errors.New("config: retry attempts must be at least 1")
	}
	if c.PoolSize < 1 {
		return errors.New("config: pool size must be at least 1")
	}

	switch c.Backend {
	case BackendLocal:
		if c.Local.Secret == "" {
			return errors.New("config: signing secret is required for the local backend")
		}
		if c.Local.PublicURL == "" {
			return errors.New("config: public URL is required for the local backend")
		}
	case BackendAWS:
		if c.AWS.Region == "" {
			return errors.New("config: AWS region is required")
		}
		if c.AWS.Bucket == "" || c.AWS.QueueURL == "" || c.AWS.EventsQueueURL == "" || c.AWS.Table == "" {
			return errors.New("config: AWS bucket, queue URL, events queue URL and table are required")
		}
		if c.Queue.BatchSize > 10 {
			return errors.New("config: SQS batches hold at most 10 messages")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	switch c.Notify.Driver {
	case NotifyLocal:
		if c.Notify.Topic == "" {
			return errors.New("config: notification topic is required")
		}
	case NotifySNS:
		if c.AWS.TopicARN == "" {
			return errors.New("config: SNS topic ARN is required")
		}
	case NotifyKafka:
		if len(c.Notify.KafkaBrokers) == 0 {
			return errors.New("config: Kafka brokers are required")
		}
		if c.Notify.Topic == "" {
			return errors.New("config: notification topic is required")
		}
	default:
		return fmt.Errorf("config: unknown notify driver %q", c.Notify.Driver)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
