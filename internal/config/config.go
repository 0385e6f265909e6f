// Package config loads klstore configuration from YAML. Defaults follow
// the documented store behavior; only the bucket name is mandatory.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klstore/klstore/internal/batcher"
	"github.com/klstore/klstore/internal/bridge"
	"github.com/klstore/klstore/internal/objstore"
	"github.com/klstore/klstore/internal/store"
)

// ErrInvalid marks configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration file.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Reader   ReaderConfig   `yaml:"reader"`
	Writer   WriterConfig   `yaml:"writer"`
	Batching BatchingConfig `yaml:"batching"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// StoreConfig is the object store section.
type StoreConfig struct {
	ObjectPrefix          string `yaml:"object_prefix"`
	BucketName            string `yaml:"bucket_name"`
	Endpoint              string `yaml:"endpoint"`
	Region                string `yaml:"region"`
	PathStyle             bool   `yaml:"path_style"`
	UseDefaultCredentials *bool  `yaml:"use_default_credentials"`
	AccessKey             string `yaml:"access_key"`
	SecretKey             string `yaml:"secret_key"`
	SecurityToken         string `yaml:"security_token"`
	SessionToken          string `yaml:"session_token"`
	Profile               string `yaml:"profile"`
}

// ReaderConfig is the reader section.
type ReaderConfig struct {
	DefaultPageSize uint64 `yaml:"default_page_size"`
}

// WriterConfig is the writer section.
type WriterConfig struct {
	MaxCachedKeys           int    `yaml:"max_cached_keys"`
	CompactRecordsThreshold uint64 `yaml:"compact_records_threshold"`
	CompactSizeThreshold    uint64 `yaml:"compact_size_threshold"`
	CompactObjectsThreshold uint64 `yaml:"compact_objects_threshold"`
	StrictNonceCheck        bool   `yaml:"strict_nonce_check"`
	CompressBatches         bool   `yaml:"compress_batches"`
}

// BatchingConfig is the batching facade section.
type BatchingConfig struct {
	WriterThreadCount         int    `yaml:"writer_thread_count"`
	WriterThreadQueueCapacity *int   `yaml:"writer_thread_queue_capacity"`
	BatchCheckIntervalMillis  int64  `yaml:"batch_check_interval_millis"`
	BatchFlushIntervalMillis  int64  `yaml:"batch_flush_interval_millis"`
	BatchFlushRecordCount     uint64 `yaml:"batch_flush_record_count_threshold"`
	BatchFlushSizeThreshold   uint64 `yaml:"batch_flush_size_threshold"`
}

// KafkaConfig is the ingestion bridge section.
type KafkaConfig struct {
	Brokers                     []string `yaml:"brokers"`
	GroupID                     string   `yaml:"group_id"`
	Topic                       string   `yaml:"topic"`
	OffsetCommitIntervalSeconds int      `yaml:"offset_commit_interval_seconds"`
	KeyspaceParser              string   `yaml:"keyspace_parser"`
	KeyParser                   string   `yaml:"key_parser"`
	NonceParser                 string   `yaml:"nonce_parser"`
	TimestampParser             string   `yaml:"timestamp_parser"`
}

// Load reads the config file. An empty path falls back to the
// KLSTORE_CONFIG environment variable and then "klstore.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("KLSTORE_CONFIG")
	}
	if path == "" {
		path = "klstore.yaml"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates config bytes.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Store.BucketName == "" {
		return nil, fmt.Errorf("%w: store.bucket_name is required", ErrInvalid)
	}
	if c.Store.Region == "" {
		c.Store.Region = "us-east-1"
	}
	return &c, nil
}

// S3 maps the store section onto the adapter config.
func (c *Config) S3() objstore.S3Config {
	useDefault := true
	if c.Store.UseDefaultCredentials != nil {
		useDefault = *c.Store.UseDefaultCredentials
	}
	return objstore.S3Config{
		Bucket:                c.Store.BucketName,
		Region:                c.Store.Region,
		Endpoint:              c.Store.Endpoint,
		PathStyle:             c.Store.PathStyle,
		UseDefaultCredentials: useDefault,
		AccessKey:             c.Store.AccessKey,
		SecretKey:             c.Store.SecretKey,
		SecurityToken:         c.Store.SecurityToken,
		SessionToken:          c.Store.SessionToken,
		Profile:               c.Store.Profile,
	}
}

// WriterConfig maps the writer section; zero values keep the store
// defaults.
func (c *Config) WriterConfig() store.WriterConfig {
	return store.WriterConfig{
		Prefix:                  c.Store.ObjectPrefix,
		MaxCachedKeys:           c.Writer.MaxCachedKeys,
		CompactRecordsThreshold: c.Writer.CompactRecordsThreshold,
		CompactSizeThreshold:    c.Writer.CompactSizeThreshold,
		CompactObjectsThreshold: c.Writer.CompactObjectsThreshold,
		StrictNonceCheck:        c.Writer.StrictNonceCheck,
		CompressBatches:         c.Writer.CompressBatches,
	}
}

// ReaderConfig maps the reader section.
func (c *Config) ReaderConfig() store.ReaderConfig {
	return store.ReaderConfig{
		Prefix:          c.Store.ObjectPrefix,
		DefaultPageSize: c.Reader.DefaultPageSize,
	}
}

// BatcherConfig maps the batching section.
func (c *Config) BatcherConfig() batcher.Config {
	return batcher.Config{
		WriterThreadCount:         c.Batching.WriterThreadCount,
		QueueCapacity:             c.Batching.WriterThreadQueueCapacity,
		CheckIntervalMillis:       c.Batching.BatchCheckIntervalMillis,
		FlushIntervalMillis:       c.Batching.BatchFlushIntervalMillis,
		FlushRecordCountThreshold: c.Batching.BatchFlushRecordCount,
		FlushSizeThreshold:        c.Batching.BatchFlushSizeThreshold,
	}
}

// BridgeConfig maps the kafka section, compiling the parser strings.
func (c *Config) BridgeConfig() (bridge.Config, error) {
	keyspaceParser, err := bridge.ParseUTF8Parser(c.Kafka.KeyspaceParser)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("%w: keyspace_parser: %v", ErrInvalid, err)
	}
	keyParser, err := bridge.ParseUTF8Parser(c.Kafka.KeyParser)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("%w: key_parser: %v", ErrInvalid, err)
	}
	nonceParser, err := bridge.ParseNumberParser(c.Kafka.NonceParser)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("%w: nonce_parser: %v", ErrInvalid, err)
	}
	timestampParser, err := bridge.ParseNumberParser(c.Kafka.TimestampParser)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("%w: timestamp_parser: %v", ErrInvalid, err)
	}
	interval := time.Duration(c.Kafka.OffsetCommitIntervalSeconds) * time.Second
	return bridge.Config{
		Brokers:         c.Kafka.Brokers,
		GroupID:         c.Kafka.GroupID,
		Topic:           c.Kafka.Topic,
		CommitInterval:  interval,
		KeyspaceParser:  keyspaceParser,
		KeyParser:       keyParser,
		NonceParser:     nonceParser,
		TimestampParser: timestampParser,
	}, nil
}
