package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("store:\n  bucket_name: logs\n"))
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", c.Store.Region)

	s3 := c.S3()
	assert.Equal(t, "logs", s3.Bucket)
	assert.True(t, s3.UseDefaultCredentials)

	// zero-valued sections fall through to component defaults
	wc := c.WriterConfig()
	assert.Zero(t, wc.MaxCachedKeys)
	assert.False(t, wc.StrictNonceCheck)

	bc := c.BatcherConfig()
	assert.Nil(t, bc.QueueCapacity)
}

func TestParseFullFile(t *testing.T) {
	raw := `
store:
  object_prefix: "tier1/"
  bucket_name: logs
  endpoint: http://localhost:9000
  region: eu-west-1
  path_style: true
  use_default_credentials: false
  access_key: AK
  secret_key: SK
reader:
  default_page_size: 250
writer:
  max_cached_keys: 5000
  compact_records_threshold: 500
  compact_size_threshold: 2097152
  compact_objects_threshold: 50
  strict_nonce_check: true
  compress_batches: true
batching:
  writer_thread_count: 4
  writer_thread_queue_capacity: 128
  batch_check_interval_millis: 50
  batch_flush_interval_millis: 500
  batch_flush_record_count_threshold: 10000
  batch_flush_size_threshold: 500000
kafka:
  brokers: ["k1:9092", "k2:9092"]
  group_id: ingest
  topic: events
  offset_commit_interval_seconds: 10
  keyspace_parser: Static(events)
  key_parser: RecordKey
  nonce_parser: RecordHeaderBigEndian(seq)
  timestamp_parser: RecordHeaderUtf8(ts)
`
	c, err := Parse([]byte(raw))
	require.NoError(t, err)

	s3 := c.S3()
	assert.Equal(t, "eu-west-1", s3.Region)
	assert.True(t, s3.PathStyle)
	assert.False(t, s3.UseDefaultCredentials)
	assert.Equal(t, "AK", s3.AccessKey)

	rc := c.ReaderConfig()
	assert.Equal(t, "tier1/", rc.Prefix)
	assert.Equal(t, uint64(250), rc.DefaultPageSize)

	wc := c.WriterConfig()
	assert.Equal(t, 5000, wc.MaxCachedKeys)
	assert.Equal(t, uint64(500), wc.CompactRecordsThreshold)
	assert.True(t, wc.StrictNonceCheck)
	assert.True(t, wc.CompressBatches)

	bc := c.BatcherConfig()
	assert.Equal(t, 4, bc.WriterThreadCount)
	require.NotNil(t, bc.QueueCapacity)
	assert.Equal(t, 128, *bc.QueueCapacity)
	assert.Equal(t, uint64(10000), bc.FlushRecordCountThreshold)

	kc, err := c.BridgeConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, kc.Brokers)
	assert.Equal(t, "events", kc.Topic)
	assert.Equal(t, 10, int(kc.CommitInterval.Seconds()))
	assert.False(t, kc.KeyspaceParser.IsNone())
	assert.False(t, kc.NonceParser.IsNone())
}

func TestParseRejectsMissingBucket(t *testing.T) {
	_, err := Parse([]byte("reader:\n  default_page_size: 10\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("store: [not a map"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBridgeConfigRejectsBadParser(t *testing.T) {
	c, err := Parse([]byte("store:\n  bucket_name: logs\nkafka:\n  nonce_parser: Wat(x)\n"))
	require.NoError(t, err)
	_, err = c.BridgeConfig()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  bucket_name: envbucket\n"), 0o644))
	t.Setenv("KLSTORE_CONFIG", path)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "envbucket", c.Store.BucketName)
}
