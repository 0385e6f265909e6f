package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/klstore/klstore/internal/store"
)

// Config configures the Kafka consumer bridge.
type Config struct {
	Brokers []string
	GroupID string
	Topic   string

	// CommitInterval is the flush-then-commit cadence. Offsets are
	// committed only after FlushAll succeeds, so a crash replays at most
	// one interval of records, which the writer deduplicates.
	CommitInterval time.Duration // default 5s

	KeyspaceParser  UTF8Parser
	KeyParser       UTF8Parser
	NonceParser     NumberParser
	TimestampParser NumberParser

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if c.KeyspaceParser.IsNone() {
		return fmt.Errorf("keyspace parser is required")
	}
	if c.KeyParser.IsNone() {
		return fmt.Errorf("key parser is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CommitInterval <= 0 {
		c.CommitInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// fetcher is the slice of kafka.Reader the bridge needs; tests stub it.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bridge pulls records from a topic and appends them to a StoreWriter.
// Commits are manual and happen strictly after a flush.
type Bridge struct {
	cfg    Config
	writer store.StoreWriter
	reader fetcher

	// latest fetched message per partition since the last commit
	uncommitted map[int]kafka.Message
}

// New creates a Bridge with a real Kafka consumer. The consumer never
// auto-commits; the bridge owns the commit cadence.
func New(cfg Config, writer store.StoreWriter) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("bridge config: %w", err)
	}
	cfg.applyDefaults()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
		Dialer: &kafka.Dialer{
			ClientID:  "klstore-" + uuid.NewString(),
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		// CommitInterval zero keeps commits synchronous and explicit
	})
	return &Bridge{
		cfg:         cfg,
		writer:      writer,
		reader:      reader,
		uncommitted: make(map[int]kafka.Message),
	}, nil
}

// newWithFetcher wires a stub consumer for tests.
func newWithFetcher(cfg Config, writer store.StoreWriter, reader fetcher) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("bridge config: %w", err)
	}
	cfg.applyDefaults()
	return &Bridge{
		cfg:         cfg,
		writer:      writer,
		reader:      reader,
		uncommitted: make(map[int]kafka.Message),
	}, nil
}

// Run consumes until ctx is cancelled, then flushes and commits one
// final time. Records that fail to parse are surfaced as errors and
// skipped without being appended; their offsets still commit with the
// batch, mirroring the source bridge semantics.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.reader.Close()
	nextCommit := time.Now().Add(b.cfg.CommitInterval)

	for {
		fetchCtx, cancel := context.WithDeadline(ctx, nextCommit)
		msg, err := b.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			if perr := b.ingest(ctx, &msg); perr != nil {
				b.cfg.Logger.Error("record rejected",
					"topic", msg.Topic, "partition", msg.Partition,
					"offset", msg.Offset, "error", perr)
			}
			b.uncommitted[msg.Partition] = msg
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// cadence tick, fall through to commit
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			if cerr := b.flushAndCommit(context.Background()); cerr != nil {
				return cerr
			}
			return nil
		default:
			return fmt.Errorf("fetch: %w", err)
		}

		if time.Now().After(nextCommit) || ctx.Err() != nil {
			if err := b.flushAndCommit(ctx); err != nil {
				return err
			}
			nextCommit = time.Now().Add(b.cfg.CommitInterval)
		}
	}
}

// ingest derives the routing fields and appends one record.
func (b *Bridge) ingest(ctx context.Context, msg *kafka.Message) error {
	if len(msg.Value) == 0 {
		return nil
	}
	keyspace, err := b.cfg.KeyspaceParser.Parse(msg)
	if err != nil {
		return fmt.Errorf("keyspace: %w", err)
	}
	key, err := b.cfg.KeyParser.Parse(msg)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	nonce, err := b.cfg.NonceParser.Nonce(msg)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	ts, err := b.cfg.TimestampParser.Timestamp(msg)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	return b.writer.Append(ctx, keyspace, key, []store.Insertion{{
		Payload:   msg.Value,
		Nonce:     nonce,
		Timestamp: ts,
	}})
}

// flushAndCommit makes everything appended so far durable, then commits
// the highest fetched offset per partition. Order matters: committing
// first would lose records on a crash; flushing first only risks
// replay, which the nonce dedup absorbs.
func (b *Bridge) flushAndCommit(ctx context.Context) error {
	if len(b.uncommitted) == 0 {
		return nil
	}
	if err := b.writer.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush before commit: %w", err)
	}
	msgs := make([]kafka.Message, 0, len(b.uncommitted))
	for _, msg := range b.uncommitted {
		msgs = append(msgs, msg)
	}
	if err := b.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	b.cfg.Logger.Debug("committed offsets", "partitions", len(msgs))
	b.uncommitted = make(map[int]kafka.Message)
	return nil
}
