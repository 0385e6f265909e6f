package bridge

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klstore/klstore/internal/objstore"
	"github.com/klstore/klstore/internal/store"
)

type stubFetcher struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	next    int
	commits [][]kafka.Message
	events  *eventLog
}

func (s *stubFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if s.next < len(s.msgs) {
		msg := s.msgs[s.next]
		s.next++
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *stubFetcher) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, msgs)
	if s.events != nil {
		s.events.add("commit")
	}
	return nil
}

func (s *stubFetcher) Close() error { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// flushLoggingWriter records FlushAll calls into the shared event log.
type flushLoggingWriter struct {
	store.StoreWriter
	events *eventLog
}

func (w *flushLoggingWriter) FlushAll(ctx context.Context) error {
	err := w.StoreWriter.FlushAll(ctx)
	if err == nil {
		w.events.add("flush")
	}
	return err
}

func bridgeMessages(n int) []kafka.Message {
	msgs := make([]kafka.Message, n)
	for i := range msgs {
		msgs[i] = kafka.Message{
			Topic:     "events",
			Partition: 0,
			Offset:    int64(i),
			Key:       []byte("k"),
			Value:     []byte("v" + strconv.Itoa(i)),
			Headers: []kafka.Header{
				{Key: "seq", Value: []byte(strconv.Itoa(i))},
			},
		}
	}
	return msgs
}

func bridgeConfig(t *testing.T) Config {
	t.Helper()
	ks, err := ParseUTF8Parser("Static(ks)")
	require.NoError(t, err)
	key, err := ParseUTF8Parser("RecordKey")
	require.NoError(t, err)
	nonce, err := ParseNumberParser("RecordHeaderUtf8(seq)")
	require.NoError(t, err)
	return Config{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "test-group",
		Topic:          "events",
		CommitInterval: 20 * time.Millisecond,
		KeyspaceParser: ks,
		KeyParser:      key,
		NonceParser:    nonce,
	}
}

func runBridge(t *testing.T, b *Bridge, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, b.Run(ctx))
}

func TestBridgeIngestsAndCommitsAfterFlush(t *testing.T) {
	client := objstore.NewMemory()
	w := store.NewWriter(client, store.WriterConfig{})
	events := &eventLog{}
	fetch := &stubFetcher{msgs: bridgeMessages(10), events: events}
	b, err := newWithFetcher(bridgeConfig(t), &flushLoggingWriter{StoreWriter: w, events: events}, fetch)
	require.NoError(t, err)

	runBridge(t, b, 100*time.Millisecond)

	// every record landed, in order
	r := store.NewReader(client, store.ReaderConfig{}, nil)
	page, err := r.ReadPage(context.Background(), "ks", "k", store.Forward, store.Earliest(), 100)
	require.NoError(t, err)
	require.Len(t, page.Records, 10)
	for i, rec := range page.Records {
		assert.Equal(t, "v"+strconv.Itoa(i), string(rec.Payload))
	}

	// offsets were committed, and never before a flush
	require.NotEmpty(t, fetch.commits)
	seq := events.all()
	require.NotEmpty(t, seq)
	for i, ev := range seq {
		if ev == "commit" {
			require.Greater(t, i, 0, "commit before any flush")
			assert.Equal(t, "flush", seq[i-1])
		}
	}

	// the commits cover the final offset
	var max int64 = -1
	for _, c := range fetch.commits {
		for _, m := range c {
			if m.Offset > max {
				max = m.Offset
			}
		}
	}
	assert.Equal(t, int64(9), max)
}

func TestBridgeReplayIsDeduplicated(t *testing.T) {
	client := objstore.NewMemory()

	deliver := func() {
		w := store.NewWriter(client, store.WriterConfig{})
		fetch := &stubFetcher{msgs: bridgeMessages(10)}
		b, err := newWithFetcher(bridgeConfig(t), w, fetch)
		require.NoError(t, err)
		runBridge(t, b, 80*time.Millisecond)
	}

	deliver()
	deliver() // crash-replay of the same offsets

	r := store.NewReader(client, store.ReaderConfig{}, nil)
	page, err := r.ReadPage(context.Background(), "ks", "k", store.Forward, store.Earliest(), 100)
	require.NoError(t, err)
	assert.Len(t, page.Records, 10)
}

func TestBridgeParseFailureDoesNotAppend(t *testing.T) {
	client := objstore.NewMemory()
	w := store.NewWriter(client, store.WriterConfig{})

	msgs := bridgeMessages(2)
	msgs[1].Headers = []kafka.Header{{Key: "seq", Value: []byte("not-a-number")}}
	fetch := &stubFetcher{msgs: msgs}
	b, err := newWithFetcher(bridgeConfig(t), w, fetch)
	require.NoError(t, err)

	runBridge(t, b, 80*time.Millisecond)

	r := store.NewReader(client, store.ReaderConfig{}, nil)
	page, err := r.ReadPage(context.Background(), "ks", "k", store.Forward, store.Earliest(), 100)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "v0", string(page.Records[0].Payload))
}

func TestBridgeConfigValidation(t *testing.T) {
	w := store.NewWriter(objstore.NewMemory(), store.WriterConfig{})

	cfg := bridgeConfig(t)
	cfg.Topic = ""
	_, err := newWithFetcher(cfg, w, &stubFetcher{})
	assert.Error(t, err)

	cfg = bridgeConfig(t)
	cfg.KeyspaceParser = UTF8Parser{}
	_, err = newWithFetcher(cfg, w, &stubFetcher{})
	assert.Error(t, err)

	cfg = bridgeConfig(t)
	cfg.Brokers = nil
	_, err = newWithFetcher(cfg, w, &stubFetcher{})
	assert.Error(t, err)
}
