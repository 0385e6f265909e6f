package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klstore/klstore/internal/objstore"
	"github.com/klstore/klstore/internal/store"
)

// recordingWriter captures the call sequence a worker produces.
type recordingWriter struct {
	mu        sync.Mutex
	appends   map[string][]string // "ks/key" -> payloads in arrival order
	unflushed map[string]int
	flushed   map[string]int
	delay     time.Duration
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		appends:   make(map[string][]string),
		unflushed: make(map[string]int),
		flushed:   make(map[string]int),
	}
}

func (r *recordingWriter) CreateKeyspace(ctx context.Context, keyspace string) error { return nil }

func (r *recordingWriter) Append(ctx context.Context, keyspace, key string, ins []store.Insertion) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ck := keyspace + "/" + key
	for _, i := range ins {
		r.appends[ck] = append(r.appends[ck], string(i.Payload))
	}
	r.unflushed[ck] += len(ins)
	return nil
}

func (r *recordingWriter) FlushKey(ctx context.Context, keyspace, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ck := keyspace + "/" + key
	r.flushed[ck] += r.unflushed[ck]
	r.unflushed[ck] = 0
	return nil
}

func (r *recordingWriter) FlushAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ck, n := range r.unflushed {
		r.flushed[ck] += n
		r.unflushed[ck] = 0
	}
	return nil
}

func (r *recordingWriter) DutyCycle(ctx context.Context) error { return nil }

func (r *recordingWriter) payloadsFor(ck string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.appends[ck]...)
}

func (r *recordingWriter) flushedCount(ck string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushed[ck]
}

func TestPerKeyOrderPreserved(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{WriterThreadCount: 4})
	defer b.Close()

	const keys = 8
	const perKey = 200
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", k)
			for i := 0; i < perKey; i++ {
				err := b.Append(ctx, "ks", key, []store.Insertion{
					{Payload: []byte(fmt.Sprintf("%d", i))},
				})
				assert.NoError(t, err)
			}
		}(k)
	}
	wg.Wait()
	require.NoError(t, b.FlushAll(ctx))

	for k := 0; k < keys; k++ {
		ck := fmt.Sprintf("ks/key-%d", k)
		got := rec.payloadsFor(ck)
		require.Len(t, got, perKey, ck)
		for i, p := range got {
			assert.Equal(t, fmt.Sprintf("%d", i), p, "%s position %d", ck, i)
		}
	}
}

func TestRecordCountThresholdFlushes(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{FlushRecordCountThreshold: 5})
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("x")}}))
	}
	assert.Eventually(t, func() bool {
		return rec.flushedCount("ks/k") >= 5
	}, time.Second, 5*time.Millisecond)
}

func TestSizeThresholdFlushes(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{FlushSizeThreshold: 10})
	defer b.Close()

	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{
		{Payload: make([]byte, 12)},
	}))
	assert.Eventually(t, func() bool {
		return rec.flushedCount("ks/k") >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestIntervalFlushes(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{
		CheckIntervalMillis: 5,
		FlushIntervalMillis: 10,
	})
	defer b.Close()

	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("x")}}))
	assert.Eventually(t, func() bool {
		return rec.flushedCount("ks/k") >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushKeyBlocksUntilDurable(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{})
	defer b.Close()

	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("x")}}))
	require.NoError(t, b.FlushKey(ctx, "ks", "k"))
	assert.Equal(t, 1, rec.flushedCount("ks/k"))
}

func TestBackpressureOnBoundedQueue(t *testing.T) {
	rec := newRecordingWriter()
	rec.delay = 200 * time.Millisecond
	capacity := 1
	b := New(rec, Config{QueueCapacity: &capacity})
	defer b.Close()

	ctx := context.Background()
	// first task occupies the worker, second fills the queue
	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("1")}}))
	time.Sleep(50 * time.Millisecond) // let the worker dequeue the first task
	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("2")}}))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Append(short, "ks", "k", []store.Insertion{{Payload: []byte("3")}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFlushesRemaining(t *testing.T) {
	ctx := context.Background()
	rec := newRecordingWriter()
	b := New(rec, Config{})

	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{{Payload: []byte("x")}}))
	require.NoError(t, b.Close())
	assert.Equal(t, 1, rec.flushedCount("ks/k"))
}

// End to end: facade over the real writer against the in-memory store.
func TestFlushAllThenReadExactContents(t *testing.T) {
	ctx := context.Background()
	client := objstore.NewMemory()
	w := store.NewWriter(client, store.WriterConfig{})
	b := New(w, Config{WriterThreadCount: 2})
	defer b.Close()

	require.NoError(t, b.CreateKeyspace(ctx, "ks"))
	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{
		{Payload: []byte("a")}, {Payload: []byte("b")}, {Payload: []byte("c")},
	}))
	require.NoError(t, b.FlushAll(ctx))

	r := store.NewReader(client, store.ReaderConfig{}, nil)
	page, err := r.ReadPage(ctx, "ks", "k", store.Forward, store.Earliest(), 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, "a", string(page.Records[0].Payload))
	assert.Equal(t, "c", string(page.Records[2].Payload))
	assert.Empty(t, page.Continuation)

	// replay with the assigned nonces is a no-op after FlushAll
	n0 := page.Records[0].Nonce
	require.NoError(t, b.Append(ctx, "ks", "k", []store.Insertion{
		{Payload: []byte("dup"), Nonce: &n0},
	}))
	require.NoError(t, b.FlushAll(ctx))
	page, err = r.ReadPage(ctx, "ks", "k", store.Forward, store.Earliest(), 10)
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
}
