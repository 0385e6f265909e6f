// Package batcher wraps a StoreWriter with a sharded worker pool that
// coalesces appends per key under time, count, and size thresholds.
// Each key hashes to a fixed worker, which preserves per-key append
// order without any cross-worker coordination.
package batcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/klstore/klstore/internal/store"
)

// Config configures the batching facade. Zero values take the
// documented defaults.
type Config struct {
	WriterThreadCount int // default 1

	// QueueCapacity bounds each worker's queue; enqueueing into a full
	// queue blocks the caller. nil means unbounded.
	QueueCapacity *int

	CheckIntervalMillis       int64  // default 100
	FlushIntervalMillis       int64  // default 1000
	FlushRecordCountThreshold uint64 // default 2^64-1 (unbounded)
	FlushSizeThreshold        uint64 // default 1_000_000 bytes

	Logger *slog.Logger
	Clock  func() int64 // epoch millis; tests override
}

func (c *Config) applyDefaults() {
	if c.WriterThreadCount <= 0 {
		c.WriterThreadCount = 1
	}
	if c.CheckIntervalMillis <= 0 {
		c.CheckIntervalMillis = 100
	}
	if c.FlushIntervalMillis <= 0 {
		c.FlushIntervalMillis = 1000
	}
	if c.FlushRecordCountThreshold == 0 {
		c.FlushRecordCountThreshold = ^uint64(0)
	}
	if c.FlushSizeThreshold == 0 {
		c.FlushSizeThreshold = 1000000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().UnixMilli() }
	}
}

type taskKind int

const (
	taskAppend taskKind = iota
	taskFlushKey
	taskFlushAll
)

type task struct {
	kind       taskKind
	keyspace   string
	key        string
	insertions []store.Insertion
	done       chan error // flush tasks only
}

// Batcher implements store.StoreWriter by routing appends to pinned
// workers and flushing their pending batches on thresholds.
type Batcher struct {
	writer  store.StoreWriter
	cfg     Config
	workers []*worker
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts the worker pool around writer.
func New(writer store.StoreWriter, cfg Config) *Batcher {
	cfg.applyDefaults()
	b := &Batcher{writer: writer, cfg: cfg}
	for i := 0; i < cfg.WriterThreadCount; i++ {
		w := newWorker(i, writer, cfg)
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			w.run()
		}()
	}
	return b
}

// workerFor pins a key to a worker with a stable hash.
func (b *Batcher) workerFor(keyspace, key string) *worker {
	h := fnv.New32a()
	h.Write([]byte(keyspace))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return b.workers[h.Sum32()%uint32(len(b.workers))]
}

// CreateKeyspace implements store.StoreWriter by delegating directly;
// keyspace creation is not batched.
func (b *Batcher) CreateKeyspace(ctx context.Context, keyspace string) error {
	return b.writer.CreateKeyspace(ctx, keyspace)
}

// Append implements store.StoreWriter. It returns once the insertions
// are enqueued to the key's worker; a full bounded queue blocks.
func (b *Batcher) Append(ctx context.Context, keyspace, key string, insertions []store.Insertion) error {
	if len(insertions) == 0 {
		return nil
	}
	return b.workerFor(keyspace, key).enqueue(ctx, task{
		kind:       taskAppend,
		keyspace:   keyspace,
		key:        key,
		insertions: insertions,
	})
}

// FlushKey implements store.StoreWriter: it routes a flush marker to the
// key's worker and blocks until the flush is durable.
func (b *Batcher) FlushKey(ctx context.Context, keyspace, key string) error {
	done := make(chan error, 1)
	w := b.workerFor(keyspace, key)
	if err := w.enqueue(ctx, task{kind: taskFlushKey, keyspace: keyspace, key: key, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll implements store.StoreWriter: every worker flushes every key
// it has touched since its last flush. The underlying writer's FlushAll
// is not called.
func (b *Batcher) FlushAll(ctx context.Context) error {
	dones := make([]chan error, len(b.workers))
	for i, w := range b.workers {
		dones[i] = make(chan error, 1)
		if err := w.enqueue(ctx, task{kind: taskFlushAll, done: dones[i]}); err != nil {
			return err
		}
	}
	var firstErr error
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

// DutyCycle implements store.StoreWriter. The workers tick themselves on
// the check interval, so this only advances the underlying writer's
// compaction work.
func (b *Batcher) DutyCycle(ctx context.Context) error {
	return b.writer.DutyCycle(ctx)
}

// Close drains the queues, flushes every pending batch, and stops the
// workers. The Batcher must not be used afterwards.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	for _, w := range b.workers {
		w.close()
	}
	b.wg.Wait()
	return nil
}

// pending tracks one key's unflushed appends inside a worker.
type pending struct {
	count    uint64
	bytes    uint64
	oldestAt int64 // clock millis of the first unflushed append
}

type worker struct {
	id     int
	writer store.StoreWriter
	cfg    Config

	in  chan<- task
	out <-chan task

	keys map[cacheKey]*pending
}

type cacheKey struct {
	keyspace string
	key      string
}

func newWorker(id int, writer store.StoreWriter, cfg Config) *worker {
	w := &worker{
		id:     id,
		writer: writer,
		cfg:    cfg,
		keys:   make(map[cacheKey]*pending),
	}
	if cfg.QueueCapacity != nil {
		capacity := *cfg.QueueCapacity
		if capacity < 1 {
			capacity = 1
		}
		ch := make(chan task, capacity)
		w.in, w.out = ch, ch
	} else {
		w.in, w.out = unboundedQueue()
	}
	return w
}

// enqueue blocks while a bounded queue is full (backpressure).
func (w *worker) enqueue(ctx context.Context, t task) error {
	select {
	case w.in <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) close() {
	close(w.in)
}

func (w *worker) run() {
	ctx := context.Background()
	interval := time.Duration(w.cfg.CheckIntervalMillis) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case t, ok := <-w.out:
			if !ok {
				// drained on close; flush what is left
				w.flushAll(ctx)
				return
			}
			w.handle(ctx, t)
		case <-timer.C:
		}
		w.tick(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

func (w *worker) handle(ctx context.Context, t task) {
	switch t.kind {
	case taskAppend:
		if err := w.writer.Append(ctx, t.keyspace, t.key, t.insertions); err != nil {
			w.cfg.Logger.Error("append failed",
				"worker", w.id, "keyspace", t.keyspace, "key", t.key, "error", err)
			return
		}
		ck := cacheKey{t.keyspace, t.key}
		p := w.keys[ck]
		if p == nil {
			p = &pending{oldestAt: w.cfg.Clock()}
			w.keys[ck] = p
		}
		p.count += uint64(len(t.insertions))
		for _, ins := range t.insertions {
			p.bytes += uint64(len(ins.Payload))
		}
		if p.count >= w.cfg.FlushRecordCountThreshold || p.bytes >= w.cfg.FlushSizeThreshold {
			w.flushKey(ctx, ck)
		}
	case taskFlushKey:
		t.done <- w.flushKey(ctx, cacheKey{t.keyspace, t.key})
	case taskFlushAll:
		t.done <- w.flushAll(ctx)
	}
}

// tick flushes every key whose oldest pending append has aged past the
// flush interval.
func (w *worker) tick(ctx context.Context) {
	now := w.cfg.Clock()
	for ck, p := range w.keys {
		if now-p.oldestAt >= w.cfg.FlushIntervalMillis {
			if err := w.flushKey(ctx, ck); err != nil {
				w.cfg.Logger.Error("interval flush failed",
					"worker", w.id, "keyspace", ck.keyspace, "key", ck.key, "error", err)
			}
		}
	}
}

func (w *worker) flushKey(ctx context.Context, ck cacheKey) error {
	delete(w.keys, ck)
	if err := w.writer.FlushKey(ctx, ck.keyspace, ck.key); err != nil {
		return fmt.Errorf("flush %s/%s: %w", ck.keyspace, ck.key, err)
	}
	return nil
}

func (w *worker) flushAll(ctx context.Context) error {
	var firstErr error
	for ck := range w.keys {
		if err := w.flushKey(ctx, ck); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// unboundedQueue is a channel pair with an elastic buffer between them.
func unboundedQueue() (chan<- task, <-chan task) {
	in := make(chan task)
	out := make(chan task)
	go func() {
		var buf []task
		for {
			if len(buf) == 0 {
				t, ok := <-in
				if !ok {
					close(out)
					return
				}
				buf = append(buf, t)
				continue
			}
			select {
			case t, ok := <-in:
				if !ok {
					for _, queued := range buf {
						out <- queued
					}
					close(out)
					return
				}
				buf = append(buf, t)
			case out <- buf[0]:
				buf = buf[1:]
			}
		}
	}()
	return in, out
}
