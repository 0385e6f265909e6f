package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/klstore/klstore/internal/batch"
	"github.com/klstore/klstore/internal/naming"
	"github.com/klstore/klstore/internal/objstore"
)

// WriterConfig configures a Writer. Zero values take the documented
// defaults.
type WriterConfig struct {
	Prefix                  string
	MaxCachedKeys           int    // default 100000
	CompactRecordsThreshold uint64 // default 1000
	CompactSizeThreshold    uint64 // bytes, default 1 MiB
	CompactObjectsThreshold uint64 // default 100
	StrictNonceCheck        bool
	CompressBatches         bool
	Logger                  *slog.Logger

	// Clock returns the current time in epoch milliseconds. Tests
	// override it; nil means wall clock.
	Clock func() int64
}

func (c *WriterConfig) applyDefaults() {
	if c.MaxCachedKeys <= 0 {
		c.MaxCachedKeys = 100000
	}
	if c.CompactRecordsThreshold == 0 {
		c.CompactRecordsThreshold = 1000
	}
	if c.CompactSizeThreshold == 0 {
		c.CompactSizeThreshold = 1 << 20
	}
	if c.CompactObjectsThreshold == 0 {
		c.CompactObjectsThreshold = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = func() int64 { return time.Now().UnixMilli() }
	}
}

// tail is the cached write-side state of one key. A key is operated on
// by a single goroutine (the batching facade pins keys to workers), but
// the mutex keeps direct Writer use safe too.
type tail struct {
	mu       sync.Mutex
	keyspace string
	key      string

	nextOffset uint64       // offset the next flushed record will take
	nextNonce  naming.Nonce // next auto-assigned nonce; last accepted is nextNonce-1
	hasNonce   bool         // false until the first record is accepted or recovered
	lastStamp  int64        // max timestamp seen
	lastFirst  uint64       // firstOffset of the most recent object, or naming.NoPrior

	pending      []batch.Record
	pendingBytes uint64

	// compaction bookkeeping: partial objects are flushed objects after
	// the last object that alone crossed the full-batch thresholds.
	partialObjects uint64
	partialStart   uint64 // firstOffset of the first partial object; valid when partialObjects > 0
}

// Writer is the per-key write engine: it owns tail state, enforces
// nonce monotonicity, assigns offsets, and drives compaction.
// Correctness requires at most one process actively writing a given key;
// violations surface as ErrConcurrentWriter.
type Writer struct {
	client objstore.Client
	cfg    WriterConfig

	mu    sync.Mutex
	cache *tailCache
}

// NewWriter creates a Writer over an object store client.
func NewWriter(client objstore.Client, cfg WriterConfig) *Writer {
	cfg.applyDefaults()
	return &Writer{
		client: client,
		cfg:    cfg,
		cache:  newTailCache(cfg.MaxCachedKeys),
	}
}

const keyspaceMarkerVersion = 1

// CreateKeyspace implements StoreWriter.
func (w *Writer) CreateKeyspace(ctx context.Context, keyspace string) error {
	body := make([]byte, 0, 10)
	body = binary.BigEndian.AppendUint64(body, uint64(w.cfg.Clock()))
	body = binary.BigEndian.AppendUint16(body, keyspaceMarkerVersion)
	name := naming.KeyspaceMarker(w.cfg.Prefix, keyspace)
	err := w.client.PutIfAbsent(ctx, name, body)
	if errors.Is(err, objstore.ErrAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrKeyspaceExists, keyspace)
	}
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Append implements StoreWriter. Insertions with an explicit nonce at or
// below the last accepted nonce are dropped (or rejected in strict
// mode); everything else joins the pending batch with a dense offset
// assigned at flush time.
func (w *Writer) Append(ctx context.Context, keyspace, key string, insertions []Insertion) error {
	if len(insertions) == 0 {
		return nil
	}
	t, err := w.tailFor(ctx, keyspace, key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ins := range insertions {
		ts := w.cfg.Clock()
		if ins.Timestamp != nil {
			ts = *ins.Timestamp
		}
		var nonce naming.Nonce
		if ins.Nonce == nil {
			if t.hasNonce {
				nonce = t.nextNonce
			} // else zero value: first nonce of a fresh key is 0
		} else {
			nonce = *ins.Nonce
			if t.hasNonce && nonce.Less(t.nextNonce) {
				if w.cfg.StrictNonceCheck {
					return fmt.Errorf("%w: nonce %s already covered for %s/%s",
						ErrNonceRegression, nonce, keyspace, key)
				}
				continue // duplicate, drop
			}
		}
		t.nextNonce = nonce.Next()
		t.hasNonce = true
		if ts > t.lastStamp {
			t.lastStamp = ts
		}
		t.pending = append(t.pending, batch.Record{Timestamp: ts, Nonce: nonce, Payload: ins.Payload})
		t.pendingBytes += uint64(len(ins.Payload))
	}
	return nil
}

// FlushKey implements StoreWriter.
func (w *Writer) FlushKey(ctx context.Context, keyspace, key string) error {
	t, err := w.tailFor(ctx, keyspace, key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return w.flushLocked(ctx, t)
}

// FlushAll implements StoreWriter.
func (w *Writer) FlushAll(ctx context.Context) error {
	w.mu.Lock()
	tails := w.cache.tails()
	w.mu.Unlock()
	for _, t := range tails {
		t.mu.Lock()
		err := w.flushLocked(ctx, t)
		t.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DutyCycle implements StoreWriter: it runs at most one pending
// compaction pass, keeping the blocking bound at one flush worth of I/O.
func (w *Writer) DutyCycle(ctx context.Context) error {
	w.mu.Lock()
	tails := w.cache.tails()
	w.mu.Unlock()
	for _, t := range tails {
		t.mu.Lock()
		due := t.partialObjects >= w.cfg.CompactObjectsThreshold
		var err error
		if due {
			err = w.compactPartialsLocked(ctx, t)
		}
		t.mu.Unlock()
		if due {
			return err
		}
	}
	return nil
}

// PendingRecords reports the key's pending batch size. The batching
// facade does not need it (it tracks its own thresholds); it exists for
// eviction diagnostics and tests.
func (w *Writer) PendingRecords(keyspace, key string) int {
	w.mu.Lock()
	t, ok := w.cache.get(keyspace, key)
	w.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// flushLocked writes the pending batch as one object. Caller holds t.mu.
// When the PUT fails the pending batch stays intact, so a retry is
// idempotent; a conditional-put conflict instead discards the pending
// batch together with the cached tail.
func (w *Writer) flushLocked(ctx context.Context, t *tail) error {
	if len(t.pending) == 0 {
		return nil
	}

	minTS, maxTS := t.pending[0].Timestamp, t.pending[0].Timestamp
	for _, r := range t.pending[1:] {
		if r.Timestamp < minTS {
			minTS = r.Timestamp
		}
		if r.Timestamp > maxTS {
			maxTS = r.Timestamp
		}
	}
	body, err := batch.Encode(t.pending, w.cfg.CompressBatches)
	if err != nil {
		return err
	}
	meta := naming.Meta{
		FirstOffset:  t.nextOffset,
		LastOffset:   t.nextOffset + uint64(len(t.pending)) - 1,
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		FirstNonce:   t.pending[0].Nonce,
		NextNonce:    t.nextNonce,
		Size:         uint64(len(body)),
		PriorFirst:   t.lastFirst,
	}
	name := naming.Encode(w.cfg.Prefix, t.keyspace, t.key, meta)

	err = w.client.PutIfAbsent(ctx, name, body)
	if errors.Is(err, objstore.ErrAlreadyExists) {
		// Another writer owns this key now. Drop our state and reload the
		// committed truth so later operations see the racing writer's tail.
		w.cfg.Logger.Warn("conditional put conflict, another writer active",
			"keyspace", t.keyspace, "key", t.key, "object", name)
		w.mu.Lock()
		w.cache.remove(t.keyspace, t.key)
		w.mu.Unlock()
		t.pending = nil
		t.pendingBytes = 0
		return fmt.Errorf("%w: %s/%s", ErrConcurrentWriter, t.keyspace, t.key)
	}
	if err != nil {
		return fmt.Errorf("flush %s/%s: %w", t.keyspace, t.key, err)
	}

	t.lastFirst = meta.FirstOffset
	t.nextOffset = meta.LastOffset + 1
	t.pending = nil
	t.pendingBytes = 0

	if meta.RecordCount() >= w.cfg.CompactRecordsThreshold || meta.Size >= w.cfg.CompactSizeThreshold {
		// The object stands as its own compacted unit.
		t.partialObjects = 0
	} else {
		if t.partialObjects == 0 {
			t.partialStart = meta.FirstOffset
		}
		t.partialObjects++
	}

	if t.partialObjects >= w.cfg.CompactObjectsThreshold {
		return w.compactPartialsLocked(ctx, t)
	}
	return nil
}

// compactPartialsLocked merges every partial object since the compacted
// boundary into one replacement, then deletes the superseded objects in
// offset order. The replacement PUT precedes any delete, so readers
// always observe a contiguous cover; a crash mid-deletion leaves overlap
// that the dominance rule resolves on read. Caller holds t.mu.
func (w *Writer) compactPartialsLocked(ctx context.Context, t *tail) error {
	dataPrefix := naming.DataPrefix(w.cfg.Prefix, t.keyspace, t.key)
	startFrom := naming.StartAt(w.cfg.Prefix, t.keyspace, t.key, t.partialStart)
	names, err := objstore.ListAll(ctx, w.client, dataPrefix, startFrom)
	if err != nil {
		return fmt.Errorf("compact %s/%s: %w", t.keyspace, t.key, err)
	}
	metas, kept, err := dominantMetas(names)
	if err != nil {
		return fmt.Errorf("compact %s/%s: %w", t.keyspace, t.key, err)
	}
	if len(metas) < 2 {
		t.partialObjects = uint64(len(metas))
		return nil
	}

	var records []batch.Record
	for i, m := range metas {
		body, err := w.client.Get(ctx, kept[i])
		if err != nil {
			return fmt.Errorf("compact read %s: %w", kept[i], err)
		}
		recs, err := batch.Decode(body)
		if err != nil {
			return fmt.Errorf("compact decode %s: %w", kept[i], err)
		}
		if uint64(len(recs)) != m.RecordCount() {
			return fmt.Errorf("%w: %s declares %d records, body has %d",
				batch.ErrCorruptBatch, kept[i], m.RecordCount(), len(recs))
		}
		records = append(records, recs...)
	}

	first, last := metas[0], metas[len(metas)-1]
	minTS, maxTS := first.MinTimestamp, first.MaxTimestamp
	for _, m := range metas[1:] {
		if m.MinTimestamp < minTS {
			minTS = m.MinTimestamp
		}
		if m.MaxTimestamp > maxTS {
			maxTS = m.MaxTimestamp
		}
	}
	body, err := batch.Encode(records, w.cfg.CompressBatches)
	if err != nil {
		return err
	}
	merged := naming.Meta{
		FirstOffset:  first.FirstOffset,
		LastOffset:   last.LastOffset,
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		FirstNonce:   first.FirstNonce,
		NextNonce:    last.NextNonce,
		Size:         uint64(len(body)),
		PriorFirst:   first.PriorFirst,
	}
	replacement := naming.Encode(w.cfg.Prefix, t.keyspace, t.key, merged)
	if err := w.client.Put(ctx, replacement, body); err != nil {
		return fmt.Errorf("compact write %s/%s: %w", t.keyspace, t.key, err)
	}
	for _, name := range kept {
		if name == replacement {
			continue
		}
		if err := w.client.Delete(ctx, name); err != nil {
			return fmt.Errorf("compact delete %s: %w", name, err)
		}
	}
	w.cfg.Logger.Debug("compacted partial objects",
		"keyspace", t.keyspace, "key", t.key,
		"objects", len(kept), "records", len(records))

	t.lastFirst = merged.FirstOffset
	if merged.RecordCount() >= w.cfg.CompactRecordsThreshold || merged.Size >= w.cfg.CompactSizeThreshold {
		t.partialObjects = 0
	} else {
		t.partialObjects = 1
		t.partialStart = merged.FirstOffset
	}
	return nil
}

// tailFor returns the cached tail for a key, bootstrapping it from the
// object listing on first touch.
func (w *Writer) tailFor(ctx context.Context, keyspace, key string) (*tail, error) {
	w.mu.Lock()
	if t, ok := w.cache.get(keyspace, key); ok {
		w.mu.Unlock()
		return t, nil
	}
	w.mu.Unlock()

	t, err := w.bootstrapTail(ctx, keyspace, key)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if existing, ok := w.cache.get(keyspace, key); ok {
		// Raced with another bootstrap of the same key; keep the first.
		w.mu.Unlock()
		return existing, nil
	}
	evicted := w.cache.put(t)
	w.mu.Unlock()

	if evicted != nil {
		evicted.mu.Lock()
		err := w.flushLocked(ctx, evicted)
		evicted.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("flush evicted %s/%s: %w", evicted.keyspace, evicted.key, err)
		}
	}
	return t, nil
}

// bootstrapTail derives tail state from the committed object listing.
func (w *Writer) bootstrapTail(ctx context.Context, keyspace, key string) (*tail, error) {
	dataPrefix := naming.DataPrefix(w.cfg.Prefix, keyspace, key)
	names, err := objstore.ListAll(ctx, w.client, dataPrefix, "")
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s/%s: %w", keyspace, key, err)
	}
	t := &tail{keyspace: keyspace, key: key, lastFirst: naming.NoPrior}
	if len(names) == 0 {
		return t, nil
	}
	metas, _, err := dominantMetas(names)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s/%s: %w", keyspace, key, err)
	}

	for _, m := range metas {
		t.nextOffset = m.LastOffset + 1
		t.nextNonce = m.NextNonce
		t.hasNonce = true
		if m.MaxTimestamp > t.lastStamp {
			t.lastStamp = m.MaxTimestamp
		}
		t.lastFirst = m.FirstOffset
		if m.RecordCount() >= w.cfg.CompactRecordsThreshold || m.Size >= w.cfg.CompactSizeThreshold {
			t.partialObjects = 0
		} else {
			if t.partialObjects == 0 {
				t.partialStart = m.FirstOffset
			}
			t.partialObjects++
		}
	}
	return t, nil
}

// dominantMetas decodes listed names and resolves overlap left by a
// crashed compaction: an object whose offset range is strictly contained
// in another's is superseded and dropped. Results stay in listing order.
func dominantMetas(names []string) ([]naming.Meta, []string, error) {
	type entry struct {
		meta naming.Meta
		name string
	}
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		m, err := naming.Decode(name)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry{meta: m, name: name})
	}
	kept := make([]entry, 0, len(entries))
	for _, e := range entries {
		dominated := false
		for _, other := range entries {
			if other.name != e.name && other.meta.Contains(e.meta) {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].meta.FirstOffset < kept[j].meta.FirstOffset
	})
	metas := make([]naming.Meta, len(kept))
	outNames := make([]string, len(kept))
	for i, e := range kept {
		metas[i] = e.meta
		outNames[i] = e.name
	}
	return metas, outNames, nil
}
