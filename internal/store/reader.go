package store

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/klstore/klstore/internal/batch"
	"github.com/klstore/klstore/internal/metrics"
	"github.com/klstore/klstore/internal/naming"
	"github.com/klstore/klstore/internal/objstore"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Prefix          string
	DefaultPageSize uint64 // default 1000
	Logger          *slog.Logger
}

func (c *ReaderConfig) applyDefaults() {
	if c.DefaultPageSize == 0 {
		c.DefaultPageSize = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Reader is a stateless paged reader over a key's object layout. Any
// number of Readers may iterate a key concurrently with the writer.
type Reader struct {
	client objstore.Client
	cfg    ReaderConfig
	met    *metrics.Metrics
}

// NewReader creates a Reader. met may be nil.
func NewReader(client objstore.Client, cfg ReaderConfig, met *metrics.Metrics) *Reader {
	cfg.applyDefaults()
	return &Reader{client: client, cfg: cfg, met: met}
}

// ReadKeyspaceMetadata fetches and decodes the keyspace marker.
func (r *Reader) ReadKeyspaceMetadata(ctx context.Context, keyspace string) (KeyspaceMetadata, error) {
	name := naming.KeyspaceMarker(r.cfg.Prefix, keyspace)
	body, err := r.client.Get(ctx, name)
	if errors.Is(err, objstore.ErrNotFound) {
		return KeyspaceMetadata{}, fmt.Errorf("%w: %s", ErrKeyspaceNotFound, keyspace)
	}
	if err != nil {
		return KeyspaceMetadata{}, fmt.Errorf("read keyspace %s: %w", keyspace, err)
	}
	if len(body) < 10 {
		return KeyspaceMetadata{}, fmt.Errorf("%w: keyspace marker %s truncated", naming.ErrCorruptName, keyspace)
	}
	return KeyspaceMetadata{
		CreatedAtMillis: int64(binary.BigEndian.Uint64(body[:8])),
		Version:         binary.BigEndian.Uint16(body[8:10]),
	}, nil
}

// ReadKeyMetadata derives key metadata from the object listing. A key
// with no committed objects yields nil.
func (r *Reader) ReadKeyMetadata(ctx context.Context, keyspace, key string) (*KeyMetadata, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)
	names, err := objstore.ListAll(ctx, r.client, dataPrefix, "")
	if err != nil {
		return nil, fmt.Errorf("key metadata %s/%s: %w", keyspace, key, err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	metas, _, err := dominantMetas(names)
	if err != nil {
		return nil, fmt.Errorf("key metadata %s/%s: %w", keyspace, key, err)
	}
	first, last := metas[0], metas[len(metas)-1]
	return &KeyMetadata{
		FirstOffset:   first.FirstOffset,
		LastOffset:    last.LastOffset,
		LastNonce:     last.NextNonce.Prev(),
		LastTimestamp: last.MaxTimestamp,
		RecordCount:   last.LastOffset - first.FirstOffset + 1,
		ObjectCount:   uint64(len(metas)),
	}, nil
}

// pageFilter is a StartPosition with direction-appropriate defaults
// filled in, so collection never branches on missing fields.
type pageFilter struct {
	defined        bool // a seek position was given (vs Earliest/Latest)
	maxSize        uint64
	startOffset    uint64
	startTimestamp int64
	startNonce     naming.Nonce
	dir            Direction
}

func newPageFilter(dir Direction, start StartPosition, maxSize uint64) pageFilter {
	f := pageFilter{maxSize: maxSize, dir: dir}
	if dir == Forward {
		f.startOffset = 0
		f.startTimestamp = math.MinInt64
		f.startNonce = naming.Nonce{}
	} else {
		f.startOffset = math.MaxUint64
		f.startTimestamp = math.MaxInt64
		f.startNonce = naming.NoNonce
	}
	switch start.kind {
	case startOffset:
		f.defined = true
		f.startOffset = start.offset
	case startTimestamp:
		f.defined = true
		f.startTimestamp = start.timestamp
	case startNonce:
		f.defined = true
		f.startNonce = start.nonce
	}
	return f
}

// matches reports whether an object can contain the first record of the
// iteration described by f.
func (f pageFilter) matches(m naming.Meta) bool {
	if f.dir == Forward {
		return f.startOffset <= m.LastOffset &&
			f.startNonce.Less(m.NextNonce) &&
			f.startTimestamp <= m.MaxTimestamp
	}
	return f.startOffset >= m.FirstOffset &&
		!f.startNonce.Less(m.FirstNonce) &&
		f.startTimestamp >= m.MinTimestamp
}

// inRange reports whether one record satisfies the seek relation.
// Records carrying the reserved no-nonce sentinel pass once the first
// match anchored the position.
func (f pageFilter) inRange(rec Record, foundFirst bool) bool {
	if f.dir == Forward {
		if rec.Offset < f.startOffset || rec.Timestamp < f.startTimestamp {
			return false
		}
		if rec.Nonce.IsNone() {
			return !f.defined || foundFirst
		}
		return !rec.Nonce.Less(f.startNonce)
	}
	if rec.Offset > f.startOffset || rec.Timestamp > f.startTimestamp {
		return false
	}
	if rec.Nonce.IsNone() {
		return !f.defined || foundFirst
	}
	return !f.startNonce.Less(rec.Nonce)
}

// position locates the next record to emit and the object to find it in.
// anchorFirst is the first offset of that object; listing from it costs
// one LIST regardless of how deep into the log the position sits.
type position struct {
	nextOffset  uint64
	anchorFirst uint64
}

// outcome is the result of one collection attempt.
type outcome struct {
	items []Record
	pos   *position // nil when iteration is done
	// retry marks a listing that shifted underneath us (concurrent
	// compaction removed an expected object).
	retry bool
}

func finished(items []Record) outcome { return outcome{items: items} }

func (r *Reader) progressed(items []Record, cur position, anchor uint64, dir Direction, retry bool) outcome {
	if len(items) == 0 {
		p := cur
		return outcome{items: items, pos: &p, retry: retry}
	}
	last := items[len(items)-1].Offset
	if dir == Forward {
		return outcome{items: items, pos: &position{nextOffset: last + 1, anchorFirst: anchor}, retry: retry}
	}
	if last == 0 {
		// log start reached, nothing left to page
		return outcome{items: items, retry: retry}
	}
	return outcome{items: items, pos: &position{nextOffset: last - 1, anchorFirst: anchor}, retry: retry}
}

// ReadPage reads up to pageSize records from a key in the given
// direction, starting at start. pageSize 0 takes the configured default.
func (r *Reader) ReadPage(ctx context.Context, keyspace, key string, dir Direction, start StartPosition, pageSize uint64) (Page, error) {
	if pageSize == 0 {
		pageSize = r.cfg.DefaultPageSize
	}
	stats := &ReadStats{}
	f := newPageFilter(dir, start, pageSize)
	page := Page{Keyspace: keyspace, Key: key}

	var out outcome
	var err error
	if start.kind == startContinuation {
		out, err = r.resumeContinuation(ctx, stats, keyspace, key, start.token, f)
	} else {
		out, err = r.searchAndCollect(ctx, stats, keyspace, key, f)
	}
	if err != nil {
		return page, err
	}

	if out.retry && len(out.items) == 0 {
		// Failed with no results: end the page rather than trap the
		// client in an empty paging loop.
		out = finished(nil)
	}

	page.Records = out.items
	if out.pos != nil {
		page.Continuation = encodeContinuation(dir, *out.pos)
	}
	page.Stats = *stats
	r.cfg.Logger.Debug("read page",
		"keyspace", keyspace, "key", key, "direction", dir.String(),
		"records", len(page.Records), "lists", stats.ListOps, "reads", stats.ReadOps)
	return page, nil
}

func (r *Reader) resumeContinuation(ctx context.Context, stats *ReadStats, keyspace, key, token string, f pageFilter) (outcome, error) {
	pos, dir, err := decodeContinuation(token)
	if err != nil {
		return outcome{}, err
	}
	if dir != f.dir {
		return outcome{}, fmt.Errorf("%w: token direction %s, requested %s",
			ErrInvalidContinuation, dir, f.dir)
	}
	out, err := r.collect(ctx, stats, keyspace, key, pos, f)
	if err != nil {
		return outcome{}, err
	}
	if !out.retry {
		return out, nil
	}

	// The anchored object was compacted away. Fall back to a positional
	// search from the token's offset; the offsets dedupe anything the
	// replacement object re-covers.
	stats.ContinuationMisses++
	if r.met != nil {
		r.met.ContinuationMisses.Inc()
	}
	f.defined = true
	f.startOffset = pos.nextOffset
	out, err = r.searchAndCollect(ctx, stats, keyspace, key, f)
	if err != nil {
		return outcome{}, err
	}
	if out.retry && len(out.items) == 0 {
		// A compaction completed between our list and our reads; by now
		// the replacement object is visible, so one more pass settles it.
		out, err = r.searchAndCollect(ctx, stats, keyspace, key, f)
		if err != nil {
			return outcome{}, err
		}
	}
	return out, nil
}

func (r *Reader) searchAndCollect(ctx context.Context, stats *ReadStats, keyspace, key string, f pageFilter) (outcome, error) {
	pos, err := r.searchStart(ctx, stats, keyspace, key, f)
	if err != nil {
		return outcome{}, err
	}
	if pos == nil {
		return finished(nil), nil
	}
	return r.collect(ctx, stats, keyspace, key, *pos, f)
}

func (r *Reader) collect(ctx context.Context, stats *ReadStats, keyspace, key string, pos position, f pageFilter) (outcome, error) {
	if f.dir == Forward {
		return r.collectForward(ctx, stats, keyspace, key, pos, f)
	}
	return r.collectBackward(ctx, stats, keyspace, key, pos, f)
}

func (r *Reader) collectForward(ctx context.Context, stats *ReadStats, keyspace, key string, pos position, f pageFilter) (outcome, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)
	startFrom := naming.StartAt(r.cfg.Prefix, keyspace, key, pos.anchorFirst)
	var items []Record
	cur := pos
	firstListing := true

	for {
		page, err := r.listPage(ctx, stats, dataPrefix, startFrom, 0)
		if err != nil {
			return outcome{}, err
		}
		if firstListing && len(page.Names) == 0 {
			// The anchored object is gone: either compacted into a
			// replacement that starts earlier, or the log truly ends
			// here. The caller's positional fallback settles which.
			return r.progressed(nil, cur, cur.anchorFirst, Forward, true), nil
		}
		firstListing = false
		for _, name := range page.Names {
			meta, err := naming.Decode(name)
			if err != nil {
				return outcome{}, err
			}
			if cur.nextOffset < meta.FirstOffset {
				// expected object compacted away since the last page
				return r.progressed(items, cur, meta.FirstOffset, Forward, true), nil
			}
			got, readFully, err := r.collectObject(ctx, stats, name, meta, f, cur, &items)
			if err != nil {
				return outcome{}, err
			}
			if !got {
				return r.progressed(items, cur, meta.FirstOffset, Forward, true), nil
			}
			anchor := meta.FirstOffset
			if readFully {
				anchor = meta.LastOffset + 1
			}
			if uint64(len(items)) >= f.maxSize {
				return r.progressed(items, cur, anchor, Forward, false), nil
			}
			// an object dominated by one already read (crashed compaction
			// overlap) must not move the position backward
			if meta.LastOffset+1 > cur.nextOffset {
				cur.nextOffset = meta.LastOffset + 1
				cur.anchorFirst = anchor
			}
		}
		if !page.Truncated || len(page.Names) == 0 {
			return finished(items), nil
		}
		startFrom = page.Names[len(page.Names)-1]
	}
}

func (r *Reader) collectBackward(ctx context.Context, stats *ReadStats, keyspace, key string, pos position, f pageFilter) (outcome, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)
	var items []Record
	cur := pos

	for {
		// one LIST per object: the prior-batch pointer in each name is
		// the backward link, no reverse listing needed
		startFrom := naming.StartAt(r.cfg.Prefix, keyspace, key, cur.anchorFirst)
		page, err := r.listPage(ctx, stats, dataPrefix, startFrom, 1)
		if err != nil {
			return outcome{}, err
		}
		if len(page.Names) == 0 {
			return r.progressed(items, cur, cur.anchorFirst, Backward, true), nil
		}
		name := page.Names[0]
		meta, err := naming.Decode(name)
		if err != nil {
			return outcome{}, err
		}
		if cur.nextOffset > meta.LastOffset {
			return r.progressed(items, cur, meta.PriorFirst, Backward, true), nil
		}
		got, readFully, err := r.collectObject(ctx, stats, name, meta, f, cur, &items)
		if err != nil {
			return outcome{}, err
		}
		if !got {
			return r.progressed(items, cur, meta.FirstOffset, Backward, true), nil
		}
		if len(items) == 0 {
			// the start object had no matching record: nothing earlier will
			return finished(nil), nil
		}
		anchor := meta.FirstOffset
		if readFully {
			anchor = meta.PriorFirst
		}
		if uint64(len(items)) >= f.maxSize {
			return r.progressed(items, cur, anchor, Backward, false), nil
		}
		if meta.FirstOffset == 0 || anchor == naming.NoPrior {
			return finished(items), nil
		}
		cur.nextOffset = meta.FirstOffset - 1
		cur.anchorFirst = anchor
	}
}

// collectObject reads and decodes one object, appending matching records
// to out. got=false means the object vanished (concurrent compaction).
// readFully reports whether the whole object was consumed rather than
// cut off by the page size.
func (r *Reader) collectObject(ctx context.Context, stats *ReadStats, name string, meta naming.Meta, f pageFilter, cur position, out *[]Record) (got, readFully bool, err error) {
	body, err := r.client.Get(ctx, name)
	if errors.Is(err, objstore.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read object %s: %w", name, err)
	}
	stats.ReadOps++
	stats.ReadBytes += uint64(len(body))

	recs, err := batch.Decode(body)
	if err != nil {
		return false, false, fmt.Errorf("object %s: %w", name, err)
	}
	if uint64(len(recs)) != meta.RecordCount() {
		return false, false, fmt.Errorf("%w: %s declares %d records, body has %d",
			batch.ErrCorruptBatch, name, meta.RecordCount(), len(recs))
	}

	if f.dir == Forward {
		i := 0
		for ; i < len(recs) && uint64(len(*out)) < f.maxSize; i++ {
			rec := Record{
				Offset:    meta.FirstOffset + uint64(i),
				Timestamp: recs[i].Timestamp,
				Nonce:     recs[i].Nonce,
				Payload:   recs[i].Payload,
			}
			if rec.Offset >= cur.nextOffset && f.inRange(rec, len(*out) > 0) {
				*out = append(*out, rec)
			}
		}
		return true, i == len(recs), nil
	}

	i := len(recs) - 1
	for ; i >= 0 && uint64(len(*out)) < f.maxSize; i-- {
		rec := Record{
			Offset:    meta.FirstOffset + uint64(i),
			Timestamp: recs[i].Timestamp,
			Nonce:     recs[i].Nonce,
			Payload:   recs[i].Payload,
		}
		if rec.Offset <= cur.nextOffset && f.inRange(rec, len(*out) > 0) {
			*out = append(*out, rec)
		}
	}
	return true, i < 0, nil
}

// searchStart resolves the object holding the first record of the
// iteration. The fixed-width name layout makes listings binary-
// searchable by offset, which bounds the LIST count even for seeks by
// timestamp or nonce.
func (r *Reader) searchStart(ctx context.Context, stats *ReadStats, keyspace, key string, f pageFilter) (*position, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)

	// The first page alone settles most keys and gives the search range
	// a lower bound.
	firstPage, err := r.listPage(ctx, stats, dataPrefix, "", 0)
	if err != nil {
		return nil, err
	}
	if len(firstPage.Names) == 0 {
		return nil, nil
	}
	if !firstPage.Truncated {
		return r.findStartInPage(firstPage.Names, f)
	}

	lastOfFirst, err := naming.Decode(firstPage.Names[len(firstPage.Names)-1])
	if err != nil {
		return nil, err
	}
	if f.dir == Forward && f.matches(lastOfFirst) {
		return r.findStartInPage(firstPage.Names, f)
	}
	if f.dir == Backward && !f.matches(lastOfFirst) {
		return r.findStartInPage(firstPage.Names, f)
	}

	lastName, err := r.lastNameForKey(ctx, stats, dataPrefix)
	if err != nil {
		return nil, err
	}
	if lastName == "" {
		return nil, nil
	}
	lastMeta, err := naming.Decode(lastName)
	if err != nil {
		return nil, err
	}
	if f.dir == Backward && f.matches(lastMeta) {
		next := f.startOffset
		if next > lastMeta.LastOffset {
			next = lastMeta.LastOffset
		}
		return &position{nextOffset: next, anchorFirst: lastMeta.FirstOffset}, nil
	}

	firstMeta, err := naming.Decode(firstPage.Names[0])
	if err != nil {
		return nil, err
	}
	return r.binarySearchStart(ctx, stats, keyspace, key, f, firstMeta.FirstOffset, lastMeta.LastOffset)
}

func (r *Reader) lastNameForKey(ctx context.Context, stats *ReadStats, dataPrefix string) (string, error) {
	var last string
	startAfter := ""
	for {
		page, err := r.listPage(ctx, stats, dataPrefix, startAfter, 0)
		if err != nil {
			return "", err
		}
		if len(page.Names) > 0 {
			last = page.Names[len(page.Names)-1]
		}
		if !page.Truncated || len(page.Names) == 0 {
			return last, nil
		}
		startAfter = last
	}
}

func (r *Reader) binarySearchStart(ctx context.Context, stats *ReadStats, keyspace, key string, f pageFilter, min, max uint64) (*position, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)

	for min < max {
		mid := min + (max-min)/2
		if mid == min {
			break
		}
		page, err := r.listPage(ctx, stats, dataPrefix, naming.StartAt(r.cfg.Prefix, keyspace, key, mid), 0)
		if err != nil {
			return nil, err
		}
		if len(page.Names) == 0 {
			max = mid
			continue
		}
		firstMeta, err := naming.Decode(page.Names[0])
		if err != nil {
			return nil, err
		}
		lastMeta, err := naming.Decode(page.Names[len(page.Names)-1])
		if err != nil {
			return nil, err
		}

		if f.dir == Forward {
			switch {
			case f.matches(firstMeta):
				// lowest match is at or before this page
				max = mid
			case !f.matches(lastMeta):
				if !page.Truncated {
					return nil, nil
				}
				min = lastMeta.LastOffset
			default:
				return r.findStartInPage(page.Names, f)
			}
		} else {
			switch {
			case f.matches(lastMeta):
				if !page.Truncated {
					return r.findStartInPage(page.Names, f)
				}
				min = mid
			case f.matches(firstMeta):
				return r.findStartInPage(page.Names, f)
			default:
				max = firstMeta.FirstOffset
			}
		}
	}

	// range degenerated; scan pages from min
	return r.scanStart(ctx, stats, keyspace, key, f, min)
}

// scanStart walks listing pages from min and picks the first (forward)
// or last (backward) matching object.
func (r *Reader) scanStart(ctx context.Context, stats *ReadStats, keyspace, key string, f pageFilter, min uint64) (*position, error) {
	dataPrefix := naming.DataPrefix(r.cfg.Prefix, keyspace, key)
	startAfter := naming.StartAt(r.cfg.Prefix, keyspace, key, min)
	var best *position
	for {
		page, err := r.listPage(ctx, stats, dataPrefix, startAfter, 0)
		if err != nil {
			return nil, err
		}
		if len(page.Names) == 0 {
			return best, nil
		}
		found, err := r.findStartInPage(page.Names, f)
		if err != nil {
			return nil, err
		}
		if found != nil {
			if f.dir == Forward {
				return found, nil
			}
			best = found
		}
		if !page.Truncated {
			return best, nil
		}
		startAfter = page.Names[len(page.Names)-1]
	}
}

func (r *Reader) findStartInPage(names []string, f pageFilter) (*position, error) {
	if f.dir == Forward {
		for _, name := range names {
			m, err := naming.Decode(name)
			if err != nil {
				return nil, err
			}
			if f.matches(m) {
				return &position{nextOffset: m.FirstOffset, anchorFirst: m.FirstOffset}, nil
			}
		}
		return nil, nil
	}
	for i := len(names) - 1; i >= 0; i-- {
		m, err := naming.Decode(names[i])
		if err != nil {
			return nil, err
		}
		if f.matches(m) {
			return &position{nextOffset: m.LastOffset, anchorFirst: m.FirstOffset}, nil
		}
	}
	return nil, nil
}

func (r *Reader) listPage(ctx context.Context, stats *ReadStats, prefix, startAfter string, limit int) (objstore.ListPage, error) {
	page, err := r.client.List(ctx, prefix, startAfter, limit)
	if err != nil {
		return objstore.ListPage{}, fmt.Errorf("list %s: %w", prefix, err)
	}
	stats.ListOps++
	return page, nil
}

// continuation tokens are opaque to callers but must stay parseable
// across releases: direction, next offset, anchor first offset.
func encodeContinuation(dir Direction, pos position) string {
	d := "f"
	if dir == Backward {
		d = "b"
	}
	raw := d + ":" + strconv.FormatUint(pos.nextOffset, 10) + ":" + strconv.FormatUint(pos.anchorFirst, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeContinuation(token string) (position, Direction, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return position{}, Forward, fmt.Errorf("%w: %v", ErrInvalidContinuation, err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 || (parts[0] != "f" && parts[0] != "b") {
		return position{}, Forward, fmt.Errorf("%w: %q", ErrInvalidContinuation, string(raw))
	}
	next, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return position{}, Forward, fmt.Errorf("%w: %q", ErrInvalidContinuation, string(raw))
	}
	anchor, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return position{}, Forward, fmt.Errorf("%w: %q", ErrInvalidContinuation, string(raw))
	}
	dir := Forward
	if parts[0] == "b" {
		dir = Backward
	}
	return position{nextOffset: next, anchorFirst: anchor}, dir, nil
}
