// Package naming encodes and decodes klstore object names. The name is
// the only index the store has: every numeric field is rendered at a
// fixed decimal width so that lexical listing order equals numeric order
// of the leading offset field.
package naming

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCorruptName is returned when a listed object name does not decode.
var ErrCorruptName = errors.New("corrupt object name")

// NoPrior marks a batch with no predecessor (2^64-1). The value keeps
// the field width fixed and can never equal a real first offset of a
// predecessor, so a self-loop is impossible.
const NoPrior = ^uint64(0)

// Meta is the metadata carried by a data object name.
type Meta struct {
	FirstOffset  uint64
	LastOffset   uint64
	MinTimestamp int64
	MaxTimestamp int64
	FirstNonce   Nonce
	NextNonce    Nonce // exclusive: [FirstNonce, NextNonce)
	Size         uint64
	PriorFirst   uint64 // first offset of the preceding batch, or NoPrior
}

// RecordCount returns the number of records the name declares.
func (m Meta) RecordCount() uint64 {
	return m.LastOffset - m.FirstOffset + 1
}

// Contains reports whether m's offset range strictly contains o's.
// Used to resolve overlap left behind by a crashed compaction.
func (m Meta) Contains(o Meta) bool {
	if m.FirstOffset == o.FirstOffset && m.LastOffset == o.LastOffset {
		return false
	}
	return m.FirstOffset <= o.FirstOffset && o.LastOffset <= m.LastOffset
}

const (
	u64Width = 20
	i64Width = 20
	dataMark = "/data"
	binExt   = ".bin"
)

// tail layout after "/data":
//
//	_o{20}-o{20}_t{20}-t{20}_n{39}-n{39}_s{20}_p{20}.bin
const tailLen = 2 + u64Width + 2 + u64Width +
	2 + i64Width + 2 + i64Width +
	2 + nonceWidth + 2 + nonceWidth +
	2 + u64Width + 2 + u64Width + len(binExt)

func padU64(v uint64) string { return fmt.Sprintf("%0*d", u64Width, v) }
func padI64(v int64) string  { return fmt.Sprintf("%0*d", i64Width, v) }

// Encode renders the object name for one batch of a key.
func Encode(prefix, keyspace, key string, m Meta) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(EncodeSegment(keyspace))
	b.WriteByte('/')
	b.WriteString(EncodeSegment(key))
	b.WriteString(dataMark)
	b.WriteString("_o")
	b.WriteString(padU64(m.FirstOffset))
	b.WriteString("-o")
	b.WriteString(padU64(m.LastOffset))
	b.WriteString("_t")
	b.WriteString(padI64(m.MinTimestamp))
	b.WriteString("-t")
	b.WriteString(padI64(m.MaxTimestamp))
	b.WriteString("_n")
	b.WriteString(m.FirstNonce.padded())
	b.WriteString("-n")
	b.WriteString(m.NextNonce.padded())
	b.WriteString("_s")
	b.WriteString(padU64(m.Size))
	b.WriteString("_p")
	b.WriteString(padU64(m.PriorFirst))
	b.WriteString(binExt)
	return b.String()
}

// Decode parses the metadata out of an object name. The name may carry
// any prefix; only the fixed-width tail is inspected. Field widths,
// separators, range ordering, and a positive size are all validated.
func Decode(name string) (Meta, error) {
	if len(name) < len(dataMark)+tailLen {
		return Meta{}, fmt.Errorf("%w: %q too short", ErrCorruptName, name)
	}
	tail := name[len(name)-tailLen:]
	if !strings.HasSuffix(name[:len(name)-tailLen], dataMark) {
		return Meta{}, fmt.Errorf("%w: %q missing data marker", ErrCorruptName, name)
	}

	var m Meta
	var err error
	next := func(sep string, width int) (string, bool) {
		if err != nil || !strings.HasPrefix(tail, sep) || len(tail) < len(sep)+width {
			return "", false
		}
		field := tail[len(sep) : len(sep)+width]
		tail = tail[len(sep)+width:]
		return field, true
	}
	fail := func() (Meta, error) {
		return Meta{}, fmt.Errorf("%w: %q", ErrCorruptName, name)
	}

	f, ok := next("_o", u64Width)
	if !ok {
		return fail()
	}
	if m.FirstOffset, err = strconv.ParseUint(f, 10, 64); err != nil {
		return fail()
	}
	if f, ok = next("-o", u64Width); !ok {
		return fail()
	}
	if m.LastOffset, err = strconv.ParseUint(f, 10, 64); err != nil {
		return fail()
	}
	if f, ok = next("_t", i64Width); !ok {
		return fail()
	}
	if m.MinTimestamp, err = parseI64(f); err != nil {
		return fail()
	}
	if f, ok = next("-t", i64Width); !ok {
		return fail()
	}
	if m.MaxTimestamp, err = parseI64(f); err != nil {
		return fail()
	}
	if f, ok = next("_n", nonceWidth); !ok {
		return fail()
	}
	if m.FirstNonce, err = ParseNonce(f); err != nil {
		return fail()
	}
	if f, ok = next("-n", nonceWidth); !ok {
		return fail()
	}
	if m.NextNonce, err = ParseNonce(f); err != nil {
		return fail()
	}
	if f, ok = next("_s", u64Width); !ok {
		return fail()
	}
	if m.Size, err = strconv.ParseUint(f, 10, 64); err != nil {
		return fail()
	}
	if f, ok = next("_p", u64Width); !ok {
		return fail()
	}
	if m.PriorFirst, err = strconv.ParseUint(f, 10, 64); err != nil {
		return fail()
	}
	if tail != binExt {
		return fail()
	}

	if m.FirstOffset > m.LastOffset {
		return fail()
	}
	if m.MinTimestamp > m.MaxTimestamp {
		return fail()
	}
	if m.NextNonce.Cmp(m.FirstNonce) <= 0 {
		return fail()
	}
	if m.Size == 0 {
		return fail()
	}
	return m, nil
}

// parseI64 accepts the zero-padded signed rendering ("-000...123").
func parseI64(s string) (int64, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return v, nil
}

// DataPrefix is the listing prefix covering all data objects of a key.
func DataPrefix(prefix, keyspace, key string) string {
	return prefix + EncodeSegment(keyspace) + "/" + EncodeSegment(key) + dataMark + "_"
}

// StartAt returns a StartAfter marker such that a listing resumes at the
// first object whose firstOffset is >= offset. The marker is a strict
// prefix of any name starting at offset, so it sorts immediately before
// them.
func StartAt(prefix, keyspace, key string, offset uint64) string {
	return prefix + EncodeSegment(keyspace) + "/" + EncodeSegment(key) + dataMark + "_o" + padU64(offset)
}

// KeyspaceMarker is the name of the keyspace existence marker object.
func KeyspaceMarker(prefix, keyspace string) string {
	return prefix + EncodeSegment(keyspace) + "/_keyspace"
}

// segment escaping covers exactly the bytes that would collide with the
// name grammar: the key separator, the field separator, the escape
// character itself, and control bytes.
func escapeByte(c byte) bool {
	return c == '/' || c == '_' || c == '%' || c < 0x20 || c == 0x7f
}

const hexDigits = "0123456789ABCDEF"

// EncodeSegment percent-encodes a keyspace or key for use in a name.
func EncodeSegment(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if escapeByte(s[i]) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escapeByte(c) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodeSegment reverses EncodeSegment.
func DecodeSegment(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape in %q", ErrCorruptName, s)
		}
		hi := strings.IndexByte(hexDigits, s[i+1])
		lo := strings.IndexByte(hexDigits, s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("%w: bad escape in %q", ErrCorruptName, s)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}
