// Package bridge consumes an external record stream (Kafka) and feeds
// it into a StoreWriter, deriving keyspace, key, nonce, and timestamp
// per configurable parsers. Offsets are committed only after a full
// flush, so replay after a crash is deduplicated by the writer's nonce
// check.
package bridge

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/klstore/klstore/internal/naming"
)

type utf8Kind int

const (
	utf8None utf8Kind = iota
	utf8Static
	utf8RecordHeader
	utf8RecordKey
	utf8RecordPartition
)

// UTF8Parser derives a string (keyspace or key) from a record.
type UTF8Parser struct {
	kind utf8Kind
	arg  string
}

type numberKind int

const (
	numNone numberKind = iota
	numHeaderBigEndian
	numHeaderLittleEndian
	numHeaderUtf8
	numKeyBigEndian
	numKeyLittleEndian
	numKeyUtf8
	numRecordOffset
	numRecordPartition
)

// NumberParser derives a nonce or timestamp from a record.
type NumberParser struct {
	kind numberKind
	arg  string
}

var parserArgRe = regexp.MustCompile(`^(.+)\((.+)\)$`)

// ParseUTF8Parser builds a UTF8Parser from its configuration string,
// e.g. "Static(events)", "RecordHeader(tenant)", "RecordKey",
// "RecordPartition". Empty means none.
func ParseUTF8Parser(cfg string) (UTF8Parser, error) {
	switch cfg {
	case "", "None":
		return UTF8Parser{}, nil
	case "RecordKey":
		return UTF8Parser{kind: utf8RecordKey}, nil
	case "RecordPartition":
		return UTF8Parser{kind: utf8RecordPartition}, nil
	}
	if m := parserArgRe.FindStringSubmatch(cfg); m != nil {
		switch m[1] {
		case "Static":
			return UTF8Parser{kind: utf8Static, arg: m[2]}, nil
		case "RecordHeader":
			return UTF8Parser{kind: utf8RecordHeader, arg: m[2]}, nil
		}
	}
	return UTF8Parser{}, fmt.Errorf("invalid string parser %q", cfg)
}

// ParseNumberParser builds a NumberParser from its configuration string,
// e.g. "RecordHeaderBigEndian(seq)", "RecordKeyUtf8", "RecordOffset".
// Empty means none.
func ParseNumberParser(cfg string) (NumberParser, error) {
	switch cfg {
	case "", "None":
		return NumberParser{}, nil
	case "RecordKeyBigEndian":
		return NumberParser{kind: numKeyBigEndian}, nil
	case "RecordKeyLittleEndian":
		return NumberParser{kind: numKeyLittleEndian}, nil
	case "RecordKeyUtf8":
		return NumberParser{kind: numKeyUtf8}, nil
	case "RecordOffset":
		return NumberParser{kind: numRecordOffset}, nil
	case "RecordPartition":
		return NumberParser{kind: numRecordPartition}, nil
	}
	if m := parserArgRe.FindStringSubmatch(cfg); m != nil {
		switch m[1] {
		case "RecordHeaderBigEndian":
			return NumberParser{kind: numHeaderBigEndian, arg: m[2]}, nil
		case "RecordHeaderLittleEndian":
			return NumberParser{kind: numHeaderLittleEndian, arg: m[2]}, nil
		case "RecordHeaderUtf8":
			return NumberParser{kind: numHeaderUtf8, arg: m[2]}, nil
		}
	}
	return NumberParser{}, fmt.Errorf("invalid number parser %q", cfg)
}

// IsNone reports whether no parser was configured.
func (p UTF8Parser) IsNone() bool { return p.kind == utf8None }

// IsNone reports whether no parser was configured.
func (p NumberParser) IsNone() bool { return p.kind == numNone }

// Parse derives the string; a missing required source is an error.
func (p UTF8Parser) Parse(msg *kafka.Message) (string, error) {
	switch p.kind {
	case utf8Static:
		return p.arg, nil
	case utf8RecordHeader:
		v, ok := header(msg, p.arg)
		if !ok {
			return "", fmt.Errorf("record header %q not present", p.arg)
		}
		return string(v), nil
	case utf8RecordKey:
		if msg.Key == nil {
			return "", fmt.Errorf("record key not present")
		}
		return string(msg.Key), nil
	case utf8RecordPartition:
		return strconv.Itoa(msg.Partition), nil
	}
	return "", fmt.Errorf("string parser not configured")
}

// Nonce derives an optional nonce; nil means unparsed (auto-assign).
func (p NumberParser) Nonce(msg *kafka.Message) (*naming.Nonce, error) {
	switch p.kind {
	case numNone:
		return nil, nil
	case numRecordOffset:
		n := naming.NonceFrom64(uint64(msg.Offset))
		return &n, nil
	case numRecordPartition:
		n := naming.NonceFrom64(uint64(msg.Partition))
		return &n, nil
	case numKeyBigEndian:
		return nonceFromBytes(msg.Key, binary.BigEndian)
	case numKeyLittleEndian:
		return nonceFromBytes(msg.Key, binary.LittleEndian)
	case numKeyUtf8:
		return nonceFromString(string(msg.Key))
	case numHeaderBigEndian:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return nonceFromBytes(v, binary.BigEndian)
	case numHeaderLittleEndian:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return nonceFromBytes(v, binary.LittleEndian)
	case numHeaderUtf8:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return nonceFromString(string(v))
	}
	return nil, fmt.Errorf("number parser not configured")
}

// Timestamp derives an optional timestamp in epoch milliseconds; nil
// means unparsed (current wall clock at append).
func (p NumberParser) Timestamp(msg *kafka.Message) (*int64, error) {
	switch p.kind {
	case numNone:
		return nil, nil
	case numRecordOffset:
		v := msg.Offset
		return &v, nil
	case numRecordPartition:
		v := int64(msg.Partition)
		return &v, nil
	case numKeyBigEndian:
		return i64FromBytes(msg.Key, binary.BigEndian)
	case numKeyLittleEndian:
		return i64FromBytes(msg.Key, binary.LittleEndian)
	case numKeyUtf8:
		return i64FromString(string(msg.Key))
	case numHeaderBigEndian:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return i64FromBytes(v, binary.BigEndian)
	case numHeaderLittleEndian:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return i64FromBytes(v, binary.LittleEndian)
	case numHeaderUtf8:
		v, ok := header(msg, p.arg)
		if !ok {
			return nil, nil
		}
		return i64FromString(string(v))
	}
	return nil, fmt.Errorf("number parser not configured")
}

func header(msg *kafka.Message, name string) ([]byte, bool) {
	for _, h := range msg.Headers {
		if h.Key == name {
			return h.Value, true
		}
	}
	return nil, false
}

// nonceFromBytes accepts widths 1, 2, 4, 8, and 16.
func nonceFromBytes(v []byte, order binary.ByteOrder) (*naming.Nonce, error) {
	if v == nil {
		return nil, nil
	}
	var n naming.Nonce
	switch len(v) {
	case 1:
		n = naming.NonceFrom64(uint64(v[0]))
	case 2:
		n = naming.NonceFrom64(uint64(order.Uint16(v)))
	case 4:
		n = naming.NonceFrom64(uint64(order.Uint32(v)))
	case 8:
		n = naming.NonceFrom64(order.Uint64(v))
	case 16:
		hi, lo := order.Uint64(v[:8]), order.Uint64(v[8:])
		if order == binary.ByteOrder(binary.LittleEndian) {
			hi, lo = lo, hi
		}
		n = naming.Nonce{Hi: hi, Lo: lo}
	default:
		return nil, fmt.Errorf("nonce value has unsupported width %d", len(v))
	}
	return &n, nil
}

func nonceFromString(s string) (*naming.Nonce, error) {
	n, err := naming.ParseNonce(s)
	if err != nil {
		return nil, fmt.Errorf("nonce %q not a decimal: %w", s, err)
	}
	return &n, nil
}

// i64FromBytes accepts widths 1, 2, 4, and 8, sign-extending smaller
// values.
func i64FromBytes(v []byte, order binary.ByteOrder) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	var out int64
	switch len(v) {
	case 1:
		out = int64(int8(v[0]))
	case 2:
		out = int64(int16(order.Uint16(v)))
	case 4:
		out = int64(int32(order.Uint32(v)))
	case 8:
		out = int64(order.Uint64(v))
	default:
		return nil, fmt.Errorf("timestamp value has unsupported width %d", len(v))
	}
	return &out, nil
}

func i64FromString(s string) (*int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q not a decimal: %w", s, err)
	}
	return &v, nil
}
