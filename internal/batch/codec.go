// Package batch serializes a run of records into a single object body
// and back. The body is self-delimiting: a consumer holding only the
// bytes can reconstruct record offsets given the first offset from the
// object name.
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/highwayhash"

	"github.com/klstore/klstore/internal/naming"
)

// ErrCorruptBatch is returned when a body fails checksum or framing
// validation. Corruption is never skipped silently.
var ErrCorruptBatch = errors.New("corrupt batch")

// Record is one persisted entry of a batch. Offsets live in the object
// name, not the body; see Decode.
type Record struct {
	Timestamp int64
	Nonce     naming.Nonce
	Payload   []byte
}

const (
	magic       = "klb1"
	flagZstd    = 0x01
	headerLen   = 4 + 1 + 4 // magic, flags, count
	checksumLen = 8
	recordFixed = 8 + 16 // timestamp + nonce
)

// checksumKey is fixed: the checksum detects corruption, it is not a MAC.
var checksumKey = []byte("klstore.batch.checksum.hw64.key!")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
		zstdDec, _ = zstd.NewReader(nil)
	})
}

// Encode serializes records into one object body. records must be
// non-empty. With compress set, the record section is zstd-compressed;
// the header and checksum framing stay uncompressed so a decoder can
// always validate integrity first.
func Encode(records []Record, compress bool) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty record run", ErrCorruptBatch)
	}

	section := make([]byte, 0, sectionSize(records))
	var varint [binary.MaxVarintLen64]byte
	for _, r := range records {
		n := binary.PutUvarint(varint[:], uint64(len(r.Payload)))
		section = append(section, varint[:n]...)
		section = binary.BigEndian.AppendUint64(section, uint64(r.Timestamp))
		section = binary.BigEndian.AppendUint64(section, r.Nonce.Hi)
		section = binary.BigEndian.AppendUint64(section, r.Nonce.Lo)
		section = append(section, r.Payload...)
	}

	var flags byte
	if compress {
		zstdInit()
		section = zstdEnc.EncodeAll(section, nil)
		flags |= flagZstd
	}

	body := make([]byte, 0, headerLen+len(section)+checksumLen)
	body = append(body, magic...)
	body = append(body, flags)
	body = binary.BigEndian.AppendUint32(body, uint32(len(records)))
	body = append(body, section...)
	sum := highwayhash.Sum64(body, checksumKey)
	body = binary.BigEndian.AppendUint64(body, sum)
	return body, nil
}

func sectionSize(records []Record) int {
	n := 0
	for _, r := range records {
		n += binary.MaxVarintLen64 + recordFixed + len(r.Payload)
	}
	return n
}

// Decode parses an object body back into records. The checksum covers
// header and record section and is verified before any framing is
// trusted. The caller assigns offsets: record i has offset firstOffset+i
// from the object name.
func Decode(body []byte) ([]Record, error) {
	if len(body) < headerLen+checksumLen {
		return nil, fmt.Errorf("%w: body too short", ErrCorruptBatch)
	}
	if string(body[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptBatch)
	}
	sum := binary.BigEndian.Uint64(body[len(body)-checksumLen:])
	if highwayhash.Sum64(body[:len(body)-checksumLen], checksumKey) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptBatch)
	}

	flags := body[4]
	count := binary.BigEndian.Uint32(body[5:9])
	if count == 0 {
		return nil, fmt.Errorf("%w: zero record count", ErrCorruptBatch)
	}
	section := body[headerLen : len(body)-checksumLen]
	if flags&flagZstd != 0 {
		zstdInit()
		var err error
		if section, err = zstdDec.DecodeAll(section, nil); err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptBatch, err)
		}
	}

	records := make([]Record, 0, count)
	pos := 0
	for i := uint32(0); i < count; i++ {
		payloadLen, n := binary.Uvarint(section[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad length varint at record %d", ErrCorruptBatch, i)
		}
		pos += n
		if payloadLen > uint64(len(section)-pos) || len(section)-pos < recordFixed {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptBatch, i)
		}
		ts := int64(binary.BigEndian.Uint64(section[pos:]))
		nonce := naming.Nonce{
			Hi: binary.BigEndian.Uint64(section[pos+8:]),
			Lo: binary.BigEndian.Uint64(section[pos+16:]),
		}
		pos += recordFixed
		if payloadLen > uint64(len(section)-pos) {
			return nil, fmt.Errorf("%w: truncated payload at record %d", ErrCorruptBatch, i)
		}
		payload := make([]byte, payloadLen)
		copy(payload, section[pos:pos+int(payloadLen)])
		pos += int(payloadLen)
		records = append(records, Record{Timestamp: ts, Nonce: nonce, Payload: payload})
	}
	if pos != len(section) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptBatch, len(section)-pos)
	}
	return records, nil
}
