package naming

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		meta Meta
	}{
		{
			name: "first batch",
			meta: Meta{
				FirstOffset: 0, LastOffset: 2,
				MinTimestamp: 1700000000000, MaxTimestamp: 1700000000123,
				FirstNonce: NonceFrom64(0), NextNonce: NonceFrom64(3),
				Size: 96, PriorFirst: NoPrior,
			},
		},
		{
			name: "later batch",
			meta: Meta{
				FirstOffset: 100, LastOffset: 199,
				MinTimestamp: -5, MaxTimestamp: 9,
				FirstNonce: NonceFrom64(100), NextNonce: NonceFrom64(200),
				Size: 4096, PriorFirst: 0,
			},
		},
		{
			name: "wide nonces",
			meta: Meta{
				FirstOffset: 7, LastOffset: 7,
				MinTimestamp: 1, MaxTimestamp: 1,
				FirstNonce: Nonce{Hi: 1, Lo: 0}, NextNonce: Nonce{Hi: 2, Lo: 5},
				Size: 1, PriorFirst: 0,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Encode("pfx/", "ks", "k", tt.meta)
			got, err := Decode(n)
			require.NoError(t, err)
			assert.Equal(t, tt.meta, got)
		})
	}
}

func TestEncodeLiteralLayout(t *testing.T) {
	m := Meta{
		FirstOffset: 0, LastOffset: 2,
		MinTimestamp: 10, MaxTimestamp: 20,
		FirstNonce: NonceFrom64(0), NextNonce: NonceFrom64(3),
		Size: 96, PriorFirst: NoPrior,
	}
	want := "ks/k/data" +
		"_o00000000000000000000-o00000000000000000002" +
		"_t00000000000000000010-t00000000000000000020" +
		"_n000000000000000000000000000000000000000" +
		"-n000000000000000000000000000000000000003" +
		"_s00000000000000000096" +
		"_p18446744073709551615.bin"
	assert.Equal(t, want, Encode("", "ks", "k", m))
}

func TestDecodeErrors(t *testing.T) {
	valid := Encode("", "ks", "k", Meta{
		FirstOffset: 5, LastOffset: 9,
		MinTimestamp: 1, MaxTimestamp: 2,
		FirstNonce: NonceFrom64(5), NextNonce: NonceFrom64(10),
		Size: 10, PriorFirst: 0,
	})
	tests := []struct {
		name   string
		mangle func(string) string
	}{
		{"truncated", func(s string) string { return s[:len(s)-1] }},
		{"wrong extension", func(s string) string { return s[:len(s)-4] + ".dat" }},
		{"missing data marker", func(s string) string { return "ks/k/blob" + s[len("ks/k/data"):] }},
		{"non numeric offset", func(s string) string {
			i := len("ks/k/data_o")
			return s[:i] + "x" + s[i+1:]
		}},
		{"unpadded field", func(s string) string {
			i := len("ks/k/data_o")
			return s[:i] + s[i+1:] // drop one digit
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.mangle(valid))
			assert.ErrorIs(t, err, ErrCorruptName)
		})
	}
}

func TestDecodeRejectsBadRanges(t *testing.T) {
	base := Meta{
		FirstOffset: 5, LastOffset: 9,
		MinTimestamp: 1, MaxTimestamp: 2,
		FirstNonce: NonceFrom64(5), NextNonce: NonceFrom64(10),
		Size: 10, PriorFirst: 0,
	}

	inverted := base
	inverted.FirstOffset, inverted.LastOffset = 9, 5
	_, err := Decode(Encode("", "ks", "k", inverted))
	assert.ErrorIs(t, err, ErrCorruptName)

	sameNonce := base
	sameNonce.NextNonce = sameNonce.FirstNonce
	_, err = Decode(Encode("", "ks", "k", sameNonce))
	assert.ErrorIs(t, err, ErrCorruptName)

	empty := base
	empty.Size = 0
	_, err = Decode(Encode("", "ks", "k", empty))
	assert.ErrorIs(t, err, ErrCorruptName)
}

func TestLexicalOrderMatchesNumericOrder(t *testing.T) {
	offsets := []uint64{0, 1, 9, 10, 99, 100, 1000, 123456789, 1 << 40}
	var names []string
	for _, o := range offsets {
		names = append(names, Encode("", "ks", "k", Meta{
			FirstOffset: o, LastOffset: o,
			MinTimestamp: 0, MaxTimestamp: 0,
			FirstNonce: NonceFrom64(o), NextNonce: NonceFrom64(o + 1),
			Size: 1, PriorFirst: 0,
		}))
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	assert.Equal(t, names, sorted)
}

func TestStartAtSortsBeforeNamesAtOffset(t *testing.T) {
	name := Encode("", "ks", "k", Meta{
		FirstOffset: 42, LastOffset: 50,
		MinTimestamp: 0, MaxTimestamp: 0,
		FirstNonce: NonceFrom64(0), NextNonce: NonceFrom64(9),
		Size: 9, PriorFirst: 0,
	})
	marker := StartAt("", "ks", "k", 42)
	assert.Less(t, marker, name)

	after := StartAt("", "ks", "k", 43)
	assert.Greater(t, after, name)
}

func TestSegmentEscaping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"with/slash", "with%2Fslash"},
		{"under_score", "under%5Fscore"},
		{"pct%sign", "pct%25sign"},
		{"ctrl\x01byte", "ctrl%01byte"},
		{"del\x7f", "del%7F"},
		{"dots.and-dashes", "dots.and-dashes"},
	}
	for _, tt := range tests {
		enc := EncodeSegment(tt.in)
		assert.Equal(t, tt.want, enc)
		dec, err := DecodeSegment(enc)
		require.NoError(t, err)
		assert.Equal(t, tt.in, dec)
	}
}

func TestNonceArithmetic(t *testing.T) {
	n := Nonce{Hi: 0, Lo: ^uint64(0)}
	next := n.Next()
	assert.Equal(t, Nonce{Hi: 1, Lo: 0}, next)
	assert.True(t, n.Less(next))
	assert.Equal(t, "18446744073709551615", n.String())

	parsed, err := ParseNonce("18446744073709551616")
	require.NoError(t, err)
	assert.Equal(t, next, parsed)

	_, err = ParseNonce("not-a-number")
	assert.Error(t, err)
	_, err = ParseNonce("340282366920938463463374607431768211456") // 2^128
	assert.Error(t, err)

	assert.True(t, NoNonce.IsNone())
	assert.False(t, NonceFrom64(1).IsNone())
}
