package naming

import (
	"fmt"
	"math/big"
	"math/bits"
)

// Nonce is an unsigned 128-bit per-key sequence value.
type Nonce struct {
	Hi uint64
	Lo uint64
}

// NoNonce is the reserved "no nonce" sentinel (2^128-1). It is never
// assigned by the writer and never appears in object names.
var NoNonce = Nonce{Hi: ^uint64(0), Lo: ^uint64(0)}

// NonceFrom64 widens a uint64 into a Nonce.
func NonceFrom64(v uint64) Nonce {
	return Nonce{Lo: v}
}

// Cmp returns -1, 0, or 1 comparing n against o.
func (n Nonce) Cmp(o Nonce) int {
	if n.Hi != o.Hi {
		if n.Hi < o.Hi {
			return -1
		}
		return 1
	}
	if n.Lo != o.Lo {
		if n.Lo < o.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports n < o.
func (n Nonce) Less(o Nonce) bool { return n.Cmp(o) < 0 }

// Next returns n+1, wrapping at 2^128.
func (n Nonce) Next() Nonce {
	lo, carry := bits.Add64(n.Lo, 1, 0)
	hi, _ := bits.Add64(n.Hi, 0, carry)
	return Nonce{Hi: hi, Lo: lo}
}

// Prev returns n-1, wrapping at zero.
func (n Nonce) Prev() Nonce {
	lo, borrow := bits.Sub64(n.Lo, 1, 0)
	hi, _ := bits.Sub64(n.Hi, 0, borrow)
	return Nonce{Hi: hi, Lo: lo}
}

// IsNone reports whether n is the NoNonce sentinel.
func (n Nonce) IsNone() bool { return n == NoNonce }

func (n Nonce) big() *big.Int {
	v := new(big.Int).SetUint64(n.Hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(n.Lo))
}

// String renders n as a plain decimal.
func (n Nonce) String() string {
	if n.Hi == 0 {
		return fmt.Sprintf("%d", n.Lo)
	}
	return n.big().String()
}

// nonceWidth is the fixed decimal width of a nonce field in object names.
// 2^128-1 has 39 digits; anything narrower breaks lexical ordering.
const nonceWidth = 39

func (n Nonce) padded() string {
	s := n.big().String()
	return zeros[:nonceWidth-len(s)] + s
}

const zeros = "000000000000000000000000000000000000000" // nonceWidth digits

var maxNonceBig = NoNonce.big()

// ParseNonce parses a decimal string into a Nonce.
func ParseNonce(s string) (Nonce, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(maxNonceBig) > 0 {
		return Nonce{}, fmt.Errorf("invalid nonce %q", s)
	}
	lo := new(big.Int)
	hi, _ := new(big.Int).QuoRem(v, new(big.Int).Lsh(big.NewInt(1), 64), lo)
	return Nonce{Hi: hi.Uint64(), Lo: lo.Uint64()}, nil
}
