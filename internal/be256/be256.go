// Package be256 implements 256-bit unsigned integers stored as 32 big-endian
// bytes, the layout used by ABI words and by the persisted balance record.
package be256

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const Size = 32

var ErrInvalidLength = errors.New("be256: invalid length")

// Amount is a 256-bit unsigned integer, most-significant byte first.
type Amount [Size]byte

func FromUint64(v uint64) Amount {
	var a Amount
	for i := 0; i < 8; i++ {
		a[Size-1-i] = byte(v >> (8 * i))
	}
	return a
}

func FromBytes(b []byte) (Amount, error) {
	var a Amount
	if len(b) != Size {
		return a, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func FromUint256(v *uint256.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount(v.Bytes32())
}

// ParseDecimal parses a base-10 string. Values above 2^256-1 are rejected.
func ParseDecimal(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromUint256(v), nil
}

func (a Amount) IsZero() bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a Amount) Equal(b Amount) bool {
	return a == b
}

// CheckedAdd adds a and b with a byte-wise ripple carry, least-significant
// byte first. When overflowed is true the returned value is meaningless and
// must not be stored.
func CheckedAdd(a, b Amount) (sum Amount, overflowed bool) {
	var carry uint16
	for i := Size - 1; i >= 0; i-- {
		tmp := carry + uint16(a[i]) + uint16(b[i])
		sum[i] = byte(tmp)
		carry = tmp >> 8
	}
	return sum, carry != 0
}

func (a Amount) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, a[:])
	return out
}

func (a Amount) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes32(a[:])
}

// String returns the decimal representation.
func (a Amount) String() string {
	return a.Uint256().Dec()
}

func (a Amount) Hex() string {
	return a.Uint256().Hex()
}
