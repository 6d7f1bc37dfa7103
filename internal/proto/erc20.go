// Package proto defines the binary layouts exchanged with the rollup host:
// ERC-20 portal deposits, transfer voucher payloads, status reports and the
// device link messages. All layouts are fixed-size and carry no padding.
package proto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"honeypot/internal/be256"
)

const (
	AddressSize         = common.AddressLength
	DepositPayloadSize  = 1 + AddressSize + AddressSize + be256.Size
	TransferPayloadSize = 16 + AddressSize + be256.Size
)

var ErrPayloadSize = errors.New("unexpected payload size")

// TransferSelector is the selector of transfer(address,uint256).
var TransferSelector = [4]byte{0xa9, 0x05, 0x9c, 0xbb}

type DepositStatus uint8

const (
	DepositFailed     DepositStatus = 0
	DepositSuccessful DepositStatus = 1
)

func (s DepositStatus) String() string {
	switch s {
	case DepositFailed:
		return "failed"
	case DepositSuccessful:
		return "successful"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// DepositPayload is the notification the ERC-20 portal sends for a deposit.
type DepositPayload struct {
	Status DepositStatus
	Token  common.Address
	Sender common.Address
	Amount be256.Amount
}

// DecodeDepositPayload requires exactly DepositPayloadSize bytes.
func DecodeDepositPayload(b []byte) (DepositPayload, error) {
	if len(b) != DepositPayloadSize {
		return DepositPayload{}, fmt.Errorf("%w: deposit needs %d bytes, got %d", ErrPayloadSize, DepositPayloadSize, len(b))
	}
	var p DepositPayload
	p.Status = DepositStatus(b[0])
	off := 1
	copy(p.Token[:], b[off:off+AddressSize])
	off += AddressSize
	copy(p.Sender[:], b[off:off+AddressSize])
	off += AddressSize
	copy(p.Amount[:], b[off:off+be256.Size])
	return p, nil
}

func DepositPayloadBytes(p DepositPayload) []byte {
	b := make([]byte, 0, DepositPayloadSize)
	b = append(b, byte(p.Status))
	b = append(b, p.Token[:]...)
	b = append(b, p.Sender[:]...)
	b = append(b, p.Amount[:]...)
	return b
}

// TransferPayload is the ABI call transfer(destination, amount).
type TransferPayload struct {
	Destination common.Address
	Amount      be256.Amount
}

// EncodeTransfer lays out the selector, 12 zero bytes that left-pad the
// address word, the destination and the amount.
func EncodeTransfer(destination common.Address, amount be256.Amount) []byte {
	b := make([]byte, TransferPayloadSize)
	copy(b[0:4], TransferSelector[:])
	copy(b[16:16+AddressSize], destination[:])
	copy(b[16+AddressSize:], amount[:])
	return b
}

func DecodeTransfer(b []byte) (TransferPayload, error) {
	if len(b) != TransferPayloadSize {
		return TransferPayload{}, fmt.Errorf("%w: transfer needs %d bytes, got %d", ErrPayloadSize, TransferPayloadSize, len(b))
	}
	if [4]byte(b[0:4]) != TransferSelector {
		return TransferPayload{}, fmt.Errorf("unexpected selector %x", b[0:4])
	}
	for _, v := range b[4:16] {
		if v != 0 {
			return TransferPayload{}, fmt.Errorf("non-zero address padding")
		}
	}
	var p TransferPayload
	copy(p.Destination[:], b[16:16+AddressSize])
	copy(p.Amount[:], b[16+AddressSize:])
	return p, nil
}

// Selector returns the first four bytes of the Keccak-256 hash of a
// canonical Solidity function signature.
func Selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var out [4]byte
	copy(out[:], h.Sum(nil))
	return out
}
