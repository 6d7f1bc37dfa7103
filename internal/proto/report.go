package proto

import (
	"fmt"

	"honeypot/internal/be256"
)

const (
	AdvanceReportSize = 1
	BalanceReportSize = be256.Size
)

// AdvanceStatus is the one-byte report emitted for every handled request.
type AdvanceStatus uint8

const (
	StatusSuccess AdvanceStatus = iota
	StatusDepositTransferFailed
	StatusDepositInvalidToken
	StatusDepositBalanceOverflow
	StatusWithdrawNoFunds
	StatusWithdrawVoucherFailed
	StatusInvalidRequest
)

var statusNames = map[AdvanceStatus]string{
	StatusSuccess:                "SUCCESS",
	StatusDepositTransferFailed:  "DEPOSIT_TRANSFER_FAILED",
	StatusDepositInvalidToken:    "DEPOSIT_INVALID_TOKEN",
	StatusDepositBalanceOverflow: "DEPOSIT_BALANCE_OVERFLOW",
	StatusWithdrawNoFunds:        "WITHDRAW_NO_FUNDS",
	StatusWithdrawVoucherFailed:  "WITHDRAW_VOUCHER_FAILED",
	StatusInvalidRequest:         "INVALID_REQUEST",
}

func (s AdvanceStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

func (s AdvanceStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func AdvanceReport(s AdvanceStatus) []byte {
	return []byte{byte(s)}
}

func DecodeAdvanceReport(b []byte) (AdvanceStatus, error) {
	if len(b) != AdvanceReportSize {
		return 0, fmt.Errorf("%w: status report needs %d byte, got %d", ErrPayloadSize, AdvanceReportSize, len(b))
	}
	s := AdvanceStatus(b[0])
	if !s.Valid() {
		return s, fmt.Errorf("unknown status %d", b[0])
	}
	return s, nil
}

func BalanceReport(balance be256.Amount) []byte {
	return balance.Bytes()
}

func DecodeBalanceReport(b []byte) (be256.Amount, error) {
	if len(b) != BalanceReportSize {
		return be256.Amount{}, fmt.Errorf("%w: balance report needs %d bytes, got %d", ErrPayloadSize, BalanceReportSize, len(b))
	}
	return be256.FromBytes(b)
}
