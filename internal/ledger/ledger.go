// Package ledger holds the single honeypot balance and applies deposits,
// withdrawals and balance queries to it.
//
// The transition rules are pure functions of (Config, State, input). Ledger
// wraps them with output emission and persistence: a withdrawal voucher is
// emitted first, then the new balance is flushed, then SUCCESS is reported,
// and only then is the in-memory state replaced. A failure at any step
// leaves the previous balance in place, on disk and in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"

	"honeypot/internal/be256"
	"honeypot/internal/proto"
)

var log = logging.MustGetLogger("ledger")

// ErrFlush marks a request whose new balance could not be persisted. No
// status report is emitted for it.
var ErrFlush = errors.New("ledger: flush failed")

// Config names the addresses the ledger trusts.
type Config struct {
	Token      common.Address
	Portal     common.Address
	Withdrawal common.Address
}

type State struct {
	Balance be256.Amount
}

// Voucher is a zero-value call to Destination carrying Payload.
type Voucher struct {
	Destination common.Address
	Value       be256.Amount
	Payload     []byte
}

// ApplyDeposit validates a portal notification against st. The returned
// state equals st unless the status is StatusSuccess.
func ApplyDeposit(cfg Config, st State, p proto.DepositPayload) (State, proto.AdvanceStatus) {
	if p.Status != proto.DepositSuccessful {
		return st, proto.StatusDepositTransferFailed
	}
	if p.Token != cfg.Token {
		return st, proto.StatusDepositInvalidToken
	}
	sum, overflowed := be256.CheckedAdd(st.Balance, p.Amount)
	if overflowed {
		return st, proto.StatusDepositBalanceOverflow
	}
	return State{Balance: sum}, proto.StatusSuccess
}

// PrepareWithdraw builds the transfer voucher for the whole balance. The
// state it returns is the one to commit once the voucher is out.
func PrepareWithdraw(cfg Config, st State) (State, Voucher, proto.AdvanceStatus) {
	if st.Balance.IsZero() {
		return st, Voucher{}, proto.StatusWithdrawNoFunds
	}
	v := Voucher{
		Destination: cfg.Token,
		Payload:     proto.EncodeTransfer(cfg.Withdrawal, st.Balance),
	}
	return State{}, v, proto.StatusSuccess
}

// InspectBalance renders the balance report.
func InspectBalance(st State) []byte {
	return proto.BalanceReport(st.Balance)
}

// Store persists the balance record.
type Store interface {
	Load() (be256.Amount, error)
	Save(be256.Amount) error
}

// Outputs is the part of the rollup device the ledger writes to.
type Outputs interface {
	EmitReport(ctx context.Context, payload []byte) error
	EmitVoucher(ctx context.Context, destination common.Address, value be256.Amount, payload []byte) (uint64, error)
}

// Ledger owns the balance for the lifetime of the process. It is not safe
// for concurrent use; the dispatch loop is its only caller.
type Ledger struct {
	cfg   Config
	state State
	store Store
}

// New loads the persisted balance from store.
func New(cfg Config, store Store) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: nil store")
	}
	balance, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("ledger: load state: %w", err)
	}
	return &Ledger{cfg: cfg, state: State{Balance: balance}, store: store}, nil
}

func (l *Ledger) Config() Config {
	return l.cfg
}

func (l *Ledger) Balance() be256.Amount {
	return l.state.Balance
}

// Deposit handles a portal notification. The returned status is the one
// reported; a non-nil error means an output or the flush failed and the
// request must be rejected even if the status is StatusSuccess.
func (l *Ledger) Deposit(ctx context.Context, out Outputs, payload []byte) (proto.AdvanceStatus, error) {
	p, err := proto.DecodeDepositPayload(payload)
	if err != nil {
		log.Warningf("action: deposit | result: rejected | reason: %v", err)
		return l.fail(ctx, out, proto.StatusInvalidRequest)
	}
	next, status := ApplyDeposit(l.cfg, l.state, p)
	if status != proto.StatusSuccess {
		log.Warningf("action: deposit | result: rejected | status: %s | token: %s | sender: %s | amount: %s",
			status, p.Token.Hex(), p.Sender.Hex(), p.Amount)
		return l.fail(ctx, out, status)
	}
	if err := l.commit(ctx, out, next); err != nil {
		log.Errorf("action: deposit | result: fail | amount: %s | error: %v", p.Amount, err)
		return status, err
	}
	log.Infof("action: deposit | result: success | sender: %s | amount: %s | balance: %s",
		p.Sender.Hex(), p.Amount, l.state.Balance)
	return status, nil
}

// Withdraw sends the whole balance to the withdrawal address. The balance is
// only reset after the voucher was emitted.
func (l *Ledger) Withdraw(ctx context.Context, out Outputs) (proto.AdvanceStatus, error) {
	next, v, status := PrepareWithdraw(l.cfg, l.state)
	if status != proto.StatusSuccess {
		log.Warningf("action: withdraw | result: rejected | status: %s", status)
		return l.fail(ctx, out, status)
	}
	index, err := out.EmitVoucher(ctx, v.Destination, v.Value, v.Payload)
	if err != nil {
		log.Errorf("action: withdraw | result: fail | balance: %s | error: %v", l.state.Balance, err)
		return l.fail(ctx, out, proto.StatusWithdrawVoucherFailed)
	}
	amount := l.state.Balance
	if err := l.commit(ctx, out, next); err != nil {
		log.Errorf("action: withdraw | result: fail | voucher: %d | error: %v", index, err)
		return status, err
	}
	log.Infof("action: withdraw | result: success | voucher: %d | to: %s | amount: %s",
		index, l.cfg.Withdrawal.Hex(), amount)
	return status, nil
}

// Inspect answers a balance query. Only an empty query is valid.
func (l *Ledger) Inspect(ctx context.Context, out Outputs, payload []byte) (proto.AdvanceStatus, error) {
	if len(payload) != 0 {
		log.Warningf("action: inspect | result: rejected | payload_len: %d", len(payload))
		return l.fail(ctx, out, proto.StatusInvalidRequest)
	}
	if err := out.EmitReport(ctx, InspectBalance(l.state)); err != nil {
		log.Errorf("action: inspect | result: fail | error: %v", err)
		return proto.StatusSuccess, err
	}
	log.Debugf("action: inspect | result: success | balance: %s", l.state.Balance)
	return proto.StatusSuccess, nil
}

// Reject reports status without touching the balance. The dispatch loop uses
// it for requests that match no route.
func (l *Ledger) Reject(ctx context.Context, out Outputs, status proto.AdvanceStatus) (proto.AdvanceStatus, error) {
	return l.fail(ctx, out, status)
}

func (l *Ledger) fail(ctx context.Context, out Outputs, status proto.AdvanceStatus) (proto.AdvanceStatus, error) {
	if err := out.EmitReport(ctx, proto.AdvanceReport(status)); err != nil {
		log.Errorf("action: report | result: fail | status: %s | error: %v", status, err)
		return status, err
	}
	return status, nil
}

// commit flushes next, reports success and then adopts it. If either step
// fails the previous record is written back.
func (l *Ledger) commit(ctx context.Context, out Outputs, next State) error {
	if err := l.store.Save(next.Balance); err != nil {
		l.restore()
		return fmt.Errorf("%w: %v", ErrFlush, err)
	}
	if err := out.EmitReport(ctx, proto.AdvanceReport(proto.StatusSuccess)); err != nil {
		l.restore()
		return fmt.Errorf("emit success report: %w", err)
	}
	l.state = next
	return nil
}

func (l *Ledger) restore() {
	if err := l.store.Save(l.state.Balance); err != nil {
		log.Criticalf("action: restore_state | result: fail | balance: %s | error: %v", l.state.Balance, err)
	}
}
