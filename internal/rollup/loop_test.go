package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"honeypot/internal/be256"
	"honeypot/internal/debuglog"
	"honeypot/internal/ledger"
	"honeypot/internal/metrics"
	"honeypot/internal/proto"
)

var (
	token      = common.HexToAddress("0xc6e7DF5E7b4f2A278906862b61205850344D4e7d")
	portal     = common.HexToAddress("0x9C21AEb2093C32DDbC53eEF24B873BDCd1aDa1DB")
	withdrawal = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	cfg        = ledger.Config{Token: token, Portal: portal, Withdrawal: withdrawal}
)

func init() {
	debuglog.Discard()
}

type input struct {
	kind proto.RequestKind
	// announced overrides the payload length reported by Finish when >= 0.
	announced int
	sender    common.Address
	index     uint64
	payload   []byte
}

type emitted struct {
	reports  [][]byte
	vouchers []proto.DeviceRequest
}

// fakeDevice serves a fixed script and records what each request emitted
// together with the accept flag it was finished with.
type fakeDevice struct {
	inputs  []input
	pos     int
	current *emitted
	results []emitted
	accepts []bool

	voucherErr error
	reportErr  error
	finishErr  error
	readErr    error
}

func (d *fakeDevice) Finish(ctx context.Context, accept bool) (proto.NextRequest, error) {
	if d.finishErr != nil {
		err := d.finishErr
		d.finishErr = nil
		return proto.NextRequest{}, err
	}
	if d.current != nil {
		d.results = append(d.results, *d.current)
		d.accepts = append(d.accepts, accept)
	}
	if d.pos >= len(d.inputs) {
		d.current = nil
		return proto.NextRequest{}, ErrDeviceClosed
	}
	in := d.inputs[d.pos]
	d.current = &emitted{}
	n := len(in.payload)
	if in.announced >= 0 {
		n = in.announced
	}
	return proto.NextRequest{Kind: in.kind, PayloadLen: uint32(n)}, nil
}

func (d *fakeDevice) take() input {
	in := d.inputs[d.pos]
	d.pos++
	return in
}

func (d *fakeDevice) ReadAdvance(context.Context) (proto.Advance, error) {
	in := d.take()
	if d.readErr != nil {
		return proto.Advance{}, d.readErr
	}
	return proto.Advance{
		Metadata: proto.AdvanceMetadata{Sender: in.sender, InputIndex: in.index, BlockNumber: 10 + in.index},
		Payload:  in.payload,
	}, nil
}

func (d *fakeDevice) ReadInspect(context.Context) (proto.Inspect, error) {
	in := d.take()
	if d.readErr != nil {
		return proto.Inspect{}, d.readErr
	}
	return proto.Inspect{Payload: in.payload}, nil
}

func (d *fakeDevice) EmitReport(_ context.Context, payload []byte) error {
	if d.reportErr != nil {
		return d.reportErr
	}
	d.current.reports = append(d.current.reports, append([]byte(nil), payload...))
	return nil
}

func (d *fakeDevice) EmitVoucher(_ context.Context, dest common.Address, value be256.Amount, payload []byte) (uint64, error) {
	if d.voucherErr != nil {
		return 0, d.voucherErr
	}
	d.current.vouchers = append(d.current.vouchers, proto.DeviceRequest{
		Op: proto.OpEmitVoucher, Destination: dest, Value: value, Payload: append([]byte(nil), payload...),
	})
	return uint64(len(d.current.vouchers) - 1), nil
}

type memStore struct {
	balance  be256.Amount
	failNext bool
}

func (m *memStore) Load() (be256.Amount, error) { return m.balance, nil }

func (m *memStore) Save(b be256.Amount) error {
	if m.failNext {
		m.failNext = false
		return errors.New("msync failed")
	}
	m.balance = b
	return nil
}

func deposit(index uint64, amount uint64) input {
	payload := proto.DepositPayloadBytes(proto.DepositPayload{
		Status: proto.DepositSuccessful,
		Token:  token,
		Sender: stranger,
		Amount: be256.FromUint64(amount),
	})
	return input{kind: proto.KindAdvance, announced: -1, sender: portal, index: index, payload: payload}
}

func withdraw(index uint64) input {
	return input{kind: proto.KindAdvance, announced: -1, sender: withdrawal, index: index}
}

func inspect(payload []byte) input {
	return input{kind: proto.KindInspect, announced: -1, payload: payload}
}

func newTestLoop(t *testing.T, dev *fakeDevice, start uint64) (*Loop, *ledger.Ledger, *memStore, *metrics.Metrics) {
	t.Helper()
	st := &memStore{balance: be256.FromUint64(start)}
	l, err := ledger.New(cfg, st)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	m := metrics.New()
	return NewLoop(dev, l, m), l, st, m
}

func statusOf(t *testing.T, report []byte) proto.AdvanceStatus {
	t.Helper()
	s, err := proto.DecodeAdvanceReport(report)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return s
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sender common.Address
		n      int
		want   Route
	}{
		{portal, proto.DepositPayloadSize, RouteDeposit},
		{portal, proto.DepositPayloadSize + 1, RouteInvalid},
		{portal, 0, RouteInvalid},
		{withdrawal, 0, RouteWithdraw},
		{withdrawal, 1, RouteInvalid},
		{withdrawal, proto.DepositPayloadSize, RouteInvalid},
		{stranger, 0, RouteInvalid},
		{stranger, proto.DepositPayloadSize, RouteInvalid},
	}
	for _, tc := range cases {
		if got := Classify(cfg, tc.sender, tc.n); got != tc.want {
			t.Fatalf("Classify(%s, %d) = %s, want %s", tc.sender.Hex(), tc.n, got, tc.want)
		}
	}
}

func TestLoopEndToEnd(t *testing.T) {
	dev := &fakeDevice{inputs: []input{
		deposit(0, 100),
		inspect(nil),
		withdraw(1),
		withdraw(2),
	}}
	lp, l, st, m := newTestLoop(t, dev, 0)
	if err := lp.Run(context.Background()); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("expected ErrDeviceClosed, got %v", err)
	}
	if len(dev.results) != 4 {
		t.Fatalf("expected 4 finished requests, got %d", len(dev.results))
	}
	want := []bool{true, true, true, false}
	for i, a := range want {
		if dev.accepts[i] != a {
			t.Fatalf("request %d: expected accept=%t, got %t", i, a, dev.accepts[i])
		}
	}

	if s := statusOf(t, dev.results[0].reports[0]); s != proto.StatusSuccess {
		t.Fatalf("deposit: expected SUCCESS, got %s", s)
	}
	bal, err := proto.DecodeBalanceReport(dev.results[1].reports[0])
	if err != nil || !bal.Equal(be256.FromUint64(100)) {
		t.Fatalf("inspect: expected balance 100, got %s (%v)", bal, err)
	}
	w := dev.results[2]
	if len(w.vouchers) != 1 || statusOf(t, w.reports[0]) != proto.StatusSuccess {
		t.Fatalf("withdraw: expected voucher and SUCCESS, got %+v", w)
	}
	tr, err := proto.DecodeTransfer(w.vouchers[0].Payload)
	if err != nil {
		t.Fatalf("decode voucher: %v", err)
	}
	if w.vouchers[0].Destination != token || tr.Destination != withdrawal || !tr.Amount.Equal(be256.FromUint64(100)) {
		t.Fatalf("unexpected voucher %+v / %+v", w.vouchers[0], tr)
	}
	again := dev.results[3]
	if len(again.vouchers) != 0 || statusOf(t, again.reports[0]) != proto.StatusWithdrawNoFunds {
		t.Fatalf("second withdraw: expected WITHDRAW_NO_FUNDS only, got %+v", again)
	}
	if !l.Balance().IsZero() || !st.balance.IsZero() {
		t.Fatalf("expected zero balance at the end")
	}

	snap := m.Snapshot()
	if snap.Requests["advance"] != 3 || snap.Requests["inspect"] != 1 || snap.Vouchers != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}
	if snap.Accepted != 3 || snap.Rejected != 1 {
		t.Fatalf("expected 3 accepted and 1 rejected, got %d/%d", snap.Accepted, snap.Rejected)
	}
}

func TestFirstFinishAccepts(t *testing.T) {
	dev := &fakeDevice{}
	lp, _, _, _ := newTestLoop(t, dev, 0)
	if !lp.Accept() {
		t.Fatalf("loop must start with accept=true")
	}
	if err := lp.Step(context.Background()); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("expected ErrDeviceClosed, got %v", err)
	}
}

func TestInvalidAdvanceIsReportedAndRejected(t *testing.T) {
	bad := deposit(0, 5)
	bad.sender = stranger
	dev := &fakeDevice{inputs: []input{
		bad,
		{kind: proto.KindAdvance, announced: -1, sender: withdrawal, payload: []byte{1}},
		{kind: proto.KindAdvance, announced: -1, sender: portal, payload: make([]byte, 10)},
	}}
	lp, l, _, _ := newTestLoop(t, dev, 7)
	_ = lp.Run(context.Background())
	for i, r := range dev.results {
		if len(r.reports) != 1 || statusOf(t, r.reports[0]) != proto.StatusInvalidRequest {
			t.Fatalf("request %d: expected INVALID_REQUEST report, got %+v", i, r)
		}
		if dev.accepts[i] {
			t.Fatalf("request %d: expected rejection", i)
		}
	}
	if !l.Balance().Equal(be256.FromUint64(7)) {
		t.Fatalf("balance changed: %s", l.Balance())
	}
}

func TestInspectDoesNotMutate(t *testing.T) {
	dev := &fakeDevice{inputs: []input{inspect(nil), inspect(nil), inspect([]byte("x"))}}
	lp, l, _, _ := newTestLoop(t, dev, 42)
	_ = lp.Run(context.Background())
	if string(dev.results[0].reports[0]) != string(dev.results[1].reports[0]) {
		t.Fatalf("repeated inspect produced different reports")
	}
	if !dev.accepts[0] || !dev.accepts[1] {
		t.Fatalf("valid inspects must be accepted")
	}
	if dev.accepts[2] || statusOf(t, dev.results[2].reports[0]) != proto.StatusInvalidRequest {
		t.Fatalf("inspect with payload must be reported invalid and rejected")
	}
	if !l.Balance().Equal(be256.FromUint64(42)) {
		t.Fatalf("inspect changed the balance")
	}
}

func TestVoucherFailureKeepsFunds(t *testing.T) {
	dev := &fakeDevice{inputs: []input{withdraw(0)}, voucherErr: errors.New("voucher refused")}
	lp, l, _, m := newTestLoop(t, dev, 50)
	_ = lp.Run(context.Background())
	if dev.accepts[0] {
		t.Fatalf("failed withdraw must be rejected")
	}
	if statusOf(t, dev.results[0].reports[0]) != proto.StatusWithdrawVoucherFailed {
		t.Fatalf("expected WITHDRAW_VOUCHER_FAILED")
	}
	if !l.Balance().Equal(be256.FromUint64(50)) {
		t.Fatalf("funds lost: %s", l.Balance())
	}
	if m.Snapshot().DeviceErrors["EMIT_VOUCHER"] != 1 {
		t.Fatalf("expected voucher device error to be counted")
	}
}

func TestReportFailureRejectsDeposit(t *testing.T) {
	dev := &fakeDevice{inputs: []input{deposit(0, 5)}, reportErr: errors.New("report refused")}
	lp, l, st, _ := newTestLoop(t, dev, 1)
	_ = lp.Run(context.Background())
	if dev.accepts[0] {
		t.Fatalf("deposit without a success report must be rejected")
	}
	if !l.Balance().Equal(be256.FromUint64(1)) || !st.balance.Equal(be256.FromUint64(1)) {
		t.Fatalf("balance committed despite output failure")
	}
}

func TestFlushFailureRejectsWithoutSuccess(t *testing.T) {
	dev := &fakeDevice{inputs: []input{deposit(0, 4)}}
	lp, l, st, m := newTestLoop(t, dev, 3)
	st.failNext = true
	_ = lp.Run(context.Background())
	if dev.accepts[0] {
		t.Fatalf("deposit whose flush failed must be rejected")
	}
	if len(dev.results[0].reports) != 0 {
		t.Fatalf("expected no report for an unpersisted deposit, got %d", len(dev.results[0].reports))
	}
	if !l.Balance().Equal(be256.FromUint64(3)) || !st.balance.Equal(be256.FromUint64(3)) {
		t.Fatalf("expected balance 3 kept, got %s / %s", l.Balance(), st.balance)
	}
	snap := m.Snapshot()
	if snap.Statuses["SUCCESS"] != 0 || snap.Statuses["FLUSH_FAILED"] != 1 {
		t.Fatalf("unexpected status counts: %v", snap.Statuses)
	}
}

func TestPayloadLengthMismatchRejects(t *testing.T) {
	in := deposit(0, 5)
	in.announced = 3
	dev := &fakeDevice{inputs: []input{in}}
	lp, l, _, _ := newTestLoop(t, dev, 0)
	if err := lp.Step(context.Background()); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}
	if lp.Accept() {
		t.Fatalf("mismatched request must be rejected")
	}
	_ = lp.Step(context.Background())
	if len(dev.results[0].reports) != 0 || !l.Balance().IsZero() {
		t.Fatalf("transport failure must not report or mutate")
	}
}

func TestReadFailureRejectsAndContinues(t *testing.T) {
	dev := &fakeDevice{inputs: []input{deposit(0, 5), inspect(nil)}, readErr: errors.New("short read")}
	lp, _, _, _ := newTestLoop(t, dev, 0)
	if err := lp.Step(context.Background()); err == nil {
		t.Fatalf("expected read error")
	}
	dev.readErr = nil
	if err := lp.Step(context.Background()); err != nil {
		t.Fatalf("loop should continue after a read error: %v", err)
	}
	if dev.accepts[0] || !lp.Accept() {
		t.Fatalf("expected reject for the failed read and accept for the inspect")
	}
}

func TestUnknownKindRejects(t *testing.T) {
	dev := &fakeDevice{inputs: []input{{kind: proto.RequestKind(9), announced: -1}}}
	lp, _, _, _ := newTestLoop(t, dev, 0)
	if err := lp.Step(context.Background()); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if lp.Accept() {
		t.Fatalf("unknown kind must be rejected")
	}
}

func TestRunRetriesFinishAndStopsOnCancel(t *testing.T) {
	dev := &fakeDevice{inputs: []input{inspect(nil)}, finishErr: errors.New("transient")}
	lp, _, _, m := newTestLoop(t, dev, 0)
	if err := lp.Run(context.Background()); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("expected ErrDeviceClosed after retry, got %v", err)
	}
	if len(dev.results) != 1 || !dev.accepts[0] {
		t.Fatalf("expected the inspect to complete after the retried finish")
	}
	if m.Snapshot().DeviceErrors["FINISH"] != 1 {
		t.Fatalf("expected one finish error counted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	blocked := &fakeDevice{finishErr: errors.New("down")}
	lp, _, _, _ = newTestLoop(t, blocked, 0)
	if err := lp.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
