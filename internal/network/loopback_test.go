package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"honeypot/internal/be256"
	"honeypot/internal/debuglog"
	"honeypot/internal/ledger"
	"honeypot/internal/proto"
	"honeypot/internal/rollup"
)

var (
	testToken      = common.HexToAddress("0xc6e7DF5E7b4f2A278906862b61205850344D4e7d")
	testPortal     = common.HexToAddress("0x9C21AEb2093C32DDbC53eEF24B873BDCd1aDa1DB")
	testWithdrawal = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func init() {
	debuglog.Discard()
}

type memStore struct{ balance be256.Amount }

func (m *memStore) Load() (be256.Amount, error) { return m.balance, nil }
func (m *memStore) Save(b be256.Amount) error  { m.balance = b; return nil }

func startHost(t *testing.T, ctx context.Context) (*Host, string) {
	t.Helper()
	host := NewHost(HostOptions{})
	ready := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- host.Serve(ctx, "127.0.0.1:0", ready) }()
	select {
	case addr := <-ready:
		return host, addr.String()
	case err := <-errCh:
		t.Fatalf("serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("host did not start")
	}
	return nil, ""
}

func nextResult(t *testing.T, host *Host) Result {
	t.Helper()
	select {
	case r := <-host.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	return Result{}
}

func TestLoopbackLedgerSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	host, addr := startHost(t, ctx)

	dev, err := Dial(ctx, addr, DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dev.Close()

	l, err := ledger.New(ledger.Config{Token: testToken, Portal: testPortal, Withdrawal: testWithdrawal}, &memStore{})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan error, 1)
	go func() { loopDone <- rollup.NewLoop(dev, l, nil).Run(loopCtx) }()

	deposit := proto.DepositPayloadBytes(proto.DepositPayload{
		Status: proto.DepositSuccessful,
		Token:  testToken,
		Sender: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount: be256.FromUint64(100),
	})
	inputs := []Input{
		{Kind: proto.KindAdvance, Metadata: proto.AdvanceMetadata{Sender: testPortal, BlockNumber: 1}, Payload: deposit},
		{Kind: proto.KindInspect},
		{Kind: proto.KindAdvance, Metadata: proto.AdvanceMetadata{Sender: testWithdrawal, BlockNumber: 2}},
		{Kind: proto.KindAdvance, Metadata: proto.AdvanceMetadata{Sender: testWithdrawal, BlockNumber: 3}},
	}
	for _, in := range inputs {
		if err := host.Submit(ctx, in); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	r := nextResult(t, host)
	if !r.Accepted || r.Input.Metadata.InputIndex != 0 {
		t.Fatalf("deposit: expected accepted input 0, got %+v", r)
	}
	if s, _ := proto.DecodeAdvanceReport(r.Reports[0]); s != proto.StatusSuccess {
		t.Fatalf("deposit: expected SUCCESS, got %s", s)
	}

	r = nextResult(t, host)
	bal, err := proto.DecodeBalanceReport(r.Reports[0])
	if err != nil || !bal.Equal(be256.FromUint64(100)) || !r.Accepted {
		t.Fatalf("inspect: expected balance 100, got %s (%v)", bal, err)
	}

	r = nextResult(t, host)
	if !r.Accepted || len(r.Vouchers) != 1 || r.Input.Metadata.InputIndex != 1 {
		t.Fatalf("withdraw: expected accepted input 1 with a voucher, got %+v", r)
	}
	v := r.Vouchers[0]
	tr, err := proto.DecodeTransfer(v.Payload)
	if err != nil {
		t.Fatalf("decode voucher: %v", err)
	}
	if v.Destination != testToken || !v.Value.IsZero() || tr.Destination != testWithdrawal || !tr.Amount.Equal(be256.FromUint64(100)) {
		t.Fatalf("unexpected voucher %+v / %+v", v, tr)
	}

	r = nextResult(t, host)
	if r.Accepted || len(r.Vouchers) != 0 {
		t.Fatalf("second withdraw: expected rejection without voucher, got %+v", r)
	}
	if s, _ := proto.DecodeAdvanceReport(r.Reports[0]); s != proto.StatusWithdrawNoFunds {
		t.Fatalf("second withdraw: expected WITHDRAW_NO_FUNDS, got %s", s)
	}

	stopLoop()
	select {
	case err := <-loopDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from loop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop after cancel")
	}
}

func TestDeviceRemoteError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	host, addr := startHost(t, ctx)
	dev, err := Dial(ctx, addr, DialOptions{Insecure: true, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dev.Close()

	if err := host.Submit(ctx, Input{Kind: proto.KindInspect, Payload: []byte("q")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	next, err := dev.Finish(ctx, true)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if next.Kind != proto.KindInspect || next.PayloadLen != 1 {
		t.Fatalf("unexpected next request %+v", next)
	}
	if _, err := dev.ReadAdvance(ctx); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote reading an advance during inspect, got %v", err)
	}
	if _, err := dev.EmitVoucher(ctx, testToken, be256.Amount{}, []byte{1}); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote for a voucher during inspect, got %v", err)
	}
	in, err := dev.ReadInspect(ctx)
	if err != nil || string(in.Payload) != "q" {
		t.Fatalf("read inspect: %q %v", in.Payload, err)
	}
}

func TestDeviceClosedAfterHostStops(t *testing.T) {
	hostCtx, stopHost := context.WithCancel(context.Background())
	_, addr := startHost(t, hostCtx)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dev, err := Dial(ctx, addr, DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dev.Close()

	done := make(chan error, 1)
	go func() {
		_, err := dev.Finish(ctx, true)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	stopHost()
	select {
	case err := <-done:
		if !errors.Is(err, rollup.ErrDeviceClosed) {
			t.Fatalf("expected ErrDeviceClosed, got %v", err)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("finish did not return after host stopped")
	}
	if _, err := dev.Finish(ctx, true); !errors.Is(err, rollup.ErrDeviceClosed) {
		t.Fatalf("expected device to stay closed, got %v", err)
	}
}

// dialAndFinish redials until the host accepts a new session; the previous
// session may still hold the per-IP stream slot for a moment.
func dialAndFinish(t *testing.T, ctx context.Context, addr string) (*Device, proto.NextRequest) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		dev, err := Dial(ctx, addr, DialOptions{Timeout: time.Second})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		finishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		next, err := dev.Finish(finishCtx, true)
		cancel()
		if err == nil {
			return dev, next
		}
		dev.Close()
		if time.Now().After(deadline) {
			t.Fatalf("finish after redial: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUnfinishedInputIsRedelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	host, addr := startHost(t, ctx)

	deposit := proto.DepositPayloadBytes(proto.DepositPayload{
		Status: proto.DepositSuccessful,
		Token:  testToken,
		Amount: be256.FromUint64(7),
	})
	if err := host.Submit(ctx, Input{Kind: proto.KindAdvance, Metadata: proto.AdvanceMetadata{Sender: testPortal, BlockNumber: 4}, Payload: deposit}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	first, next := dialAndFinish(t, ctx, addr)
	if next.Kind != proto.KindAdvance {
		t.Fatalf("expected advance, got %+v", next)
	}
	if _, err := first.ReadAdvance(ctx); err != nil {
		t.Fatalf("read advance: %v", err)
	}
	if err := first.EmitReport(ctx, proto.AdvanceReport(proto.StatusSuccess)); err != nil {
		t.Fatalf("emit report: %v", err)
	}
	first.Close()

	second, next := dialAndFinish(t, ctx, addr)
	defer second.Close()
	if next.Kind != proto.KindAdvance || int(next.PayloadLen) != len(deposit) {
		t.Fatalf("expected the deposit again, got %+v", next)
	}
	adv, err := second.ReadAdvance(ctx)
	if err != nil {
		t.Fatalf("read advance after redial: %v", err)
	}
	if adv.Metadata.InputIndex != 0 || adv.Metadata.BlockNumber != 4 || string(adv.Payload) != string(deposit) {
		t.Fatalf("redelivered input differs: %+v", adv)
	}

	// Finishing it publishes one result, without the dropped report.
	go func() { _, _ = second.Finish(ctx, false) }()
	r := nextResult(t, host)
	if r.Accepted || len(r.Reports) != 0 || r.Input.Metadata.InputIndex != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	select {
	case r := <-host.Results():
		t.Fatalf("unexpected second result %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}
