package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"

	"honeypot/internal/be256"
	"honeypot/internal/ledger"
	"honeypot/internal/metrics"
	"honeypot/internal/proto"
)

var log = logging.MustGetLogger("rollup")

const finishRetryDelay = 200 * time.Millisecond

// flushFailedLabel stands in for the status of a request whose balance
// could not be persisted; it has no report code of its own.
const flushFailedLabel = "FLUSH_FAILED"

// Loop processes one request at a time. The accept flag starts true so the
// first finish call acknowledges nothing.
type Loop struct {
	dev     Device
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	accept  bool

	// SnapshotPath, when set, receives a metrics snapshot after every
	// request.
	SnapshotPath string
}

func NewLoop(dev Device, l *ledger.Ledger, m *metrics.Metrics) *Loop {
	if m != nil {
		m.SetBalance(l.Balance())
	}
	return &Loop{dev: dev, ledger: l, metrics: m, accept: true}
}

// Accept reports the flag that the next finish call will carry.
func (lp *Loop) Accept() bool {
	return lp.accept
}

// Run steps until ctx is cancelled or the device is closed. Any other error
// rejects the current request and the loop goes on.
func (lp *Loop) Run(ctx context.Context) error {
	log.Infof("action: loop_start | result: success | balance: %s", lp.ledger.Balance())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := lp.Step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrDeviceClosed) {
			log.Warningf("action: loop_stop | result: success | reason: %v", err)
			return err
		}
		var fe finishError
		if errors.As(err, &fe) {
			log.Errorf("action: finish | result: fail | accept: %t | error: %v", lp.accept, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(finishRetryDelay):
			}
			continue
		}
		log.Errorf("action: request | result: rejected | error: %v", err)
	}
}

type finishError struct{ err error }

func (e finishError) Error() string { return "finish: " + e.err.Error() }
func (e finishError) Unwrap() error { return e.err }

// Step runs one cycle: finish the previous request, read the next one and
// handle it. A returned error after a successful finish means the request
// was rejected without a state change.
func (lp *Loop) Step(ctx context.Context) error {
	next, err := lp.dev.Finish(ctx, lp.accept)
	if err != nil {
		if !errors.Is(err, ErrDeviceClosed) {
			lp.deviceError(proto.OpFinish)
		}
		return finishError{err: err}
	}
	// Until this cycle proves otherwise the request is rejected.
	lp.accept = false
	if lp.metrics != nil {
		lp.metrics.IncRequest(next.Kind.String())
	}

	req, err := ReadRequest(ctx, lp.dev, next)
	if err != nil {
		if next.Kind == proto.KindAdvance {
			lp.deviceError(proto.OpReadAdvance)
		} else if next.Kind == proto.KindInspect {
			lp.deviceError(proto.OpReadInspect)
		}
		lp.finished(next.Kind, 0, "", false)
		return err
	}

	out := &observedOutputs{dev: lp.dev, metrics: lp.metrics}
	var (
		status     proto.AdvanceStatus
		inputIndex uint64
	)
	switch r := req.(type) {
	case AdvanceRequest:
		inputIndex = r.InputIndex
		status, err = lp.handleAdvance(ctx, out, r)
	case InspectRequest:
		status, err = lp.ledger.Inspect(ctx, out, r.Payload)
	}
	lp.accept = err == nil && status == proto.StatusSuccess
	label := status.String()
	if errors.Is(err, ledger.ErrFlush) {
		label = flushFailedLabel
	}
	if lp.metrics != nil {
		lp.metrics.IncStatus(label)
		lp.metrics.SetBalance(lp.ledger.Balance())
	}
	lp.finished(req.Kind(), inputIndex, label, lp.accept)
	if err != nil {
		return fmt.Errorf("%s request: %w", req.Kind(), err)
	}
	return nil
}

func (lp *Loop) handleAdvance(ctx context.Context, out *observedOutputs, r AdvanceRequest) (proto.AdvanceStatus, error) {
	route := Classify(lp.ledger.Config(), r.Sender, len(r.Payload))
	log.Debugf("action: advance | result: in_progress | route: %s | sender: %s | input: %d | block: %d | epoch: %d | timestamp: %d | payload_len: %d",
		route, r.Sender.Hex(), r.InputIndex, r.BlockNumber, r.EpochIndex, r.Timestamp, len(r.Payload))
	switch route {
	case RouteDeposit:
		return lp.ledger.Deposit(ctx, out, r.Payload)
	case RouteWithdraw:
		return lp.ledger.Withdraw(ctx, out)
	default:
		log.Warningf("action: advance | result: rejected | reason: no route | sender: %s | payload_len: %d",
			r.Sender.Hex(), len(r.Payload))
		return lp.ledger.Reject(ctx, out, proto.StatusInvalidRequest)
	}
}

func (lp *Loop) finished(kind proto.RequestKind, inputIndex uint64, status string, accepted bool) {
	if lp.metrics == nil {
		return
	}
	lp.metrics.Finished(metrics.RequestHeader{
		Kind:       kind.String(),
		InputIndex: inputIndex,
		Status:     status,
		Accepted:   accepted,
	})
	if lp.SnapshotPath != "" {
		if err := lp.metrics.WriteSnapshot(lp.SnapshotPath); err != nil {
			log.Warningf("action: metrics_snapshot | result: fail | error: %v", err)
		}
	}
}

func (lp *Loop) deviceError(op proto.DeviceOp) {
	if lp.metrics != nil {
		lp.metrics.IncDeviceError(op.String())
	}
}

// observedOutputs counts vouchers and failed emissions.
type observedOutputs struct {
	dev     Device
	metrics *metrics.Metrics
}

func (o *observedOutputs) EmitReport(ctx context.Context, payload []byte) error {
	err := o.dev.EmitReport(ctx, payload)
	if err != nil && o.metrics != nil {
		o.metrics.IncDeviceError(proto.OpEmitReport.String())
	}
	return err
}

func (o *observedOutputs) EmitVoucher(ctx context.Context, destination common.Address, value be256.Amount, payload []byte) (uint64, error) {
	index, err := o.dev.EmitVoucher(ctx, destination, value, payload)
	if o.metrics != nil {
		if err != nil {
			o.metrics.IncDeviceError(proto.OpEmitVoucher.String())
		} else {
			o.metrics.IncVoucher()
		}
	}
	return index, err
}
