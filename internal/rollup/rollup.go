// Package rollup drives the request loop against a rollup device: finish the
// previous request, wait for the next one, route it to the ledger and carry
// the accept flag into the next cycle.
package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"honeypot/internal/be256"
	"honeypot/internal/ledger"
	"honeypot/internal/proto"
)

// ErrDeviceClosed is returned by a Device once it can no longer deliver
// requests. It ends Loop.Run.
var ErrDeviceClosed = errors.New("rollup device closed")

var ErrPayloadMismatch = errors.New("payload length does not match announced length")

// Device is the host side of the loop. Finish is the only call that blocks
// waiting for outside input.
type Device interface {
	Finish(ctx context.Context, accept bool) (proto.NextRequest, error)
	ReadAdvance(ctx context.Context) (proto.Advance, error)
	ReadInspect(ctx context.Context) (proto.Inspect, error)
	EmitReport(ctx context.Context, payload []byte) error
	EmitVoucher(ctx context.Context, destination common.Address, value be256.Amount, payload []byte) (uint64, error)
}

// Request is one of AdvanceRequest or InspectRequest.
type Request interface {
	Kind() proto.RequestKind
	isRequest()
}

type AdvanceRequest struct {
	proto.AdvanceMetadata
	Payload []byte
}

func (AdvanceRequest) Kind() proto.RequestKind { return proto.KindAdvance }
func (AdvanceRequest) isRequest()              {}

type InspectRequest struct {
	Payload []byte
}

func (InspectRequest) Kind() proto.RequestKind { return proto.KindInspect }
func (InspectRequest) isRequest()              {}

// Route is the ledger operation an advance request maps to.
type Route uint8

const (
	RouteInvalid Route = iota
	RouteDeposit
	RouteWithdraw
)

func (r Route) String() string {
	switch r {
	case RouteDeposit:
		return "deposit"
	case RouteWithdraw:
		return "withdraw"
	default:
		return "invalid"
	}
}

// Classify matches (sender, payload length) against the deposit and
// withdraw routes.
func Classify(cfg ledger.Config, sender common.Address, payloadLen int) Route {
	switch {
	case sender == cfg.Portal && payloadLen == proto.DepositPayloadSize:
		return RouteDeposit
	case sender == cfg.Withdrawal && payloadLen == 0:
		return RouteWithdraw
	default:
		return RouteInvalid
	}
}

// ReadRequest fetches the request announced by next and checks its payload
// against the announced length.
func ReadRequest(ctx context.Context, dev Device, next proto.NextRequest) (Request, error) {
	switch next.Kind {
	case proto.KindAdvance:
		adv, err := dev.ReadAdvance(ctx)
		if err != nil {
			return nil, fmt.Errorf("read advance: %w", err)
		}
		if len(adv.Payload) != int(next.PayloadLen) {
			return nil, fmt.Errorf("%w: advance announced %d bytes, read %d", ErrPayloadMismatch, next.PayloadLen, len(adv.Payload))
		}
		return AdvanceRequest{AdvanceMetadata: adv.Metadata, Payload: adv.Payload}, nil
	case proto.KindInspect:
		in, err := dev.ReadInspect(ctx)
		if err != nil {
			return nil, fmt.Errorf("read inspect: %w", err)
		}
		if len(in.Payload) != int(next.PayloadLen) {
			return nil, fmt.Errorf("%w: inspect announced %d bytes, read %d", ErrPayloadMismatch, next.PayloadLen, len(in.Payload))
		}
		return InspectRequest{Payload: in.Payload}, nil
	default:
		return nil, fmt.Errorf("unknown request kind %d", uint8(next.Kind))
	}
}
