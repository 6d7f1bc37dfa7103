package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"
	quic "github.com/quic-go/quic-go"

	"honeypot/internal/be256"
	"honeypot/internal/proto"
	"honeypot/internal/rollup"
)

var log = logging.MustGetLogger("network")

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
	defaultCallTimeout   = 10 * time.Second
)

// ErrRemote wraps an error message sent back by the host.
var ErrRemote = errors.New("host error")

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type DialOptions struct {
	Insecure bool
	CAPath   string
	// Timeout bounds every call except Finish, which waits for the next
	// input for as long as ctx allows.
	Timeout time.Duration
}

// Device is a rollup.Device speaking the device link protocol over a single
// QUIC stream.
type Device struct {
	addr    string
	conn    *quic.Conn
	stream  *quic.Stream
	timeout time.Duration

	mu        sync.Mutex
	broken    error
	closeOnce sync.Once
}

var _ rollup.Device = (*Device)(nil)

func Dial(ctx context.Context, addr string, opts DialOptions) (*Device, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	log.Infof("action: dial | result: success | addr: %s", addr)
	return &Device{addr: addr, conn: conn, stream: stream, timeout: timeout}, nil
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		_ = d.stream.Close()
		err = d.conn.CloseWithError(0, "device closed")
	})
	return err
}

// call performs one request/reply exchange. Transport failures leave the
// stream out of step, so they close the device for good.
func (d *Device) call(ctx context.Context, req proto.DeviceRequest) (proto.DeviceReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken != nil {
		return proto.DeviceReply{}, d.broken
	}
	if req.Op != proto.OpFinish {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.stream.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = d.stream.SetDeadline(time.Time{})
	}()

	if err := proto.WriteFrame(d.stream, req.Encode()); err != nil {
		return proto.DeviceReply{}, d.fail(ctx, req.Op, err)
	}
	frame, err := proto.ReadFrame(d.stream)
	if err != nil {
		return proto.DeviceReply{}, d.fail(ctx, req.Op, err)
	}
	reply, err := proto.DecodeDeviceReply(req.Op, frame)
	if err != nil {
		return proto.DeviceReply{}, d.fail(ctx, req.Op, err)
	}
	if reply.Err != "" {
		return proto.DeviceReply{}, fmt.Errorf("%s: %w: %s", req.Op, ErrRemote, reply.Err)
	}
	return reply, nil
}

func (d *Device) fail(ctx context.Context, op proto.DeviceOp, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	d.broken = fmt.Errorf("%w: %s: %s failed: %v", rollup.ErrDeviceClosed, d.addr, op, err)
	log.Errorf("action: device_call | result: fail | op: %s | error: %v", op, err)
	_ = d.conn.CloseWithError(1, op.String()+" failed")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return d.broken
}

func (d *Device) Finish(ctx context.Context, accept bool) (proto.NextRequest, error) {
	reply, err := d.call(ctx, proto.DeviceRequest{Op: proto.OpFinish, Accept: accept})
	if err != nil {
		return proto.NextRequest{}, err
	}
	return reply.Next, nil
}

func (d *Device) ReadAdvance(ctx context.Context) (proto.Advance, error) {
	reply, err := d.call(ctx, proto.DeviceRequest{Op: proto.OpReadAdvance})
	if err != nil {
		return proto.Advance{}, err
	}
	return reply.Advance, nil
}

func (d *Device) ReadInspect(ctx context.Context) (proto.Inspect, error) {
	reply, err := d.call(ctx, proto.DeviceRequest{Op: proto.OpReadInspect})
	if err != nil {
		return proto.Inspect{}, err
	}
	return proto.Inspect{Payload: reply.Payload}, nil
}

func (d *Device) EmitReport(ctx context.Context, payload []byte) error {
	_, err := d.call(ctx, proto.DeviceRequest{Op: proto.OpEmitReport, Payload: payload})
	return err
}

func (d *Device) EmitVoucher(ctx context.Context, destination common.Address, value be256.Amount, payload []byte) (uint64, error) {
	reply, err := d.call(ctx, proto.DeviceRequest{
		Op:          proto.OpEmitVoucher,
		Destination: destination,
		Value:       value,
		Payload:     payload,
	})
	if err != nil {
		return 0, err
	}
	return reply.OutputIndex, nil
}
