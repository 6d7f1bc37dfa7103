package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	quic "github.com/quic-go/quic-go"

	"honeypot/internal/be256"
	"honeypot/internal/proto"
)

const (
	defaultQueueSize       = 64
	defaultMaxConnsPerIP   = 4
	defaultMaxStreamsPerIP = 1
)

// Input is one request queued on the host.
type Input struct {
	Kind     proto.RequestKind
	Metadata proto.AdvanceMetadata
	Payload  []byte
}

type Voucher struct {
	OutputIndex uint64
	Destination common.Address
	Value       be256.Amount
	Payload     []byte
}

// Result is published once the dapp finishes an input. Outputs of a
// rejected input are included so callers can tell what was discarded.
type Result struct {
	Input    Input
	Accepted bool
	Reports  [][]byte
	Vouchers []Voucher
}

type HostOptions struct {
	QueueSize       int
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

// Host is a development rollup host: it hands queued inputs to a dapp over
// QUIC and collects what the dapp emits for each of them.
type Host struct {
	inputs  chan Input
	results chan Result
	// redo holds inputs whose session ended before they were finished.
	// They are handed out ahead of new inputs.
	redo    chan Input
	limiter *ipLimiter

	mu         sync.Mutex
	nextInput  uint64
	nextOutput uint64
	conns      map[*quic.Conn]struct{}
}

func NewHost(opts HostOptions) *Host {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	return &Host{
		inputs:  make(chan Input, opts.QueueSize),
		results: make(chan Result, opts.QueueSize),
		redo:    make(chan Input, opts.QueueSize),
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		conns:   make(map[*quic.Conn]struct{}),
	}
}

// Submit queues in. Advance inputs get the next input index.
func (h *Host) Submit(ctx context.Context, in Input) error {
	if len(in.Payload) > proto.MaxPayloadSize {
		return fmt.Errorf("%w: input of %d bytes", proto.ErrPayloadSize, len(in.Payload))
	}
	if in.Kind == proto.KindAdvance {
		h.mu.Lock()
		in.Metadata.InputIndex = h.nextInput
		h.nextInput++
		h.mu.Unlock()
	}
	select {
	case h.inputs <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) Results() <-chan Result {
	return h.results
}

// Serve listens on addr until ctx is done. ready, if non-nil, receives the
// bound address once the listener is up.
func (h *Host) Serve(ctx context.Context, addr string, ready chan<- net.Addr) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		log.Errorf("action: listen | result: fail | addr: %s | error: %v", addr, err)
		return err
	}
	defer listener.Close()
	defer h.closeConns()
	log.Infof("action: listen | result: success | addr: %s", listener.Addr())
	if ready != nil {
		ready <- listener.Addr()
	}
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("action: accept | result: fail | error: %v", err)
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !h.limiter.acquireConn(ip) {
			log.Warningf("action: accept | result: rejected | reason: connection limit | ip: %s", ip)
			_ = conn.CloseWithError(2, "connection limit")
			continue
		}
		h.mu.Lock()
		h.conns[conn] = struct{}{}
		h.mu.Unlock()
		go func() {
			defer h.limiter.releaseConn(ip)
			h.handleConn(ctx, conn, ip)
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
		}()
	}
}

func (h *Host) closeConns() {
	h.mu.Lock()
	conns := make([]*quic.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, "host stopped")
	}
}

func (h *Host) handleConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debugf("action: accept_stream | result: done | ip: %s | reason: %v", ip, err)
			return
		}
		if !h.limiter.acquireStream(ip) {
			log.Warningf("action: accept_stream | result: rejected | reason: stream limit | ip: %s", ip)
			stream.CancelRead(2)
			stream.CancelWrite(2)
			continue
		}
		go func(s *quic.Stream) {
			defer h.limiter.releaseStream(ip)
			defer s.Close()
			if err := h.serveSession(ctx, conn.Context(), s); err != nil && !errors.Is(err, io.EOF) {
				log.Warningf("action: session | result: fail | ip: %s | error: %v", ip, err)
			}
		}(stream)
	}
}

type session struct {
	host    *Host
	current *Result
}

// serveSession answers device requests on one stream in lock step.
func (h *Host) serveSession(ctx, connCtx context.Context, rw io.ReadWriter) error {
	s := &session{host: h}
	defer s.requeue()
	for {
		frame, err := proto.ReadFrame(rw)
		if err != nil {
			return err
		}
		req, err := proto.DecodeDeviceRequest(frame)
		if err != nil {
			return fmt.Errorf("decode device request: %w", err)
		}
		reply, err := s.handle(ctx, connCtx, req)
		if err != nil {
			return err
		}
		if err := proto.WriteFrame(rw, proto.EncodeDeviceReply(req.Op, reply)); err != nil {
			return err
		}
	}
}

func (s *session) handle(ctx, connCtx context.Context, req proto.DeviceRequest) (proto.DeviceReply, error) {
	switch req.Op {
	case proto.OpFinish:
		if s.current != nil {
			s.current.Accepted = req.Accept
			select {
			case s.host.results <- *s.current:
			case <-ctx.Done():
				return proto.DeviceReply{}, ctx.Err()
			}
			s.current = nil
		}
		select {
		case in := <-s.host.redo:
			return s.start(in), nil
		default:
		}
		select {
		case in := <-s.host.redo:
			return s.start(in), nil
		case in := <-s.host.inputs:
			return s.start(in), nil
		case <-ctx.Done():
			return proto.DeviceReply{}, ctx.Err()
		case <-connCtx.Done():
			return proto.DeviceReply{}, io.EOF
		}
	case proto.OpReadAdvance:
		if s.current == nil || s.current.Input.Kind != proto.KindAdvance {
			return proto.DeviceReply{Err: "no advance request in progress"}, nil
		}
		in := s.current.Input
		return proto.DeviceReply{Advance: proto.Advance{Metadata: in.Metadata, Payload: in.Payload}}, nil
	case proto.OpReadInspect:
		if s.current == nil || s.current.Input.Kind != proto.KindInspect {
			return proto.DeviceReply{Err: "no inspect request in progress"}, nil
		}
		return proto.DeviceReply{Payload: s.current.Input.Payload}, nil
	case proto.OpEmitReport:
		if s.current == nil {
			return proto.DeviceReply{Err: "no request in progress"}, nil
		}
		s.current.Reports = append(s.current.Reports, req.Payload)
		return proto.DeviceReply{}, nil
	case proto.OpEmitVoucher:
		if s.current == nil || s.current.Input.Kind != proto.KindAdvance {
			return proto.DeviceReply{Err: "vouchers are only allowed while advancing"}, nil
		}
		s.host.mu.Lock()
		index := s.host.nextOutput
		s.host.nextOutput++
		s.host.mu.Unlock()
		s.current.Vouchers = append(s.current.Vouchers, Voucher{
			OutputIndex: index,
			Destination: req.Destination,
			Value:       req.Value,
			Payload:     req.Payload,
		})
		return proto.DeviceReply{OutputIndex: index}, nil
	default:
		return proto.DeviceReply{Err: fmt.Sprintf("unsupported op %s", req.Op)}, nil
	}
}

func (s *session) start(in Input) proto.DeviceReply {
	s.current = &Result{Input: in}
	return proto.DeviceReply{Next: proto.NextRequest{Kind: in.Kind, PayloadLen: uint32(len(in.Payload))}}
}

// requeue hands an unfinished input to the next session. Its outputs so far
// are dropped.
func (s *session) requeue() {
	if s.current == nil {
		return
	}
	in := s.current.Input
	s.current = nil
	select {
	case s.host.redo <- in:
		log.Warningf("action: session_end | result: requeued | kind: %s | input: %d", in.Kind, in.Metadata.InputIndex)
	default:
		log.Errorf("action: session_end | result: fail | reason: requeue full | kind: %s | input: %d", in.Kind, in.Metadata.InputIndex)
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
