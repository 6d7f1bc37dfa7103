package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"honeypot/internal/be256"
)

// RequestKind classifies the request announced by a finish call.
type RequestKind uint8

const (
	KindAdvance RequestKind = 0
	KindInspect RequestKind = 1
)

func (k RequestKind) String() string {
	switch k {
	case KindAdvance:
		return "advance"
	case KindInspect:
		return "inspect"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// NextRequest is what the host announces when it releases a finish call.
type NextRequest struct {
	Kind       RequestKind
	PayloadLen uint32
}

type AdvanceMetadata struct {
	Sender      common.Address
	BlockNumber uint64
	Timestamp   uint64
	EpochIndex  uint64
	InputIndex  uint64
}

const advanceMetadataSize = AddressSize + 4*8

type Advance struct {
	Metadata AdvanceMetadata
	Payload  []byte
}

type Inspect struct {
	Payload []byte
}

type DeviceOp uint8

const (
	OpFinish      DeviceOp = 1
	OpReadAdvance DeviceOp = 2
	OpReadInspect DeviceOp = 3
	OpEmitReport  DeviceOp = 4
	OpEmitVoucher DeviceOp = 5
)

var opNames = map[DeviceOp]string{
	OpFinish:      "FINISH",
	OpReadAdvance: "READ_ADVANCE",
	OpReadInspect: "READ_INSPECT",
	OpEmitReport:  "EMIT_REPORT",
	OpEmitVoucher: "EMIT_VOUCHER",
}

func (op DeviceOp) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(op))
}

// DeviceRequest is a call from the dapp to the host. Only the fields used by
// Op are encoded.
type DeviceRequest struct {
	Op          DeviceOp
	Accept      bool
	Destination common.Address
	Value       be256.Amount
	Payload     []byte
}

func (r DeviceRequest) Encode() []byte {
	switch r.Op {
	case OpFinish:
		b := []byte{byte(r.Op), 0}
		if r.Accept {
			b[1] = 1
		}
		return b
	case OpEmitReport:
		b := make([]byte, 0, 1+len(r.Payload))
		b = append(b, byte(r.Op))
		return append(b, r.Payload...)
	case OpEmitVoucher:
		b := make([]byte, 0, 1+AddressSize+be256.Size+len(r.Payload))
		b = append(b, byte(r.Op))
		b = append(b, r.Destination[:]...)
		b = append(b, r.Value[:]...)
		return append(b, r.Payload...)
	default:
		return []byte{byte(r.Op)}
	}
}

func DecodeDeviceRequest(b []byte) (DeviceRequest, error) {
	if len(b) == 0 {
		return DeviceRequest{}, fmt.Errorf("empty device request")
	}
	r := DeviceRequest{Op: DeviceOp(b[0])}
	body := b[1:]
	switch r.Op {
	case OpFinish:
		if len(body) != 1 || body[0] > 1 {
			return DeviceRequest{}, fmt.Errorf("malformed finish request")
		}
		r.Accept = body[0] == 1
	case OpReadAdvance, OpReadInspect:
		if len(body) != 0 {
			return DeviceRequest{}, fmt.Errorf("unexpected body for %s", r.Op)
		}
	case OpEmitReport:
		r.Payload = cloneBytes(body)
	case OpEmitVoucher:
		if len(body) < AddressSize+be256.Size {
			return DeviceRequest{}, fmt.Errorf("short voucher request")
		}
		copy(r.Destination[:], body[:AddressSize])
		copy(r.Value[:], body[AddressSize:AddressSize+be256.Size])
		r.Payload = cloneBytes(body[AddressSize+be256.Size:])
	default:
		return DeviceRequest{}, fmt.Errorf("unknown device op %d", b[0])
	}
	if len(r.Payload) > MaxPayloadSize {
		return DeviceRequest{}, fmt.Errorf("%w: output payload of %d bytes", ErrPayloadSize, len(r.Payload))
	}
	return r, nil
}

const (
	replyOK    byte = 0
	replyError byte = 1
)

// DeviceReply is the host's answer to a DeviceRequest. Err set means the
// call failed on the host side; the other fields are then unset.
type DeviceReply struct {
	Err         string
	Next        NextRequest
	Advance     Advance
	Payload     []byte
	OutputIndex uint64
}

func EncodeDeviceReply(op DeviceOp, r DeviceReply) []byte {
	if r.Err != "" {
		b := make([]byte, 0, 1+len(r.Err))
		b = append(b, replyError)
		return append(b, r.Err...)
	}
	switch op {
	case OpFinish:
		b := make([]byte, 6)
		b[0] = replyOK
		b[1] = byte(r.Next.Kind)
		binary.BigEndian.PutUint32(b[2:], r.Next.PayloadLen)
		return b
	case OpReadAdvance:
		m := r.Advance.Metadata
		b := make([]byte, 1+advanceMetadataSize, 1+advanceMetadataSize+len(r.Advance.Payload))
		b[0] = replyOK
		off := 1
		copy(b[off:], m.Sender[:])
		off += AddressSize
		for _, v := range []uint64{m.BlockNumber, m.Timestamp, m.EpochIndex, m.InputIndex} {
			binary.BigEndian.PutUint64(b[off:], v)
			off += 8
		}
		return append(b, r.Advance.Payload...)
	case OpReadInspect:
		b := make([]byte, 0, 1+len(r.Payload))
		b = append(b, replyOK)
		return append(b, r.Payload...)
	case OpEmitVoucher:
		b := make([]byte, 9)
		b[0] = replyOK
		binary.BigEndian.PutUint64(b[1:], r.OutputIndex)
		return b
	default:
		return []byte{replyOK}
	}
}

func DecodeDeviceReply(op DeviceOp, b []byte) (DeviceReply, error) {
	if len(b) == 0 {
		return DeviceReply{}, fmt.Errorf("empty device reply")
	}
	switch b[0] {
	case replyOK:
	case replyError:
		msg := string(b[1:])
		if msg == "" {
			msg = "unspecified host error"
		}
		return DeviceReply{Err: msg}, nil
	default:
		return DeviceReply{}, fmt.Errorf("unknown reply code %d", b[0])
	}
	body := b[1:]
	var r DeviceReply
	switch op {
	case OpFinish:
		if len(body) != 5 {
			return DeviceReply{}, fmt.Errorf("malformed finish reply")
		}
		r.Next.Kind = RequestKind(body[0])
		r.Next.PayloadLen = binary.BigEndian.Uint32(body[1:])
	case OpReadAdvance:
		if len(body) < advanceMetadataSize {
			return DeviceReply{}, fmt.Errorf("short advance reply")
		}
		m := &r.Advance.Metadata
		copy(m.Sender[:], body[:AddressSize])
		off := AddressSize
		m.BlockNumber = binary.BigEndian.Uint64(body[off:])
		m.Timestamp = binary.BigEndian.Uint64(body[off+8:])
		m.EpochIndex = binary.BigEndian.Uint64(body[off+16:])
		m.InputIndex = binary.BigEndian.Uint64(body[off+24:])
		r.Advance.Payload = cloneBytes(body[advanceMetadataSize:])
	case OpReadInspect:
		r.Payload = cloneBytes(body)
	case OpEmitReport:
		if len(body) != 0 {
			return DeviceReply{}, fmt.Errorf("malformed report reply")
		}
	case OpEmitVoucher:
		if len(body) != 8 {
			return DeviceReply{}, fmt.Errorf("malformed voucher reply")
		}
		r.OutputIndex = binary.BigEndian.Uint64(body)
	default:
		return DeviceReply{}, fmt.Errorf("unknown device op %d", uint8(op))
	}
	return r, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
