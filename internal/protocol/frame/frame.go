package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	FixedHeaderLen = 16
	Magic          uint32 = 0x4E464C57 // "NFLW"
	Version        uint16 = 1

	// FlagHello marks the first frame on a connection; its payload is the
	// sender id.
	FlagHello uint16 = 0x01
	// FlagEndOfStream tells the receiver the sender has finished.
	FlagEndOfStream uint16 = 0x02
	// FlagAccept answers a hello. The payload is the receiver's max payload
	// size as a u64.
	FlagAccept uint16 = 0x04
	// FlagReject answers a hello the receiver refuses. The payload is the
	// reason.
	FlagReject uint16 = 0x08

	controlFlags = FlagHello | FlagEndOfStream | FlagAccept | FlagReject
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrShortPayload       = errors.New("frame: short payload")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrMalformedAccept    = errors.New("frame: malformed accept")
)

// Header is the fixed wire header. PayloadLen is the length prefix.
type Header struct {
	Magic      uint32
	Version    uint16
	Flags      uint16
	PayloadLen uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// IsControl reports whether f carries a control flag instead of data.
func (f Frame) IsControl() bool {
	return f.Header.Flags&controlFlags != 0
}

// AcceptFrame builds the reply to an admitted hello.
func AcceptFrame(maxPayload uint64) Frame {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, maxPayload)
	return Frame{Header: Header{Flags: FlagAccept}, Payload: payload}
}

func RejectFrame(reason string) Frame {
	return Frame{Header: Header{Flags: FlagReject}, Payload: []byte(reason)}
}

// ParseAccept returns the max payload size carried by an accept frame.
func ParseAccept(f Frame) (uint64, error) {
	if f.Header.Flags&FlagAccept == 0 || len(f.Payload) != 8 {
		return 0, fmt.Errorf("%w: flags=%#x len=%d", ErrMalformedAccept, f.Header.Flags, len(f.Payload))
	}
	maxPayload := binary.BigEndian.Uint64(f.Payload)
	if maxPayload == 0 {
		return 0, fmt.Errorf("%w: zero max payload", ErrMalformedAccept)
	}
	return maxPayload, nil
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 100 * 1024 * 1024,
	}
}

// ReadFrame reads exactly one frame, accumulating partial reads until the
// length prefix is satisfied. A clean close before any header byte returns
// io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if n, err := io.ReadFull(r, fixed[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload as one vectored write. The payload is
// not retained.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payloadLen, limits.MaxPayloadBytes)
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = payloadLen

	bufs := net.Buffers{EncodeHeader(h)}
	if payloadLen > 0 {
		bufs = append(bufs, f.Payload)
	}
	want := int64(FixedHeaderLen) + int64(payloadLen)
	n, err := bufs.WriteTo(w)
	if err != nil {
		return err
	}
	if n != want {
		return io.ErrShortWrite
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		PayloadLen: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}
