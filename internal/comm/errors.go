package comm

import (
	"errors"
	"fmt"

	"github.com/danmuck/flowlink/internal/protocol/session"
)

var (
	ErrBind            = errors.New("comm: bind failed")
	ErrConnect         = errors.New("comm: connect failed")
	ErrNotConnected    = errors.New("comm: not connected")
	ErrMessageTooLarge = errors.New("comm: message too large")
	ErrBufferTooSmall  = errors.New("comm: buffer too small")
	ErrClosed          = errors.New("comm: closed")
	ErrCancelled       = errors.New("comm: cancelled")
	ErrTransferFailed  = errors.New("comm: transfer failed")
	ErrLifecycleOrder  = errors.New("comm: invalid lifecycle transition")
	ErrRole            = errors.New("comm: operation not valid for role")
	ErrUnknownKind     = errors.New("comm: unknown communicator kind")

	ErrInvalidConfig = session.ErrInvalidConfig

	errUnexpectedSender = errors.New("comm: unexpected sender")
	errRejected         = errors.New("comm: rejected by receiver")
)

// BufferTooSmallError reports the size a Receive buffer must have to take
// the next frame. The frame stays queued.
type BufferTooSmallError struct {
	Need int
	Have int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("%v: need %d bytes, have %d", ErrBufferTooSmall, e.Need, e.Have)
}

func (e *BufferTooSmallError) Unwrap() error {
	return ErrBufferTooSmall
}
