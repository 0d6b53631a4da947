package skein

import (
	"errors"
)

var (
	ErrEmptyBuffer    = errors.New("wire: cannot send a zero-length buffer")
	ErrTruncatedMeta  = errors.New("wire: metadata blob is truncated")
	ErrBufferMismatch = errors.New("wire: buffer count does not match metadata trailer")

	ErrUnknownScheme     = errors.New("transport: unknown address scheme")
	ErrInvalidAddr       = errors.New("transport: invalid address")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrHandshake         = errors.New("transport: handshake failed")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrConnClosed        = errors.New("transport: connection closed")

	ErrUnknownPeer  = errors.New("sender: unknown peer id")
	ErrNotConnected = errors.New("sender: Connect has not been called")

	ErrNoSender      = errors.New("context: sender has not been initialized")
	ErrNoReceiver    = errors.New("context: receiver has not been initialized")
	ErrNoServerState = errors.New("context: server state has not been initialized")

	ErrFabricCompletion = errors.New("fabric: completion queue reported a fault")
)
