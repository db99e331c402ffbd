package signaling

import "errors"

var (
	ErrDuplicateIdentity = errors.New("signaling: duplicate identity")
	ErrTooManyClients    = errors.New("signaling: too many clients")
	ErrMalformedEnvelope = errors.New("signaling: malformed envelope")
	ErrConnClosed        = errors.New("signaling: connection not open")
	ErrSendQueueFull     = errors.New("signaling: send queue full")
	ErrServerClosed      = errors.New("signaling: server closed")
)
