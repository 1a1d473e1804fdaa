package realtime

import (
	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/wire"
)

var (
	// ErrNotConnected rejects RPCs issued or in flight while the connection
	// is down.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrStopped rejects RPCs when the client has been stopped.
	ErrStopped = errors.New("realtime: client stopped")
	// ErrTimeout rejects RPCs the server never answered.
	ErrTimeout = errors.New("realtime: rpc timeout")
)

// RPCError is a typed server-side rejection of one RPC call.
type RPCError struct {
	Code       wire.RPCErrorCode
	Message    string
	StatusCode int
}

func (e *RPCError) Error() string {
	return e.Code.Format(e.Message, e.StatusCode)
}
