package realtime

import (
	"encoding/json"

	"github.com/inline-chat/inline-sub015/wire"
)

// EventType tags the client event stream consumed by the UI layer.
type EventType string

const (
	// EventConnecting fires when the client (re)enters the connecting state.
	EventConnecting EventType = "connecting"
	// EventOpen fires once the server confirms the connection.
	EventOpen EventType = "open"
	// EventUpdates carries a pushed update batch.
	EventUpdates EventType = "updates"
	// EventRPCResult mirrors an RPC resolution onto the event stream.
	EventRPCResult EventType = "rpcResult"
	// EventRPCError mirrors an RPC rejection onto the event stream.
	EventRPCError EventType = "rpcError"
	// EventAck confirms the server received a client message.
	EventAck EventType = "ack"
)

// Event is one entry of the client's ordered event stream.
type Event struct {
	Type EventType
	// Updates is set for EventUpdates.
	Updates []wire.Update
	// MsgID correlates ack/rpcResult/rpcError events with the client message.
	MsgID uint64
	// Result is set for EventRPCResult.
	Result json.RawMessage
	// Err is set for EventRPCError.
	Err *RPCError
}
