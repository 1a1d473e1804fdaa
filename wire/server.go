package wire

import (
	"encoding/json"
	"fmt"
)

// ServerMessageKind is the discriminator tag for server message bodies.
type ServerMessageKind string

const (
	ServerKindConnectionOpen  ServerMessageKind = "connectionOpen"
	ServerKindRPCResult       ServerMessageKind = "rpcResult"
	ServerKindRPCError        ServerMessageKind = "rpcError"
	ServerKindAck             ServerMessageKind = "ack"
	ServerKindMessage         ServerMessageKind = "message"
	ServerKindPong            ServerMessageKind = "pong"
	ServerKindConnectionError ServerMessageKind = "connectionError"
)

// ServerMessage is the envelope for every server-to-client frame.
type ServerMessage struct {
	// ID is the server-assigned frame id.
	ID uint64
	// Body is the typed message body.
	Body ServerBody
}

// ServerBody is implemented by all server message bodies.
type ServerBody interface {
	ServerKind() ServerMessageKind
}

// ConnectionOpen confirms a successful connection-init.
type ConnectionOpen struct{}

// RPCResult resolves an RPC call.
type RPCResult struct {
	// ReqMsgID is the id of the rpcCall this result answers.
	ReqMsgID uint64 `json:"reqMsgId"`
	// Result is the method-specific output payload.
	Result json.RawMessage `json:"result,omitempty"`
}

// RPCError rejects an RPC call with a typed application error.
type RPCError struct {
	// ReqMsgID is the id of the rpcCall this error answers.
	ReqMsgID uint64 `json:"reqMsgId"`
	// Code is the transport-level status code (HTTP-ish), if any.
	Code int `json:"code,omitempty"`
	// ErrorCode is the application error code (see RPCErrorCode).
	ErrorCode RPCErrorCode `json:"errorCode"`
	// Message is the server-provided error description.
	Message string `json:"message,omitempty"`
}

// Ack confirms receipt of a client message.
type Ack struct {
	// MsgID is the acknowledged client message id.
	MsgID uint64 `json:"msgId"`
}

// UpdatesPayload pushes a batch of sequenced updates.
type UpdatesPayload struct {
	// Updates is the ordered update batch.
	Updates []Update `json:"updates"`
}

// Pong answers a ping.
type Pong struct {
	// Nonce echoes the ping nonce.
	Nonce uint64 `json:"nonce"`
}

// ConnectionError signals an unrecoverable protocol error; the client must
// reconnect.
type ConnectionError struct {
	// Message optionally describes the failure.
	Message string `json:"message,omitempty"`
}

func (ConnectionOpen) ServerKind() ServerMessageKind  { return ServerKindConnectionOpen }
func (RPCResult) ServerKind() ServerMessageKind       { return ServerKindRPCResult }
func (RPCError) ServerKind() ServerMessageKind        { return ServerKindRPCError }
func (Ack) ServerKind() ServerMessageKind             { return ServerKindAck }
func (UpdatesPayload) ServerKind() ServerMessageKind  { return ServerKindMessage }
func (Pong) ServerKind() ServerMessageKind            { return ServerKindPong }
func (ConnectionError) ServerKind() ServerMessageKind { return ServerKindConnectionError }

type serverMessageJSON struct {
	ID uint64            `json:"id"`
	T  ServerMessageKind `json:"t"`

	ConnectionOpen  *ConnectionOpen  `json:"connectionOpen,omitempty"`
	RPCResult       *RPCResult       `json:"rpcResult,omitempty"`
	RPCError        *RPCError        `json:"rpcError,omitempty"`
	Ack             *Ack             `json:"ack,omitempty"`
	Message         *UpdatesPayload  `json:"message,omitempty"`
	Pong            *Pong            `json:"pong,omitempty"`
	ConnectionError *ConnectionError `json:"connectionError,omitempty"`
}

// MarshalJSON writes the envelope in its flat tagged form.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("server message has no body")
	}
	out := serverMessageJSON{ID: m.ID, T: m.Body.ServerKind()}
	switch b := m.Body.(type) {
	case ConnectionOpen:
		out.ConnectionOpen = &b
	case RPCResult:
		out.RPCResult = &b
	case RPCError:
		out.RPCError = &b
	case Ack:
		out.Ack = &b
	case UpdatesPayload:
		out.Message = &b
	case Pong:
		out.Pong = &b
	case ConnectionError:
		out.ConnectionError = &b
	default:
		return nil, fmt.Errorf("unknown server body %T", m.Body)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat tagged form back into a typed body.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var in serverMessageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.ID = in.ID
	switch in.T {
	case ServerKindConnectionOpen:
		m.Body = ConnectionOpen{}
	case ServerKindRPCResult:
		if in.RPCResult == nil {
			return fmt.Errorf("rpcResult missing payload")
		}
		m.Body = *in.RPCResult
	case ServerKindRPCError:
		if in.RPCError == nil {
			return fmt.Errorf("rpcError missing payload")
		}
		m.Body = *in.RPCError
	case ServerKindAck:
		if in.Ack == nil {
			return fmt.Errorf("ack missing payload")
		}
		m.Body = *in.Ack
	case ServerKindMessage:
		if in.Message == nil {
			return fmt.Errorf("message missing payload")
		}
		m.Body = *in.Message
	case ServerKindPong:
		if in.Pong == nil {
			return fmt.Errorf("pong missing payload")
		}
		m.Body = *in.Pong
	case ServerKindConnectionError:
		if in.ConnectionError == nil {
			m.Body = ConnectionError{}
		} else {
			m.Body = *in.ConnectionError
		}
	default:
		return fmt.Errorf("unknown server message kind %q", in.T)
	}
	return nil
}
