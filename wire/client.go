package wire

import (
	"encoding/json"
	"fmt"
)

// ClientMessageKind is the discriminator tag for client message bodies.
type ClientMessageKind string

const (
	ClientKindConnectionInit ClientMessageKind = "connectionInit"
	ClientKindRPCCall        ClientMessageKind = "rpcCall"
	ClientKindPing           ClientMessageKind = "ping"
)

// ClientMessage is the envelope for every client-to-server frame.
//
// ID is unique per client process (timestamp-packed, strictly increasing) and
// Seq is a monotonic per-connection counter distinct from bucket seqs.
type ClientMessage struct {
	// ID is the client-generated message id.
	ID uint64
	// Seq is the per-connection message counter.
	Seq uint32
	// Body is the typed message body.
	Body ClientBody
}

// ClientBody is implemented by all client message bodies.
type ClientBody interface {
	ClientKind() ClientMessageKind
}

// ConnectionInit authenticates a freshly opened connection.
type ConnectionInit struct {
	// Token is the bearer auth token.
	Token string `json:"token"`
	// UserID is the user the token must belong to.
	UserID int64 `json:"userId"`
}

// RPCCall invokes a server method.
type RPCCall struct {
	// Method is the RPC method name.
	Method string `json:"method"`
	// Input is the method-specific input payload.
	Input json.RawMessage `json:"input,omitempty"`
}

// Ping probes connection liveness.
type Ping struct {
	// Nonce is a random 64-bit value echoed back in the pong.
	Nonce uint64 `json:"nonce"`
}

func (ConnectionInit) ClientKind() ClientMessageKind { return ClientKindConnectionInit }
func (RPCCall) ClientKind() ClientMessageKind        { return ClientKindRPCCall }
func (Ping) ClientKind() ClientMessageKind           { return ClientKindPing }

type clientMessageJSON struct {
	ID  uint64            `json:"id"`
	Seq uint32            `json:"seq"`
	T   ClientMessageKind `json:"t"`

	ConnectionInit *ConnectionInit `json:"connectionInit,omitempty"`
	RPCCall        *RPCCall        `json:"rpcCall,omitempty"`
	Ping           *Ping           `json:"ping,omitempty"`
}

// MarshalJSON writes the envelope in its flat tagged form.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("client message has no body")
	}
	out := clientMessageJSON{ID: m.ID, Seq: m.Seq, T: m.Body.ClientKind()}
	switch b := m.Body.(type) {
	case ConnectionInit:
		out.ConnectionInit = &b
	case RPCCall:
		out.RPCCall = &b
	case Ping:
		out.Ping = &b
	default:
		return nil, fmt.Errorf("unknown client body %T", m.Body)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat tagged form back into a typed body.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var in clientMessageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.ID = in.ID
	m.Seq = in.Seq
	switch in.T {
	case ClientKindConnectionInit:
		if in.ConnectionInit == nil {
			return fmt.Errorf("connectionInit missing payload")
		}
		m.Body = *in.ConnectionInit
	case ClientKindRPCCall:
		if in.RPCCall == nil {
			return fmt.Errorf("rpcCall missing payload")
		}
		m.Body = *in.RPCCall
	case ClientKindPing:
		if in.Ping == nil {
			return fmt.Errorf("ping missing payload")
		}
		m.Body = *in.Ping
	default:
		return fmt.Errorf("unknown client message kind %q", in.T)
	}
	return nil
}
