package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientMessageTaggedForm(t *testing.T) {
	msg := ClientMessage{
		ID:  42,
		Seq: 7,
		Body: RPCCall{
			Method: MethodSendMessage,
			Input:  json.RawMessage(`{"text":"hi"}`),
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, "rpcCall", generic["t"])
	require.NotContains(t, generic, "ping")

	var back ClientMessage
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, uint64(42), back.ID)
	call, ok := back.Body.(RPCCall)
	require.True(t, ok)
	require.Equal(t, MethodSendMessage, call.Method)
}

func TestServerMessageConnectionOpenHasNoPayload(t *testing.T) {
	raw, err := json.Marshal(ServerMessage{ID: 1, Body: ConnectionOpen{}})
	require.NoError(t, err)

	var back ServerMessage
	require.NoError(t, json.Unmarshal(raw, &back))
	require.IsType(t, ConnectionOpen{}, back.Body)
}

func TestServerMessageUnknownKindRejected(t *testing.T) {
	var msg ServerMessage
	err := json.Unmarshal([]byte(`{"id":1,"t":"bogus"}`), &msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}

func TestUpdateRoundTripNewMessage(t *testing.T) {
	upd := Update{
		Bucket: UserBucket(9),
		Seq:    7,
		Date:   1700000000000,
		Payload: NewMessage{Message: Message{
			ID:     3,
			ChatID: 5,
			FromID: 9,
			PeerID: UserPeer(11),
			Text:   "hello",
			Out:    true,
			Date:   1700000000000,
		}},
	}

	raw, err := json.Marshal(upd)
	require.NoError(t, err)

	var back Update
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, upd.Bucket, back.Bucket)
	require.Equal(t, int64(7), back.Seq)
	nm, ok := back.Payload.(NewMessage)
	require.True(t, ok)
	require.True(t, nm.Message.Out)
	require.Equal(t, int64(11), *nm.Message.PeerID.UserID)
}

func TestUpdateMissingPayloadRejected(t *testing.T) {
	var upd Update
	err := json.Unmarshal([]byte(`{"bucket":{"kind":"user","id":1},"seq":1,"t":"newMessage"}`), &upd)
	require.Error(t, err)
}

func TestRPCErrorCodeFormat(t *testing.T) {
	require.Equal(t, "Invalid peer (chat/user id)", RPCErrInvalidPeer.Format("", 0))
	require.Equal(t, "Rate limited: slow down (HTTP 429)", RPCErrRateLimited.Format("slow down", 429))
	// A message repeating the label is not duplicated.
	require.Equal(t, "Bad request", RPCErrBadRequest.Format("Bad request", 0))
}
