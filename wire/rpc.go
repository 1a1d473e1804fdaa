package wire

import "fmt"

// RPCErrorCode is the application-level error code carried by RPCError.
type RPCErrorCode int

const (
	RPCErrBadRequest          RPCErrorCode = 1
	RPCErrNotAuthenticated    RPCErrorCode = 2
	RPCErrRateLimited         RPCErrorCode = 3
	RPCErrInternal            RPCErrorCode = 4
	RPCErrInvalidPeer         RPCErrorCode = 5
	RPCErrInvalidMessageID    RPCErrorCode = 6
	RPCErrInvalidUserID       RPCErrorCode = 7
	RPCErrAlreadyMember       RPCErrorCode = 8
	RPCErrInvalidSpaceID      RPCErrorCode = 9
	RPCErrInvalidChatID       RPCErrorCode = 10
	RPCErrInvalidEmail        RPCErrorCode = 11
	RPCErrInvalidPhone        RPCErrorCode = 12
	RPCErrSpaceAdminRequired  RPCErrorCode = 13
	RPCErrSpaceOwnerRequired  RPCErrorCode = 14
)

// Label returns a short human-readable description for the code.
func (c RPCErrorCode) Label() string {
	switch c {
	case RPCErrBadRequest:
		return "Bad request"
	case RPCErrNotAuthenticated:
		return "Not authenticated"
	case RPCErrRateLimited:
		return "Rate limited"
	case RPCErrInternal:
		return "Internal server error"
	case RPCErrInvalidPeer:
		return "Invalid peer (chat/user id)"
	case RPCErrInvalidMessageID:
		return "Invalid message id"
	case RPCErrInvalidUserID:
		return "Invalid user id"
	case RPCErrAlreadyMember:
		return "User already in chat/space"
	case RPCErrInvalidSpaceID:
		return "Invalid space id"
	case RPCErrInvalidChatID:
		return "Invalid chat id"
	case RPCErrInvalidEmail:
		return "Invalid email address"
	case RPCErrInvalidPhone:
		return "Invalid phone number"
	case RPCErrSpaceAdminRequired:
		return "Space admin required"
	case RPCErrSpaceOwnerRequired:
		return "Space owner required"
	default:
		return "Unknown RPC error"
	}
}

// Format renders the error code with the server message and optional status
// code the way the CLI presents RPC failures.
func (c RPCErrorCode) Format(message string, statusCode int) string {
	label := c.Label()
	out := label
	if message != "" && message != label {
		out += ": " + message
	}
	if statusCode != 0 {
		out += fmt.Sprintf(" (HTTP %d)", statusCode)
	}
	return out
}

// RPC method names.
const (
	MethodSendMessage    = "sendMessage"
	MethodEditMessage    = "editMessage"
	MethodDeleteMessages = "deleteMessages"
	MethodAddReaction    = "addReaction"
	MethodRemoveReaction = "removeReaction"
	MethodReadMaxID      = "readMaxId"
	MethodGetUpdates     = "getUpdates"
)

// SendMessageInput is the input for the sendMessage method.
type SendMessageInput struct {
	// PeerID addresses the target conversation.
	PeerID Peer `json:"peerId"`
	// RandomID is the client-generated id for optimistic reconciliation.
	RandomID int64 `json:"randomId"`
	// Text is the message body.
	Text string `json:"text"`
	// ReplyToMsgID references the replied-to message, if any.
	ReplyToMsgID *int64 `json:"replyToMsgId,omitempty"`
}

// SendMessageResult is the output for the sendMessage method, encoded for the
// calling user.
type SendMessageResult struct {
	Message Message `json:"message"`
}

// EditMessageInput is the input for the editMessage method.
type EditMessageInput struct {
	PeerID    Peer   `json:"peerId"`
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
}

// EditMessageResult is the output for the editMessage method.
type EditMessageResult struct {
	Message Message `json:"message"`
}

// DeleteMessagesInput is the input for the deleteMessages method.
type DeleteMessagesInput struct {
	PeerID     Peer    `json:"peerId"`
	MessageIDs []int64 `json:"messageIds"`
}

// DeleteMessagesResult is the output for the deleteMessages method.
type DeleteMessagesResult struct {
	DeletedCount int `json:"deletedCount"`
}

// ReactionInput is the input for addReaction and removeReaction.
type ReactionInput struct {
	PeerID    Peer   `json:"peerId"`
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// ReactionResult is the output for addReaction and removeReaction.
type ReactionResult struct {
	Success bool `json:"success"`
}

// ReadMaxIDInput is the input for the readMaxId method.
type ReadMaxIDInput struct {
	PeerID    Peer  `json:"peerId"`
	ReadMaxID int64 `json:"readMaxId"`
}

// ReadMaxIDResult is the output for the readMaxId method.
type ReadMaxIDResult struct {
	UnreadCount int `json:"unreadCount"`
}

// GetUpdatesInput is the input for the getUpdates catch-up method. Keys of
// LastSeqByBucket use BucketRef.Key form ("user:42").
type GetUpdatesInput struct {
	LastSeqByBucket map[string]int64 `json:"lastSeqByBucket"`
	// Limit caps updates returned per bucket (server clamps to its max).
	Limit int `json:"limit,omitempty"`
}

// GetUpdatesResult is the output for the getUpdates method.
type GetUpdatesResult struct {
	// Updates is the missed update batch, per-bucket seq ordered.
	Updates []Update `json:"updates"`
	// HasMore is true when at least one bucket was truncated at the limit.
	HasMore bool `json:"hasMore"`
}
