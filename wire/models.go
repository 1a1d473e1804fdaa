package wire

// Peer addresses the other side of a conversation from one user's point of
// view: either another user (DM) or a chat thread.
type Peer struct {
	// UserID is set when the peer is another user (DM).
	UserID *int64 `json:"userId,omitempty"`
	// ChatID is set when the peer is a chat thread.
	ChatID *int64 `json:"chatId,omitempty"`
}

// UserPeer returns a peer addressing a user.
func UserPeer(userID int64) Peer {
	return Peer{UserID: &userID}
}

// ChatPeer returns a peer addressing a chat thread.
func ChatPeer(chatID int64) Peer {
	return Peer{ChatID: &chatID}
}

// IsUser reports whether the peer addresses a user.
func (p Peer) IsUser() bool { return p.UserID != nil }

// MediaKind tags the media variant attached to a message.
type MediaKind string

const (
	// MediaNone marks a plain text message.
	MediaNone MediaKind = ""
	// MediaNudge marks an emoji-only short message rendered as a nudge.
	MediaNudge MediaKind = "nudge"
	// MediaAttachment marks a message carrying a file attachment.
	MediaAttachment MediaKind = "attachment"
)

// Message is a chat message as seen by one recipient.
//
// PeerID and Out are recipient-dependent: the same message encoded for the
// sender has Out=true and PeerID pointing at the other party, while for the
// receiver Out=false and PeerID points back at the sender.
type Message struct {
	// ID is the server-assigned message id, unique per chat.
	ID int64 `json:"id"`
	// RandomID is the client-generated id used to reconcile optimistic sends.
	RandomID int64 `json:"randomId,omitempty"`
	// PeerID is the conversation peer from the recipient's point of view.
	PeerID Peer `json:"peerId"`
	// ChatID is the chat the message belongs to.
	ChatID int64 `json:"chatId"`
	// FromID is the sender's user id.
	FromID int64 `json:"fromId"`
	// Text is the message body.
	Text string `json:"text,omitempty"`
	// Media is the media variant ("" for plain text).
	Media MediaKind `json:"media,omitempty"`
	// Out is true when the recipient is the sender.
	Out bool `json:"out"`
	// Date is the send time in unix seconds.
	Date int64 `json:"date"`
	// EditDate is the last edit time in unix seconds, if edited.
	EditDate *int64 `json:"editDate,omitempty"`
	// ReplyToMsgID references the replied-to message, if any.
	ReplyToMsgID *int64 `json:"replyToMsgId,omitempty"`
}

// ChatType distinguishes DM chats from space threads.
type ChatType string

const (
	// ChatTypeDM is a direct chat between two users.
	ChatTypeDM ChatType = "dm"
	// ChatTypeThread is a thread inside a space.
	ChatTypeThread ChatType = "thread"
)

// Chat is a conversation container.
type Chat struct {
	// ID is the chat id.
	ID int64 `json:"id"`
	// Type is "dm" or "thread".
	Type ChatType `json:"type"`
	// SpaceID is the owning space for threads.
	SpaceID *int64 `json:"spaceId,omitempty"`
	// Title is the chat title (threads only).
	Title string `json:"title,omitempty"`
	// Public marks a thread visible to all space members.
	Public bool `json:"public,omitempty"`
}

// Dialog is one user's view of a conversation (read state, archive flag).
type Dialog struct {
	// PeerID addresses the conversation.
	PeerID Peer `json:"peerId"`
	// ChatID is the underlying chat id.
	ChatID int64 `json:"chatId"`
	// ReadMaxID is the highest message id the user has read.
	ReadMaxID int64 `json:"readMaxId"`
	// UnreadCount is the number of unread messages.
	UnreadCount int `json:"unreadCount"`
	// Archived marks the dialog as archived.
	Archived bool `json:"archived"`
	// Unread is the manual mark-unread flag.
	Unread bool `json:"unread,omitempty"`
}

// User is a chat participant.
type User struct {
	// ID is the user id.
	ID int64 `json:"id"`
	// Username is the unique handle.
	Username string `json:"username,omitempty"`
	// FirstName is the display first name.
	FirstName string `json:"firstName,omitempty"`
	// LastName is the display last name.
	LastName string `json:"lastName,omitempty"`
	// Online reports current presence.
	Online bool `json:"online,omitempty"`
	// LastOnline is the last presence change in unix seconds.
	LastOnline int64 `json:"lastOnline,omitempty"`
}

// Space is a team workspace containing threads and members.
type Space struct {
	// ID is the space id.
	ID int64 `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// CreatorID is the user who created the space.
	CreatorID int64 `json:"creatorId,omitempty"`
}

// Reaction is an emoji reaction on a message.
type Reaction struct {
	// ChatID is the chat containing the message.
	ChatID int64 `json:"chatId"`
	// MessageID is the reacted-to message.
	MessageID int64 `json:"messageId"`
	// UserID is the reacting user.
	UserID int64 `json:"userId"`
	// Emoji is the reaction emoji.
	Emoji string `json:"emoji"`
	// Date is the reaction time in unix seconds.
	Date int64 `json:"date"`
}
