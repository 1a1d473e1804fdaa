package wire

import (
	"encoding/json"
	"fmt"
)

// UpdateKind is the discriminator tag for update payload variants.
type UpdateKind string

const (
	UpdateKindNewMessage               UpdateKind = "newMessage"
	UpdateKindEditMessage              UpdateKind = "editMessage"
	UpdateKindDeleteMessages           UpdateKind = "deleteMessages"
	UpdateKindUpdateMessageID          UpdateKind = "updateMessageId"
	UpdateKindChatVisibilityChanged    UpdateKind = "chatVisibilityChanged"
	UpdateKindChatInfoChanged          UpdateKind = "chatInfoChanged"
	UpdateKindPinnedMessagesChanged    UpdateKind = "pinnedMessagesChanged"
	UpdateKindChatDeleted              UpdateKind = "chatDeleted"
	UpdateKindReadMaxIDChanged         UpdateKind = "readMaxIdChanged"
	UpdateKindMarkUnread               UpdateKind = "markUnread"
	UpdateKindDialogArchived           UpdateKind = "dialogArchived"
	UpdateKindParticipantAdded         UpdateKind = "participantAdded"
	UpdateKindParticipantRemoved       UpdateKind = "participantRemoved"
	UpdateKindReactionAdded            UpdateKind = "reactionAdded"
	UpdateKindReactionRemoved          UpdateKind = "reactionRemoved"
	UpdateKindMessageAttachmentChanged UpdateKind = "messageAttachmentChanged"
	UpdateKindComposeAction            UpdateKind = "composeAction"
	UpdateKindUserStatusChanged        UpdateKind = "userStatusChanged"
	UpdateKindUserSettingsChanged      UpdateKind = "userSettingsChanged"
	UpdateKindSpaceMembershipChanged   UpdateKind = "spaceMembershipChanged"
)

// Update is a server-authoritative, seq-stamped record of one state change.
type Update struct {
	// Bucket is the sequencing domain the seq belongs to.
	Bucket BucketRef
	// Seq is the per-bucket sequence number.
	Seq int64
	// Date is the allocation time in unix milliseconds.
	Date int64
	// Payload is the typed update variant.
	Payload UpdatePayload
}

// UpdatePayload is implemented by all update variants.
type UpdatePayload interface {
	UpdateKind() UpdateKind
}

// NewMessage announces a message created in a chat.
type NewMessage struct {
	Message Message `json:"message"`
}

// EditMessage announces an edit to an existing message.
type EditMessage struct {
	Message Message `json:"message"`
}

// DeleteMessages announces removal of messages from a chat.
type DeleteMessages struct {
	ChatID     int64   `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
}

// UpdateMessageID reconciles a client-generated random id with the
// server-assigned message id.
type UpdateMessageID struct {
	ChatID    int64 `json:"chatId"`
	RandomID  int64 `json:"randomId"`
	MessageID int64 `json:"messageId"`
}

// ChatVisibilityChanged announces a chat becoming visible or hidden.
type ChatVisibilityChanged struct {
	ChatID  int64 `json:"chatId"`
	Visible bool  `json:"visible"`
}

// ChatInfoChanged carries the updated chat object after a title or
// settings change.
type ChatInfoChanged struct {
	Chat Chat `json:"chat"`
}

// PinnedMessagesChanged announces the new pinned set for a chat.
type PinnedMessagesChanged struct {
	ChatID     int64   `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
}

// ChatDeleted announces permanent removal of a chat.
type ChatDeleted struct {
	ChatID int64 `json:"chatId"`
}

// ReadMaxIDChanged announces a read-state advance for one dialog.
type ReadMaxIDChanged struct {
	ChatID      int64 `json:"chatId"`
	ReadMaxID   int64 `json:"readMaxId"`
	UnreadCount int   `json:"unreadCount"`
}

// MarkUnread announces the manual unread flag for one dialog.
type MarkUnread struct {
	ChatID int64 `json:"chatId"`
	Unread bool  `json:"unread"`
}

// DialogArchived announces the archive flag for one dialog.
type DialogArchived struct {
	ChatID   int64 `json:"chatId"`
	Archived bool  `json:"archived"`
}

// ParticipantAdded announces a user joining a chat.
type ParticipantAdded struct {
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

// ParticipantRemoved announces a user leaving a chat.
type ParticipantRemoved struct {
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

// ReactionAdded announces a new reaction on a message.
type ReactionAdded struct {
	Reaction Reaction `json:"reaction"`
}

// ReactionRemoved announces a reaction being withdrawn.
type ReactionRemoved struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	UserID    int64  `json:"userId"`
	Emoji     string `json:"emoji"`
}

// MessageAttachmentChanged announces an attachment mutation on a message.
type MessageAttachmentChanged struct {
	ChatID     int64           `json:"chatId"`
	MessageID  int64           `json:"messageId"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

// ComposeKind is a compose-state indicator ("typing", "uploading", "none").
type ComposeKind string

const (
	ComposeTyping    ComposeKind = "typing"
	ComposeUploading ComposeKind = "uploading"
	ComposeNone      ComposeKind = "none"
)

// ComposeAction announces a transient compose state for a user in a chat.
type ComposeAction struct {
	ChatID int64       `json:"chatId"`
	UserID int64       `json:"userId"`
	Action ComposeKind `json:"action"`
}

// UserStatusChanged announces a presence change.
type UserStatusChanged struct {
	UserID     int64 `json:"userId"`
	Online     bool  `json:"online"`
	LastOnline int64 `json:"lastOnline,omitempty"`
}

// UserSettingsChanged carries the user's updated settings blob.
type UserSettingsChanged struct {
	Settings json.RawMessage `json:"settings"`
}

// SpaceMembershipChanged announces a membership or role change in a space.
type SpaceMembershipChanged struct {
	SpaceID int64  `json:"spaceId"`
	UserID  int64  `json:"userId"`
	Role    string `json:"role,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

func (NewMessage) UpdateKind() UpdateKind               { return UpdateKindNewMessage }
func (EditMessage) UpdateKind() UpdateKind              { return UpdateKindEditMessage }
func (DeleteMessages) UpdateKind() UpdateKind           { return UpdateKindDeleteMessages }
func (UpdateMessageID) UpdateKind() UpdateKind          { return UpdateKindUpdateMessageID }
func (ChatVisibilityChanged) UpdateKind() UpdateKind    { return UpdateKindChatVisibilityChanged }
func (ChatInfoChanged) UpdateKind() UpdateKind          { return UpdateKindChatInfoChanged }
func (PinnedMessagesChanged) UpdateKind() UpdateKind    { return UpdateKindPinnedMessagesChanged }
func (ChatDeleted) UpdateKind() UpdateKind              { return UpdateKindChatDeleted }
func (ReadMaxIDChanged) UpdateKind() UpdateKind         { return UpdateKindReadMaxIDChanged }
func (MarkUnread) UpdateKind() UpdateKind               { return UpdateKindMarkUnread }
func (DialogArchived) UpdateKind() UpdateKind           { return UpdateKindDialogArchived }
func (ParticipantAdded) UpdateKind() UpdateKind         { return UpdateKindParticipantAdded }
func (ParticipantRemoved) UpdateKind() UpdateKind       { return UpdateKindParticipantRemoved }
func (ReactionAdded) UpdateKind() UpdateKind            { return UpdateKindReactionAdded }
func (ReactionRemoved) UpdateKind() UpdateKind          { return UpdateKindReactionRemoved }
func (MessageAttachmentChanged) UpdateKind() UpdateKind { return UpdateKindMessageAttachmentChanged }
func (ComposeAction) UpdateKind() UpdateKind            { return UpdateKindComposeAction }
func (UserStatusChanged) UpdateKind() UpdateKind        { return UpdateKindUserStatusChanged }
func (UserSettingsChanged) UpdateKind() UpdateKind      { return UpdateKindUserSettingsChanged }
func (SpaceMembershipChanged) UpdateKind() UpdateKind   { return UpdateKindSpaceMembershipChanged }

// updateJSON is the flat wire form of Update. Exactly one payload field is
// set, selected by T.
type updateJSON struct {
	Bucket BucketRef  `json:"bucket"`
	Seq    int64      `json:"seq"`
	Date   int64      `json:"date"`
	T      UpdateKind `json:"t"`

	NewMessage               *NewMessage               `json:"newMessage,omitempty"`
	EditMessage              *EditMessage              `json:"editMessage,omitempty"`
	DeleteMessages           *DeleteMessages           `json:"deleteMessages,omitempty"`
	UpdateMessageID          *UpdateMessageID          `json:"updateMessageId,omitempty"`
	ChatVisibilityChanged    *ChatVisibilityChanged    `json:"chatVisibilityChanged,omitempty"`
	ChatInfoChanged          *ChatInfoChanged          `json:"chatInfoChanged,omitempty"`
	PinnedMessagesChanged    *PinnedMessagesChanged    `json:"pinnedMessagesChanged,omitempty"`
	ChatDeleted              *ChatDeleted              `json:"chatDeleted,omitempty"`
	ReadMaxIDChanged         *ReadMaxIDChanged         `json:"readMaxIdChanged,omitempty"`
	MarkUnread               *MarkUnread               `json:"markUnread,omitempty"`
	DialogArchived           *DialogArchived           `json:"dialogArchived,omitempty"`
	ParticipantAdded         *ParticipantAdded         `json:"participantAdded,omitempty"`
	ParticipantRemoved       *ParticipantRemoved       `json:"participantRemoved,omitempty"`
	ReactionAdded            *ReactionAdded            `json:"reactionAdded,omitempty"`
	ReactionRemoved          *ReactionRemoved          `json:"reactionRemoved,omitempty"`
	MessageAttachmentChanged *MessageAttachmentChanged `json:"messageAttachmentChanged,omitempty"`
	ComposeAction            *ComposeAction            `json:"composeAction,omitempty"`
	UserStatusChanged        *UserStatusChanged        `json:"userStatusChanged,omitempty"`
	UserSettingsChanged      *UserSettingsChanged      `json:"userSettingsChanged,omitempty"`
	SpaceMembershipChanged   *SpaceMembershipChanged   `json:"spaceMembershipChanged,omitempty"`
}

// MarshalJSON writes the update in its flat tagged form.
func (u Update) MarshalJSON() ([]byte, error) {
	if u.Payload == nil {
		return nil, fmt.Errorf("update has no payload")
	}
	out := updateJSON{Bucket: u.Bucket, Seq: u.Seq, Date: u.Date, T: u.Payload.UpdateKind()}
	switch p := u.Payload.(type) {
	case NewMessage:
		out.NewMessage = &p
	case EditMessage:
		out.EditMessage = &p
	case DeleteMessages:
		out.DeleteMessages = &p
	case UpdateMessageID:
		out.UpdateMessageID = &p
	case ChatVisibilityChanged:
		out.ChatVisibilityChanged = &p
	case ChatInfoChanged:
		out.ChatInfoChanged = &p
	case PinnedMessagesChanged:
		out.PinnedMessagesChanged = &p
	case ChatDeleted:
		out.ChatDeleted = &p
	case ReadMaxIDChanged:
		out.ReadMaxIDChanged = &p
	case MarkUnread:
		out.MarkUnread = &p
	case DialogArchived:
		out.DialogArchived = &p
	case ParticipantAdded:
		out.ParticipantAdded = &p
	case ParticipantRemoved:
		out.ParticipantRemoved = &p
	case ReactionAdded:
		out.ReactionAdded = &p
	case ReactionRemoved:
		out.ReactionRemoved = &p
	case MessageAttachmentChanged:
		out.MessageAttachmentChanged = &p
	case ComposeAction:
		out.ComposeAction = &p
	case UserStatusChanged:
		out.UserStatusChanged = &p
	case UserSettingsChanged:
		out.UserSettingsChanged = &p
	case SpaceMembershipChanged:
		out.SpaceMembershipChanged = &p
	default:
		return nil, fmt.Errorf("unknown update payload %T", u.Payload)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat tagged form back into a typed payload.
func (u *Update) UnmarshalJSON(data []byte) error {
	var in updateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	u.Bucket = in.Bucket
	u.Seq = in.Seq
	u.Date = in.Date
	payload, err := in.payload()
	if err != nil {
		return err
	}
	u.Payload = payload
	return nil
}

func (in updateJSON) payload() (UpdatePayload, error) {
	switch in.T {
	case UpdateKindNewMessage:
		if in.NewMessage != nil {
			return *in.NewMessage, nil
		}
	case UpdateKindEditMessage:
		if in.EditMessage != nil {
			return *in.EditMessage, nil
		}
	case UpdateKindDeleteMessages:
		if in.DeleteMessages != nil {
			return *in.DeleteMessages, nil
		}
	case UpdateKindUpdateMessageID:
		if in.UpdateMessageID != nil {
			return *in.UpdateMessageID, nil
		}
	case UpdateKindChatVisibilityChanged:
		if in.ChatVisibilityChanged != nil {
			return *in.ChatVisibilityChanged, nil
		}
	case UpdateKindChatInfoChanged:
		if in.ChatInfoChanged != nil {
			return *in.ChatInfoChanged, nil
		}
	case UpdateKindPinnedMessagesChanged:
		if in.PinnedMessagesChanged != nil {
			return *in.PinnedMessagesChanged, nil
		}
	case UpdateKindChatDeleted:
		if in.ChatDeleted != nil {
			return *in.ChatDeleted, nil
		}
	case UpdateKindReadMaxIDChanged:
		if in.ReadMaxIDChanged != nil {
			return *in.ReadMaxIDChanged, nil
		}
	case UpdateKindMarkUnread:
		if in.MarkUnread != nil {
			return *in.MarkUnread, nil
		}
	case UpdateKindDialogArchived:
		if in.DialogArchived != nil {
			return *in.DialogArchived, nil
		}
	case UpdateKindParticipantAdded:
		if in.ParticipantAdded != nil {
			return *in.ParticipantAdded, nil
		}
	case UpdateKindParticipantRemoved:
		if in.ParticipantRemoved != nil {
			return *in.ParticipantRemoved, nil
		}
	case UpdateKindReactionAdded:
		if in.ReactionAdded != nil {
			return *in.ReactionAdded, nil
		}
	case UpdateKindReactionRemoved:
		if in.ReactionRemoved != nil {
			return *in.ReactionRemoved, nil
		}
	case UpdateKindMessageAttachmentChanged:
		if in.MessageAttachmentChanged != nil {
			return *in.MessageAttachmentChanged, nil
		}
	case UpdateKindComposeAction:
		if in.ComposeAction != nil {
			return *in.ComposeAction, nil
		}
	case UpdateKindUserStatusChanged:
		if in.UserStatusChanged != nil {
			return *in.UserStatusChanged, nil
		}
	case UpdateKindUserSettingsChanged:
		if in.UserSettingsChanged != nil {
			return *in.UserSettingsChanged, nil
		}
	case UpdateKindSpaceMembershipChanged:
		if in.SpaceMembershipChanged != nil {
			return *in.SpaceMembershipChanged, nil
		}
	default:
		return nil, fmt.Errorf("unknown update kind %q", in.T)
	}
	return nil, fmt.Errorf("update kind %q missing payload", in.T)
}
