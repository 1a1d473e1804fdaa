package store

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/inline-chat/inline-sub015/wire"
)

// MessageRefID is the store id of a server-confirmed message.
func MessageRefID(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// OptimisticRefID is the store id of a locally created message awaiting its
// server id.
func OptimisticRefID(chatID, randomID int64) string {
	return fmt.Sprintf("%d:r%d", chatID, randomID)
}

func composeRefID(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

func reactionRefID(chatID, messageID, userID int64, emoji string) string {
	return fmt.Sprintf("%d:%d:%d:%s", chatID, messageID, userID, emoji)
}

func chatRefID(chatID int64) string   { return fmt.Sprintf("%d", chatID) }
func userRefID(userID int64) string   { return fmt.Sprintf("%d", userID) }
func spaceRefID(spaceID int64) string { return fmt.Sprintf("%d", spaceID) }

// messageObject builds the cached form of a message. Optional fields are
// only present when set, so merging an edit never clears them.
func messageObject(m wire.Message) map[string]any {
	obj := map[string]any{
		"id":     m.ID,
		"chatId": m.ChatID,
		"fromId": m.FromID,
		"text":   m.Text,
		"out":    m.Out,
		"date":   m.Date,
	}
	if m.RandomID != 0 {
		obj["randomId"] = m.RandomID
	}
	if m.Media != wire.MediaNone {
		obj["media"] = string(m.Media)
	}
	if m.EditDate != nil {
		obj["editDate"] = *m.EditDate
	}
	if m.ReplyToMsgID != nil {
		obj["replyToMsgId"] = *m.ReplyToMsgID
	}
	return obj
}

// ApplyUpdates translates one pushed update batch into store mutations,
// inside a single batch so the UI settles once per push.
func (s *Store) ApplyUpdates(updates []wire.Update) {
	if len(updates) == 0 {
		return
	}
	s.Batch(func() {
		for _, upd := range updates {
			s.applyOne(upd)
			s.advanceCursor(upd)
		}
	})
}

func (s *Store) advanceCursor(upd wire.Update) {
	if upd.Seq == 0 {
		return
	}
	key := upd.Bucket.Key()
	s.mu.Lock()
	if upd.Seq > s.lastSeq[key] {
		s.lastSeq[key] = upd.Seq
	}
	s.mu.Unlock()
}

func (s *Store) applyOne(upd wire.Update) {
	switch p := upd.Payload.(type) {
	case wire.NewMessage:
		msg := p.Message
		// Drop the optimistic twin if this is our own message echoing back.
		if msg.RandomID != 0 {
			s.Delete(s.Ref(KindMessage, OptimisticRefID(msg.ChatID, msg.RandomID)))
		}
		s.Insert(s.Ref(KindMessage, MessageRefID(msg.ChatID, msg.ID)), messageObject(msg))
		if !msg.Out {
			s.bumpUnread(msg.ChatID)
		}

	case wire.EditMessage:
		msg := p.Message
		s.Update(s.Ref(KindMessage, MessageRefID(msg.ChatID, msg.ID)), messageObject(msg))

	case wire.DeleteMessages:
		// Deleting an already-absent message is a no-op, so replays are safe.
		for _, id := range p.MessageIDs {
			s.Delete(s.Ref(KindMessage, MessageRefID(p.ChatID, id)))
		}

	case wire.UpdateMessageID:
		oldRef := s.Ref(KindMessage, OptimisticRefID(p.ChatID, p.RandomID))
		obj, ok := s.Get(oldRef)
		if !ok {
			return
		}
		s.Delete(oldRef)
		obj["id"] = p.MessageID
		s.Insert(s.Ref(KindMessage, MessageRefID(p.ChatID, p.MessageID)), obj)

	case wire.ChatVisibilityChanged:
		s.Update(s.Ref(KindChat, chatRefID(p.ChatID)), map[string]any{"visible": p.Visible})

	case wire.ChatInfoChanged:
		c := p.Chat
		patch := map[string]any{
			"id":    c.ID,
			"type":  string(c.Type),
			"title": c.Title,
		}
		if c.SpaceID != nil {
			patch["spaceId"] = *c.SpaceID
		}
		s.Update(s.Ref(KindChat, chatRefID(c.ID)), patch)

	case wire.PinnedMessagesChanged:
		s.Update(s.Ref(KindChat, chatRefID(p.ChatID)), map[string]any{"pinnedMessageIds": p.MessageIDs})

	case wire.ChatDeleted:
		s.Delete(s.Ref(KindChat, chatRefID(p.ChatID)))
		s.Delete(s.Ref(KindDialog, chatRefID(p.ChatID)))

	case wire.ReadMaxIDChanged:
		s.Update(s.Ref(KindDialog, chatRefID(p.ChatID)), map[string]any{
			"readMaxId":   p.ReadMaxID,
			"unreadCount": p.UnreadCount,
			"unread":      false,
		})

	case wire.MarkUnread:
		s.Update(s.Ref(KindDialog, chatRefID(p.ChatID)), map[string]any{"unread": p.Unread})

	case wire.DialogArchived:
		s.Update(s.Ref(KindDialog, chatRefID(p.ChatID)), map[string]any{"archived": p.Archived})

	case wire.ParticipantAdded:
		s.editIntList(s.Ref(KindChat, chatRefID(p.ChatID)), "participants", p.UserID, true)

	case wire.ParticipantRemoved:
		s.editIntList(s.Ref(KindChat, chatRefID(p.ChatID)), "participants", p.UserID, false)

	case wire.ReactionAdded:
		r := p.Reaction
		s.Insert(s.Ref(KindReaction, reactionRefID(r.ChatID, r.MessageID, r.UserID, r.Emoji)), map[string]any{
			"chatId":    r.ChatID,
			"messageId": r.MessageID,
			"userId":    r.UserID,
			"emoji":     r.Emoji,
			"date":      r.Date,
		})

	case wire.ReactionRemoved:
		s.Delete(s.Ref(KindReaction, reactionRefID(p.ChatID, p.MessageID, p.UserID, p.Emoji)))

	case wire.MessageAttachmentChanged:
		s.Update(s.Ref(KindMessage, MessageRefID(p.ChatID, p.MessageID)), map[string]any{
			"attachment": p.Attachment,
		})

	case wire.ComposeAction:
		ref := s.Ref(KindCompose, composeRefID(p.ChatID, p.UserID))
		if p.Action == wire.ComposeNone {
			s.Delete(ref)
			return
		}
		s.Insert(ref, map[string]any{
			"chatId": p.ChatID,
			"userId": p.UserID,
			"action": string(p.Action),
		})

	case wire.UserStatusChanged:
		s.Update(s.Ref(KindUser, userRefID(p.UserID)), map[string]any{
			"online":     p.Online,
			"lastOnline": p.LastOnline,
		})

	case wire.UserSettingsChanged:
		s.Insert(s.Ref(KindSettings, "self"), map[string]any{"settings": p.Settings})

	case wire.SpaceMembershipChanged:
		s.editIntList(s.Ref(KindSpace, spaceRefID(p.SpaceID)), "members", p.UserID, !p.Removed)

	default:
		log.Debug().Str("kind", string(upd.Payload.UpdateKind())).Msg("unhandled update variant")
	}
}

// bumpUnread increments the dialog's unread counter for an incoming message.
func (s *Store) bumpUnread(chatID int64) {
	ref := s.Ref(KindDialog, chatRefID(chatID))
	count := 0
	if obj, ok := s.Get(ref); ok {
		if v, ok := obj["unreadCount"].(int); ok {
			count = v
		}
	}
	s.Update(ref, map[string]any{"unreadCount": count + 1})
}

// editIntList adds or removes one id from a list-valued field.
func (s *Store) editIntList(ref *Ref, field string, id int64, add bool) {
	var list []int64
	if obj, ok := s.Get(ref); ok {
		if v, ok := obj[field].([]int64); ok {
			list = v
		}
	}
	out := make([]int64, 0, len(list)+1)
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	if add {
		out = append(out, id)
	}
	s.Update(ref, map[string]any{field: out})
}
