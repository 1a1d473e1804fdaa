package handlers

import (
	"context"
	"sort"

	"github.com/inline-chat/inline-sub015/internal/server/encoder"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// GetUpdates replays updates the caller missed, per bucket, from their last
// known seq. Each update is re-encoded from the caller's viewpoint so
// backfilled messages carry the same out flag and peer addressing a live
// push would have.
func (d *Deps) GetUpdates(ctx context.Context, caller realtime.Caller, input wire.GetUpdatesInput) (wire.GetUpdatesResult, error) {
	if len(input.LastSeqByBucket) == 0 {
		return wire.GetUpdatesResult{Updates: []wire.Update{}}, nil
	}

	limit := input.Limit
	if limit <= 0 || limit > sequence.DefaultCatchUpLimit {
		limit = sequence.DefaultCatchUpLimit
	}

	// Deterministic bucket order keeps pagination stable across calls.
	keys := make([]string, 0, len(input.LastSeqByBucket))
	for key := range input.LastSeqByBucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var result wire.GetUpdatesResult
	result.Updates = []wire.Update{}
	chats := make(map[int64]*chatRow)

	for _, key := range keys {
		bucket, err := wire.ParseBucketKey(key)
		if err != nil {
			return wire.GetUpdatesResult{}, realtime.Errorf(wire.RPCErrBadRequest, "%v", err)
		}
		if err := d.authorizeBucket(ctx, caller, bucket, chats); err != nil {
			return wire.GetUpdatesResult{}, err
		}

		updates, hasMore, err := d.Alloc.ListSince(ctx, bucket, input.LastSeqByBucket[key], limit)
		if err != nil {
			return wire.GetUpdatesResult{}, err
		}
		if hasMore {
			result.HasMore = true
		}

		for _, upd := range updates {
			peer, err := d.peerForUpdate(ctx, caller.UserID, upd, chats)
			if err != nil {
				return wire.GetUpdatesResult{}, err
			}
			result.Updates = append(result.Updates, encoder.Encode(upd, caller.UserID, peer))
		}
	}
	return result, nil
}

// authorizeBucket rejects cursors for buckets the caller cannot read.
func (d *Deps) authorizeBucket(ctx context.Context, caller realtime.Caller, bucket wire.BucketRef, chats map[int64]*chatRow) error {
	switch bucket.Kind {
	case wire.BucketUser:
		if bucket.ID != caller.UserID {
			return realtime.Errorf(wire.RPCErrBadRequest, "bucket %s is not yours", bucket.Key())
		}
		return nil

	case wire.BucketChat:
		chat, err := d.chatCached(ctx, bucket.ID, chats)
		if err != nil {
			return err
		}
		if chat == nil {
			return realtime.Errorf(wire.RPCErrInvalidChatID, "chat %d not found", bucket.ID)
		}
		if chat.hasParticipant(caller.UserID) {
			return nil
		}
		if chat.SpaceID != nil && chat.Public {
			member, err := isSpaceMember(ctx, d.DB, *chat.SpaceID, caller.UserID)
			if err != nil {
				return err
			}
			if member {
				return nil
			}
		}
		return realtime.Errorf(wire.RPCErrInvalidChatID, "not a participant of chat %d", bucket.ID)

	case wire.BucketSpace:
		member, err := isSpaceMember(ctx, d.DB, bucket.ID, caller.UserID)
		if err != nil {
			return err
		}
		if !member {
			return realtime.Errorf(wire.RPCErrInvalidSpaceID, "not a member of space %d", bucket.ID)
		}
		return nil
	}
	return realtime.Errorf(wire.RPCErrBadRequest, "unknown bucket kind %q", bucket.Kind)
}

// peerForUpdate resolves the peer a backfilled update should be addressed
// with, from the caller's viewpoint.
func (d *Deps) peerForUpdate(ctx context.Context, viewerID int64, upd wire.Update, chats map[int64]*chatRow) (wire.Peer, error) {
	chatID := updateChatID(upd.Payload)
	if chatID == 0 {
		return wire.Peer{}, nil
	}
	chat, err := d.chatCached(ctx, chatID, chats)
	if err != nil {
		return wire.Peer{}, err
	}
	if chat == nil {
		// Chat deleted since the update was logged; fall back to addressing
		// by chat id.
		return wire.ChatPeer(chatID), nil
	}
	return chat.peerFor(viewerID), nil
}

func (d *Deps) chatCached(ctx context.Context, chatID int64, chats map[int64]*chatRow) (*chatRow, error) {
	if chat, ok := chats[chatID]; ok {
		return chat, nil
	}
	chat, err := loadChat(ctx, d.DB, chatID)
	if err != nil {
		return nil, err
	}
	chats[chatID] = chat
	return chat, nil
}

// updateChatID extracts the chat an update is about, zero when it has none.
func updateChatID(p wire.UpdatePayload) int64 {
	switch v := p.(type) {
	case wire.NewMessage:
		return v.Message.ChatID
	case wire.EditMessage:
		return v.Message.ChatID
	case wire.DeleteMessages:
		return v.ChatID
	case wire.UpdateMessageID:
		return v.ChatID
	case wire.ChatVisibilityChanged:
		return v.ChatID
	case wire.ChatInfoChanged:
		return v.Chat.ID
	case wire.PinnedMessagesChanged:
		return v.ChatID
	case wire.ChatDeleted:
		return v.ChatID
	case wire.ReadMaxIDChanged:
		return v.ChatID
	case wire.MarkUnread:
		return v.ChatID
	case wire.DialogArchived:
		return v.ChatID
	case wire.ParticipantAdded:
		return v.ChatID
	case wire.ParticipantRemoved:
		return v.ChatID
	case wire.ReactionAdded:
		return v.Reaction.ChatID
	case wire.ReactionRemoved:
		return v.ChatID
	case wire.MessageAttachmentChanged:
		return v.ChatID
	case wire.ComposeAction:
		return v.ChatID
	default:
		return 0
	}
}
