package handlers

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/internal/server/encoder"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// recipients lists who must receive updates about the chat, resolved from
// its fan-out group: the chat's participants, widened to the whole space for
// public space chats.
func recipients(ctx context.Context, q querier, chat *chatRow) ([]int64, error) {
	g := chat.group()
	if g.Kind != GroupSpaceUsers {
		return g.UserIDs, nil
	}
	members, err := spaceMembers(ctx, q, g.SpaceID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(members))
	out := make([]int64, 0, len(members)+len(g.UserIDs))
	for _, uid := range append(append([]int64{}, g.UserIDs...), members...) {
		if !seen[uid] {
			seen[uid] = true
			out = append(out, uid)
		}
	}
	return out, nil
}

// appendToBuckets records one payload in every sequencing bucket the chat
// spans. DM updates land in each participant's user bucket so both sides
// keep independent cursors; thread and space updates land once in the chat
// bucket.
func appendToBuckets(a *sequence.Appender, chat *chatRow, recips []int64, payload wire.UpdatePayload, perUser map[int64][]wire.Update) error {
	if chat.group().Kind == GroupDMUsers {
		for _, uid := range recips {
			upd, err := a.Append(wire.UserBucket(uid), payload)
			if err != nil {
				return err
			}
			perUser[uid] = append(perUser[uid], upd)
		}
		return nil
	}
	upd, err := a.Append(wire.ChatBucket(chat.ID), payload)
	if err != nil {
		return err
	}
	for _, uid := range recips {
		perUser[uid] = append(perUser[uid], upd)
	}
	return nil
}

// SendMessage stores a message, bumps unread dialogs, and announces it to
// every recipient. The sender additionally gets a reconciliation update
// binding their client-generated random id to the server-assigned id.
func (d *Deps) SendMessage(ctx context.Context, caller realtime.Caller, input wire.SendMessageInput) (wire.SendMessageResult, error) {
	if input.Text == "" {
		return wire.SendMessageResult{}, realtime.Errorf(wire.RPCErrBadRequest, "empty message text")
	}

	var chat *chatRow
	var msg wire.Message
	perUser := make(map[int64][]wire.Update)

	_, err := d.Alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var err error
		chat, err = resolveChat(ctx, tx, caller.UserID, input.PeerID, true)
		if err != nil {
			return err
		}

		msgID, err := nextMessageID(ctx, tx, chat.ID)
		if err != nil {
			return err
		}
		msg = wire.Message{
			ID:           msgID,
			RandomID:     input.RandomID,
			ChatID:       chat.ID,
			FromID:       caller.UserID,
			Text:         input.Text,
			Date:         d.Now().Unix(),
			ReplyToMsgID: input.ReplyToMsgID,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, id, random_id, from_id, text, date, reply_to_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ChatID, msg.ID, msg.RandomID, msg.FromID, msg.Text, msg.Date, msg.ReplyToMsgID); err != nil {
			return errors.Wrap(err, "insert message")
		}

		recips, err := recipients(ctx, tx, chat)
		if err != nil {
			return err
		}
		for _, uid := range recips {
			unreadDelta := 1
			if uid == caller.UserID {
				unreadDelta = 0
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dialogs (user_id, chat_id, unread_count) VALUES (?, ?, ?)
				ON CONFLICT (user_id, chat_id) DO UPDATE SET unread_count = unread_count + ?`,
				uid, chat.ID, unreadDelta, unreadDelta); err != nil {
				return errors.Wrap(err, "bump dialog")
			}
		}

		// Reconciliation first so the sender rebinds its optimistic row
		// before the authoritative message lands.
		recon, err := a.Append(wire.UserBucket(caller.UserID), wire.UpdateMessageID{
			ChatID:    chat.ID,
			RandomID:  input.RandomID,
			MessageID: msgID,
		})
		if err != nil {
			return err
		}
		perUser[caller.UserID] = append(perUser[caller.UserID], recon)

		return appendToBuckets(a, chat, recips, wire.NewMessage{Message: msg}, perUser)
	})
	if err != nil {
		return wire.SendMessageResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.SendMessageResult{
		Message: encoder.EncodeMessage(msg, caller.UserID, chat.peerFor(caller.UserID)),
	}, nil
}
