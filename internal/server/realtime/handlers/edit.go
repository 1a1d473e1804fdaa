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

// EditMessage replaces a message's text and announces the edit.
func (d *Deps) EditMessage(ctx context.Context, caller realtime.Caller, input wire.EditMessageInput) (wire.EditMessageResult, error) {
	if input.Text == "" {
		return wire.EditMessageResult{}, realtime.Errorf(wire.RPCErrBadRequest, "empty message text")
	}

	var chat *chatRow
	var msg wire.Message
	perUser := make(map[int64][]wire.Update)

	_, err := d.Alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var err error
		chat, err = resolveChat(ctx, tx, caller.UserID, input.PeerID, false)
		if err != nil {
			return err
		}

		existing, err := loadMessage(ctx, tx, chat.ID, input.MessageID)
		if err != nil {
			return err
		}
		if existing == nil {
			return realtime.Errorf(wire.RPCErrInvalidMessageID, "message %d not found", input.MessageID)
		}
		if existing.FromID != caller.UserID {
			return realtime.Errorf(wire.RPCErrBadRequest, "only the author can edit a message")
		}

		editDate := d.Now().Unix()
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET text = ?, edit_date = ? WHERE chat_id = ? AND id = ?`,
			input.Text, editDate, chat.ID, input.MessageID); err != nil {
			return errors.Wrap(err, "update message")
		}
		msg = *existing
		msg.Text = input.Text
		msg.EditDate = &editDate

		recips, err := recipients(ctx, tx, chat)
		if err != nil {
			return err
		}
		return appendToBuckets(a, chat, recips, wire.EditMessage{Message: msg}, perUser)
	})
	if err != nil {
		return wire.EditMessageResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.EditMessageResult{
		Message: encoder.EncodeMessage(msg, caller.UserID, chat.peerFor(caller.UserID)),
	}, nil
}

// DeleteMessages removes messages and their reactions. Ids that no longer
// exist are skipped, so repeated deletes are harmless.
func (d *Deps) DeleteMessages(ctx context.Context, caller realtime.Caller, input wire.DeleteMessagesInput) (wire.DeleteMessagesResult, error) {
	if len(input.MessageIDs) == 0 {
		return wire.DeleteMessagesResult{}, realtime.Errorf(wire.RPCErrBadRequest, "no message ids")
	}

	var chat *chatRow
	var deleted int
	perUser := make(map[int64][]wire.Update)

	_, err := d.Alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var err error
		chat, err = resolveChat(ctx, tx, caller.UserID, input.PeerID, false)
		if err != nil {
			return err
		}

		for _, id := range input.MessageIDs {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE chat_id = ? AND id = ?`, chat.ID, id)
			if err != nil {
				return errors.Wrap(err, "delete message")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM reactions WHERE chat_id = ? AND message_id = ?`, chat.ID, id); err != nil {
				return errors.Wrap(err, "delete reactions")
			}
		}

		recips, err := recipients(ctx, tx, chat)
		if err != nil {
			return err
		}
		return appendToBuckets(a, chat, recips, wire.DeleteMessages{
			ChatID:     chat.ID,
			MessageIDs: input.MessageIDs,
		}, perUser)
	})
	if err != nil {
		return wire.DeleteMessagesResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.DeleteMessagesResult{DeletedCount: deleted}, nil
}
