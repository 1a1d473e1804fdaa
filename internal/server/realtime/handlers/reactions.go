package handlers

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// AddReaction records an emoji reaction on a message. Re-adding the same
// reaction succeeds without a second update.
func (d *Deps) AddReaction(ctx context.Context, caller realtime.Caller, input wire.ReactionInput) (wire.ReactionResult, error) {
	if input.Emoji == "" {
		return wire.ReactionResult{}, realtime.Errorf(wire.RPCErrBadRequest, "empty emoji")
	}

	var chat *chatRow
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

		reaction := wire.Reaction{
			ChatID:    chat.ID,
			MessageID: input.MessageID,
			UserID:    caller.UserID,
			Emoji:     input.Emoji,
			Date:      d.Now().Unix(),
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO reactions (chat_id, message_id, user_id, emoji, date)
			VALUES (?, ?, ?, ?, ?)`,
			reaction.ChatID, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.Date)
		if err != nil {
			return errors.Wrap(err, "insert reaction")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		recips, err := recipients(ctx, tx, chat)
		if err != nil {
			return err
		}
		return appendToBuckets(a, chat, recips, wire.ReactionAdded{Reaction: reaction}, perUser)
	})
	if err != nil {
		return wire.ReactionResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.ReactionResult{Success: true}, nil
}

// RemoveReaction withdraws a reaction. Removing one that isn't there is a
// no-op success.
func (d *Deps) RemoveReaction(ctx context.Context, caller realtime.Caller, input wire.ReactionInput) (wire.ReactionResult, error) {
	var chat *chatRow
	perUser := make(map[int64][]wire.Update)

	_, err := d.Alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var err error
		chat, err = resolveChat(ctx, tx, caller.UserID, input.PeerID, false)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM reactions
			WHERE chat_id = ? AND message_id = ? AND user_id = ? AND emoji = ?`,
			chat.ID, input.MessageID, caller.UserID, input.Emoji)
		if err != nil {
			return errors.Wrap(err, "delete reaction")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		recips, err := recipients(ctx, tx, chat)
		if err != nil {
			return err
		}
		return appendToBuckets(a, chat, recips, wire.ReactionRemoved{
			ChatID:    chat.ID,
			MessageID: input.MessageID,
			UserID:    caller.UserID,
			Emoji:     input.Emoji,
		}, perUser)
	})
	if err != nil {
		return wire.ReactionResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.ReactionResult{Success: true}, nil
}
