package handlers

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// ReadMaxID advances the caller's read pointer for a chat. The resulting
// update sequences only in the caller's user bucket: read state is private
// and syncs their other devices, not the other side of the conversation.
func (d *Deps) ReadMaxID(ctx context.Context, caller realtime.Caller, input wire.ReadMaxIDInput) (wire.ReadMaxIDResult, error) {
	var chat *chatRow
	var unread int
	perUser := make(map[int64][]wire.Update)

	_, err := d.Alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var err error
		chat, err = resolveChat(ctx, tx, caller.UserID, input.PeerID, false)
		if err != nil {
			return err
		}

		var current int64
		err = tx.QueryRowContext(ctx,
			`SELECT read_max_id FROM dialogs WHERE user_id = ? AND chat_id = ?`,
			caller.UserID, chat.ID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "load dialog")
		}
		// Read pointers only move forward.
		readMaxID := input.ReadMaxID
		if readMaxID < current {
			readMaxID = current
		}

		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE chat_id = ? AND id > ? AND from_id != ?`,
			chat.ID, readMaxID, caller.UserID).Scan(&unread)
		if err != nil {
			return errors.Wrap(err, "count unread")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dialogs (user_id, chat_id, read_max_id, unread_count, unread)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT (user_id, chat_id) DO UPDATE
			SET read_max_id = ?, unread_count = ?, unread = 0`,
			caller.UserID, chat.ID, readMaxID, unread, readMaxID, unread); err != nil {
			return errors.Wrap(err, "update dialog")
		}

		upd, err := a.Append(wire.UserBucket(caller.UserID), wire.ReadMaxIDChanged{
			ChatID:      chat.ID,
			ReadMaxID:   readMaxID,
			UnreadCount: unread,
		})
		if err != nil {
			return err
		}
		perUser[caller.UserID] = append(perUser[caller.UserID], upd)
		return nil
	})
	if err != nil {
		return wire.ReadMaxIDResult{}, err
	}

	d.fanOut(chat, perUser)
	return wire.ReadMaxIDResult{UnreadCount: unread}, nil
}
