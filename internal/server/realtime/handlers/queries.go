package handlers

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/wire"
)

// querier is satisfied by *sql.DB and *sql.Tx so lookups run inside or
// outside the allocator transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// chatRow is the chat as stored, with its resolved participant set.
type chatRow struct {
	ID           int64
	Type         wire.ChatType
	SpaceID      *int64
	Public       bool
	Participants []int64
}

// UpdateGroupKind classifies who receives an update for a peer.
type UpdateGroupKind string

const (
	GroupDMUsers     UpdateGroupKind = "dmUsers"
	GroupThreadUsers UpdateGroupKind = "threadUsers"
	GroupSpaceUsers  UpdateGroupKind = "spaceUsers"
)

// UpdateGroup names the recipients of an update addressed to a peer.
type UpdateGroup struct {
	Kind    UpdateGroupKind
	UserIDs []int64
	SpaceID int64
}

// group classifies the chat into its fan-out group.
func (c *chatRow) group() UpdateGroup {
	switch {
	case c.Type == wire.ChatTypeDM:
		return UpdateGroup{Kind: GroupDMUsers, UserIDs: c.Participants}
	case c.SpaceID != nil && c.Public:
		return UpdateGroup{Kind: GroupSpaceUsers, SpaceID: *c.SpaceID, UserIDs: c.Participants}
	default:
		return UpdateGroup{Kind: GroupThreadUsers, UserIDs: c.Participants}
	}
}

// peerFor returns the chat's address from one viewer's perspective: a DM
// resolves to the other participant, everything else to the chat itself.
func (c *chatRow) peerFor(viewerID int64) wire.Peer {
	if c.Type != wire.ChatTypeDM {
		return wire.ChatPeer(c.ID)
	}
	for _, uid := range c.Participants {
		if uid != viewerID {
			return wire.UserPeer(uid)
		}
	}
	// Saved-messages style self chat.
	return wire.UserPeer(viewerID)
}

func (c *chatRow) hasParticipant(userID int64) bool {
	for _, uid := range c.Participants {
		if uid == userID {
			return true
		}
	}
	return false
}

// bucketFor is the sequencing domain updates about this chat land in, from
// one participant's perspective. DM updates sequence per user so each side
// has an independent cursor; thread updates sequence per chat.
func (c *chatRow) bucketFor(userID int64) wire.BucketRef {
	if c.Type == wire.ChatTypeDM {
		return wire.UserBucket(userID)
	}
	return wire.ChatBucket(c.ID)
}

func loadChat(ctx context.Context, q querier, chatID int64) (*chatRow, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, type, space_id, public FROM chats WHERE id = ?`, chatID)
	var c chatRow
	var public int
	if err := row.Scan(&c.ID, &c.Type, &c.SpaceID, &public); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load chat")
	}
	c.Public = public != 0

	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load participants")
	}
	defer rows.Close()
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, uid)
	}
	return &c, rows.Err()
}

// findDMChat locates the DM chat between two users, nil when none exists.
func findDMChat(ctx context.Context, q querier, a, b int64) (*chatRow, error) {
	want := 2
	if a == b {
		want = 1
	}
	row := q.QueryRowContext(ctx, `
		SELECT c.id FROM chats c
		WHERE c.type = 'dm'
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = ?)
		  AND EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = c.id AND user_id = ?)
		  AND (SELECT COUNT(*) FROM chat_participants WHERE chat_id = c.id) = ?`,
		a, b, want)
	var chatID int64
	if err := row.Scan(&chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find dm chat")
	}
	return loadChat(ctx, q, chatID)
}

// ensureDMChat returns the DM chat between two users, creating it on first
// contact.
func ensureDMChat(ctx context.Context, q querier, a, b int64) (*chatRow, error) {
	if chat, err := findDMChat(ctx, q, a, b); err != nil || chat != nil {
		return chat, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO chats (type) VALUES ('dm')`)
	if err != nil {
		return nil, errors.Wrap(err, "create dm chat")
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_participants (chat_id, user_id) VALUES (?, ?), (?, ?)`,
		chatID, a, chatID, b); err != nil {
		return nil, errors.Wrap(err, "add dm participants")
	}
	return loadChat(ctx, q, chatID)
}

func userExists(ctx context.Context, q querier, userID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func isSpaceMember(ctx context.Context, q querier, spaceID, userID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM space_members WHERE space_id = ? AND user_id = ?`,
		spaceID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func spaceMembers(ctx context.Context, q querier, spaceID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM space_members WHERE space_id = ? ORDER BY user_id`, spaceID)
	if err != nil {
		return nil, errors.Wrap(err, "space members")
	}
	defer rows.Close()
	var members []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		members = append(members, uid)
	}
	return members, rows.Err()
}

func nextMessageID(ctx context.Context, q querier, chatID int64) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM messages WHERE chat_id = ?`, chatID).Scan(&next)
	return next, errors.Wrap(err, "next message id")
}

func loadMessage(ctx context.Context, q querier, chatID, messageID int64) (*wire.Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, random_id, from_id, text, date, edit_date, reply_to_id
		FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
	msg := wire.Message{ChatID: chatID}
	if err := row.Scan(&msg.ID, &msg.RandomID, &msg.FromID, &msg.Text,
		&msg.Date, &msg.EditDate, &msg.ReplyToMsgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load message")
	}
	return &msg, nil
}
