package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// OnlineChecker reports whether a user still has a live connection. Satisfied
// by the connection manager.
type OnlineChecker interface {
	UserOnline(userID int64) bool
}

// Presence turns session lifecycle signals into userStatusChanged updates,
// sequenced in the space buckets of the user's spaces. It also resolves space
// membership for connection indexing.
type Presence struct {
	db     *database.DB
	alloc  *sequence.Allocator
	pusher Pusher
	online OnlineChecker
	now    func() time.Time
}

// NewPresence creates a presence tracker. Wire binds its collaborators later
// because the connection manager is constructed with the presence tracker.
func NewPresence(db *database.DB) *Presence {
	return &Presence{
		db:    db,
		alloc: sequence.New(db.DB),
		now:   time.Now,
	}
}

// Wire binds the pusher and online checker once the connection manager and
// server exist.
func (p *Presence) Wire(pusher Pusher, online OnlineChecker) {
	p.pusher = pusher
	p.online = online
}

// SpacesForUser returns the ids of the spaces the user is a member of.
func (p *Presence) SpacesForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT space_id FROM space_members WHERE user_id = ? ORDER BY space_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaceIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		spaceIDs = append(spaceIDs, id)
	}
	return spaceIDs, rows.Err()
}

// SessionActive marks the user online when their first session connects.
func (p *Presence) SessionActive(userID int64, sessionID string) {
	p.setOnline(userID, true)
}

// SessionInactive marks the user offline when their last session disconnects.
// A user with connections left on other sessions stays online.
func (p *Presence) SessionInactive(userID int64, sessionID string) {
	if p.online != nil && p.online.UserOnline(userID) {
		return
	}
	p.setOnline(userID, false)
}

func (p *Presence) setOnline(userID int64, online bool) {
	ctx := context.Background()
	now := p.now().Unix()

	updates, err := p.alloc.Run(ctx, func(tx *sql.Tx, a *sequence.Appender) error {
		var current bool
		err := tx.QueryRowContext(ctx, `SELECT online FROM users WHERE id = ?`, userID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if current == online {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET online = ?, last_online = ? WHERE id = ?`,
			online, now, userID); err != nil {
			return err
		}

		spaceIDs, err := spacesForUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		payload := wire.UserStatusChanged{UserID: userID, Online: online, LastOnline: now}
		for _, spaceID := range spaceIDs {
			if _, err := a.Append(wire.SpaceBucket(spaceID), payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Int64("user", userID).Bool("online", online).Err(err).
			Msg("presence update failed")
		return
	}

	if p.pusher == nil {
		return
	}
	for _, upd := range updates {
		p.pusher.PushToSpace(upd.Bucket.ID, []wire.Update{upd})
	}
}

func spacesForUserTx(ctx context.Context, tx *sql.Tx, userID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT space_id FROM space_members WHERE user_id = ? ORDER BY space_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaceIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		spaceIDs = append(spaceIDs, id)
	}
	return spaceIDs, rows.Err()
}
