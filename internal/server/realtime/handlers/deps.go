// Package handlers implements the realtime RPC methods. Every mutation runs
// through the sequence allocator so its update records commit atomically with
// the row changes, then fans out to recipients tailored per viewer.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/sequence"
	"github.com/inline-chat/inline-sub015/wire"
)

// Pusher delivers already-encoded updates to connected sockets.
type Pusher interface {
	PushToUser(userID int64, updates []wire.Update) int
	PushToSpace(spaceID int64, updates []wire.Update) int
}

// Deps carries what the handlers need. Now is injectable for tests.
type Deps struct {
	DB     *database.DB
	Alloc  *sequence.Allocator
	Pusher Pusher
	Now    func() time.Time
}

// NewDeps wires handlers against a database and pusher with a wall clock.
func NewDeps(db *database.DB, pusher Pusher) *Deps {
	return &Deps{
		DB:     db,
		Alloc:  sequence.New(db.DB),
		Pusher: pusher,
		Now:    time.Now,
	}
}

// RegisterAll binds every RPC method to the registry.
func (d *Deps) RegisterAll(r *realtime.Registry) {
	r.Register(wire.MethodSendMessage, typed(d.SendMessage))
	r.Register(wire.MethodEditMessage, typed(d.EditMessage))
	r.Register(wire.MethodDeleteMessages, typed(d.DeleteMessages))
	r.Register(wire.MethodAddReaction, typed(d.AddReaction))
	r.Register(wire.MethodRemoveReaction, typed(d.RemoveReaction))
	r.Register(wire.MethodReadMaxID, typed(d.ReadMaxID))
	r.Register(wire.MethodGetUpdates, typed(d.GetUpdates))
}

// typed adapts a struct-in/struct-out method to the raw registry handler.
func typed[In, Out any](fn func(ctx context.Context, caller realtime.Caller, input In) (Out, error)) realtime.Handler {
	return func(ctx context.Context, caller realtime.Caller, raw json.RawMessage) (json.RawMessage, error) {
		var input In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, realtime.Errorf(wire.RPCErrBadRequest, "malformed input: %v", err)
			}
		}
		out, err := fn(ctx, caller, input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}
