package handlers

import (
	"context"

	"github.com/inline-chat/inline-sub015/internal/server/encoder"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/wire"
)

// resolveChat maps a peer address to the chat it names, checking the caller
// may act in it. createDM controls whether first contact with a user peer
// creates the conversation.
func resolveChat(ctx context.Context, q querier, callerID int64, peer wire.Peer, createDM bool) (*chatRow, error) {
	switch {
	case peer.UserID != nil:
		other := *peer.UserID
		ok, err := userExists(ctx, q, other)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, realtime.Errorf(wire.RPCErrInvalidUserID, "user %d not found", other)
		}
		if createDM {
			return ensureDMChat(ctx, q, callerID, other)
		}
		chat, err := findDMChat(ctx, q, callerID, other)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, realtime.Errorf(wire.RPCErrInvalidPeer, "no conversation with user %d", other)
		}
		return chat, nil

	case peer.ChatID != nil:
		chat, err := loadChat(ctx, q, *peer.ChatID)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, realtime.Errorf(wire.RPCErrInvalidChatID, "chat %d not found", *peer.ChatID)
		}
		if !chat.hasParticipant(callerID) {
			g := chat.group()
			if g.Kind != GroupSpaceUsers {
				return nil, realtime.Errorf(wire.RPCErrInvalidChatID, "not a participant of chat %d", chat.ID)
			}
			member, err := isSpaceMember(ctx, q, g.SpaceID, callerID)
			if err != nil {
				return nil, err
			}
			if !member {
				return nil, realtime.Errorf(wire.RPCErrInvalidChatID, "not a member of chat %d's space", chat.ID)
			}
		}
		return chat, nil

	default:
		return nil, realtime.Errorf(wire.RPCErrInvalidPeer, "peer has neither userId nor chatId")
	}
}

// fanOut pushes each recipient their update batch, encoded from their
// viewpoint. Delivery is best effort; offline users catch up by seq.
func (d *Deps) fanOut(chat *chatRow, perUser map[int64][]wire.Update) {
	for uid, updates := range perUser {
		peer := chat.peerFor(uid)
		encoded := make([]wire.Update, 0, len(updates))
		for _, upd := range updates {
			encoded = append(encoded, encoder.Encode(upd, uid, peer))
		}
		d.Pusher.PushToUser(uid, encoded)
	}
}
