// Package encoder tailors neutral update records for a specific recipient.
//
// Update rows in the log are stored from a neutral viewpoint: messages carry
// no Out flag and no peer. Encoding resolves both for the recipient, so the
// same stored mutation yields different wire updates for the sender (out,
// peer = other party) and the receiver (in, peer = sender).
package encoder

import (
	"unicode"

	"github.com/inline-chat/inline-sub015/wire"
)

// Encode returns the update tailored for one recipient. It is a pure
// function of its inputs; the given update is not modified.
func Encode(upd wire.Update, forUserID int64, peer wire.Peer) wire.Update {
	switch p := upd.Payload.(type) {
	case wire.NewMessage:
		p.Message = EncodeMessage(p.Message, forUserID, peer)
		upd.Payload = p
	case wire.EditMessage:
		p.Message = EncodeMessage(p.Message, forUserID, peer)
		upd.Payload = p
	}
	return upd
}

// EncodeMessage tailors a message object for one recipient. Used both by the
// streaming path and by full-object backfill so the two never disagree.
func EncodeMessage(msg wire.Message, forUserID int64, peer wire.Peer) wire.Message {
	msg.Out = msg.FromID == forUserID
	msg.PeerID = peer
	if msg.Media == wire.MediaNone && IsNudgeText(msg.Text) {
		msg.Media = wire.MediaNudge
	}
	// The reconciliation id is only meaningful to the sender.
	if !msg.Out {
		msg.RandomID = 0
	}
	return msg
}

// nudgeMaxRunes caps how long an emoji-only body may be to render as a nudge.
const nudgeMaxRunes = 3

// IsNudgeText reports whether a message body is a short emoji-only string.
// This is a presentation heuristic, not a protocol rule.
func IsNudgeText(text string) bool {
	if text == "" {
		return false
	}
	n := 0
	for _, r := range text {
		if isEmojiJoiner(r) {
			continue
		}
		if !isEmojiRune(r) {
			return false
		}
		n++
		if n > nudgeMaxRunes {
			return false
		}
	}
	return n > 0
}

// isEmojiJoiner matches the invisible runes that glue emoji sequences
// together (ZWJ, variation selectors, skin tone modifiers).
func isEmojiJoiner(r rune) bool {
	switch {
	case r == 0x200D: // zero-width joiner
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
		return true
	}
	return false
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, transport, supplemental
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case unicode.Is(unicode.So, r):
		return true
	}
	return false
}
