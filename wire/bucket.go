package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// BucketKind identifies the sequencing domain an update belongs to.
type BucketKind string

const (
	// BucketUser sequences updates addressed to a single user (dialog state,
	// settings, DM traffic).
	BucketUser BucketKind = "user"
	// BucketChat sequences updates scoped to one chat thread.
	BucketChat BucketKind = "chat"
	// BucketSpace sequences updates scoped to one space.
	BucketSpace BucketKind = "space"
)

// BucketRef identifies one sequencing domain. Within a bucket, update seq
// numbers are strictly increasing with no gaps; cross-bucket ordering is not
// defined.
type BucketRef struct {
	// Kind is the bucket domain (user, chat, or space).
	Kind BucketKind `json:"kind"`
	// ID is the user, chat, or space id the bucket belongs to.
	ID int64 `json:"id"`
}

// UserBucket returns the per-user bucket for a user id.
func UserBucket(userID int64) BucketRef {
	return BucketRef{Kind: BucketUser, ID: userID}
}

// ChatBucket returns the per-chat bucket for a chat id.
func ChatBucket(chatID int64) BucketRef {
	return BucketRef{Kind: BucketChat, ID: chatID}
}

// SpaceBucket returns the per-space bucket for a space id.
func SpaceBucket(spaceID int64) BucketRef {
	return BucketRef{Kind: BucketSpace, ID: spaceID}
}

// Key returns a stable string form ("user:42") usable as a map key or a
// client-side seq cursor key.
func (b BucketRef) Key() string {
	return fmt.Sprintf("%s:%d", b.Kind, b.ID)
}

// ParseBucketKey parses the Key form back into a BucketRef.
func ParseBucketKey(key string) (BucketRef, error) {
	kind, idStr, ok := strings.Cut(key, ":")
	if !ok {
		return BucketRef{}, fmt.Errorf("malformed bucket key %q", key)
	}
	switch BucketKind(kind) {
	case BucketUser, BucketChat, BucketSpace:
	default:
		return BucketRef{}, fmt.Errorf("unknown bucket kind %q", kind)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return BucketRef{}, fmt.Errorf("malformed bucket key %q: %v", key, err)
	}
	return BucketRef{Kind: BucketKind(kind), ID: id}, nil
}
