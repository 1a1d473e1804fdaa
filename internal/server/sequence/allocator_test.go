package sequence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/wire"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	db := openTestDB(t)
	alloc := New(db.DB)
	bucket := wire.ChatBucket(1)

	for i := 1; i <= 5; i++ {
		upd, err := alloc.Append(context.Background(), bucket, wire.ChatDeleted{ChatID: 1})
		require.NoError(t, err)
		require.Equal(t, int64(i), upd.Seq)
	}
}

// Concurrent appends to the same bucket must produce exactly N distinct seq
// values with no gaps.
func TestConcurrentAppendsNoDuplicatesNoGaps(t *testing.T) {
	db := openTestDB(t)
	alloc := New(db.DB)
	bucket := wire.UserBucket(7)

	const n = 64
	seqs := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upd, err := alloc.Append(context.Background(), bucket, wire.MarkUnread{ChatID: 1, Unread: true})
			if err != nil {
				errs <- err
				return
			}
			seqs <- upd.Seq
		}()
	}
	wg.Wait()
	close(seqs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[int64]bool, n)
	for seq := range seqs {
		require.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "gap at seq %d", i)
	}
}

func TestBucketsAllocateIndependently(t *testing.T) {
	db := openTestDB(t)
	alloc := New(db.DB)

	a, err := alloc.Append(context.Background(), wire.ChatBucket(1), wire.ChatDeleted{ChatID: 1})
	require.NoError(t, err)
	b, err := alloc.Append(context.Background(), wire.ChatBucket(2), wire.ChatDeleted{ChatID: 2})
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(1), b.Seq)
}

// A failed transaction must not consume a seq visible to later readers.
func TestAbortedRunConsumesNothing(t *testing.T) {
	db := openTestDB(t)
	alloc := New(db.DB)
	bucket := wire.SpaceBucket(3)
	ctx := context.Background()

	_, err := alloc.Run(ctx, func(tx *sql.Tx, a *Appender) error {
		if _, err := a.Append(bucket, wire.ChatDeleted{ChatID: 3}); err != nil {
			return err
		}
		return errors.New("mutation failed")
	})
	require.Error(t, err)

	upd, err := alloc.Append(ctx, bucket, wire.ChatDeleted{ChatID: 3})
	require.NoError(t, err)
	require.Equal(t, int64(1), upd.Seq)

	updates, hasMore, err := alloc.ListSince(ctx, bucket, 0, 10)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, updates, 1)
	require.Equal(t, int64(1), updates[0].Seq)
}

func TestListSinceHonorsCursorAndLimit(t *testing.T) {
	db := openTestDB(t)
	alloc := New(db.DB)
	bucket := wire.UserBucket(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := alloc.Append(ctx, bucket, wire.MarkUnread{ChatID: int64(i), Unread: true})
		require.NoError(t, err)
	}

	updates, hasMore, err := alloc.ListSince(ctx, bucket, 2, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, updates, 2)
	require.Equal(t, int64(3), updates[0].Seq)
	require.Equal(t, int64(4), updates[1].Seq)

	updates, hasMore, err = alloc.ListSince(ctx, bucket, 4, 2)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, updates, 1)
}
