// Package sequence owns seq allocation and the update log.
//
// Every update row is inserted through an Appender inside the same
// transaction that increments the bucket's sequence counter. The insert
// itself is unexported, so no other package can write the update log with a
// hand-picked seq; this is what keeps per-bucket seqs duplicate- and
// gap-free.
package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/wire"
)

// Allocator issues per-bucket sequence numbers and persists update records.
type Allocator struct {
	db  *sql.DB
	now func() time.Time
}

// New creates an allocator over the given database.
func New(db *sql.DB) *Allocator {
	return &Allocator{db: db, now: time.Now}
}

// NewWithClock creates an allocator with an injected clock, used by tests.
func NewWithClock(db *sql.DB, now func() time.Time) *Allocator {
	return &Allocator{db: db, now: now}
}

// Appender appends update records inside one open transaction.
//
// It is only obtainable through Allocator.Run, which ties the lifetime of
// every append to the surrounding transaction: if the mutation aborts, its
// update records and consumed seq values roll back with it.
type Appender struct {
	tx      *sql.Tx
	now     func() time.Time
	updates []wire.Update
}

// Append allocates the next seq for the bucket and inserts the update record.
// The returned update carries the assigned seq and timestamp.
func (a *Appender) Append(bucket wire.BucketRef, payload wire.UpdatePayload) (wire.Update, error) {
	seq, err := nextSeq(a.tx, bucket)
	if err != nil {
		return wire.Update{}, err
	}

	upd := wire.Update{
		Bucket:  bucket,
		Seq:     seq,
		Date:    a.now().UnixMilli(),
		Payload: payload,
	}
	if err := insertUpdate(a.tx, upd); err != nil {
		return wire.Update{}, err
	}
	a.updates = append(a.updates, upd)
	return upd, nil
}

// Updates returns every update appended so far, in append order.
func (a *Appender) Updates() []wire.Update {
	return a.updates
}

// Run executes fn inside one transaction. fn performs its row mutations on tx
// and appends the matching update records through the Appender; either all of
// it commits or none of it does. On success Run returns the appended updates.
func (al *Allocator) Run(ctx context.Context, fn func(tx *sql.Tx, a *Appender) error) ([]wire.Update, error) {
	tx, err := al.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}

	appender := &Appender{tx: tx, now: al.now}
	if err := fn(tx, appender); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return appender.updates, nil
}

// Append is the single-update convenience form of Run.
func (al *Allocator) Append(ctx context.Context, bucket wire.BucketRef, payload wire.UpdatePayload) (wire.Update, error) {
	updates, err := al.Run(ctx, func(tx *sql.Tx, a *Appender) error {
		_, err := a.Append(bucket, payload)
		return err
	})
	if err != nil {
		return wire.Update{}, err
	}
	return updates[0], nil
}

// nextSeq increments and returns the bucket's counter. The UPDATE takes a row
// lock, serializing concurrent allocations for the same bucket while leaving
// other buckets free to allocate in parallel.
func nextSeq(tx *sql.Tx, bucket wire.BucketRef) (int64, error) {
	_, err := tx.Exec(
		`INSERT INTO sequences (bucket_kind, bucket_id, seq) VALUES (?, ?, 0)
		 ON CONFLICT (bucket_kind, bucket_id) DO NOTHING`,
		string(bucket.Kind), bucket.ID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "seed sequence row")
	}

	var seq int64
	err = tx.QueryRow(
		`UPDATE sequences SET seq = seq + 1
		 WHERE bucket_kind = ? AND bucket_id = ?
		 RETURNING seq`,
		string(bucket.Kind), bucket.ID,
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "increment sequence")
	}
	return seq, nil
}

// insertUpdate writes one update-log row. Unexported on purpose: the only
// path here is Appender.Append, which is the allocator boundary.
func insertUpdate(tx *sql.Tx, upd wire.Update) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return errors.Wrap(err, "marshal update")
	}
	_, err = tx.Exec(
		`INSERT INTO updates (id, bucket_kind, bucket_id, seq, date, kind, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(),
		string(upd.Bucket.Kind), upd.Bucket.ID,
		upd.Seq, upd.Date,
		string(upd.Payload.UpdateKind()),
		string(payload),
	)
	return errors.Wrap(err, "insert update")
}

// ListSince returns committed updates in bucket with seq > sinceSeq, ordered
// by seq, at most limit rows. hasMore reports whether the bucket was
// truncated at the limit.
func (al *Allocator) ListSince(ctx context.Context, bucket wire.BucketRef, sinceSeq int64, limit int) (updates []wire.Update, hasMore bool, err error) {
	if limit <= 0 {
		limit = DefaultCatchUpLimit
	}
	rows, err := al.db.QueryContext(ctx,
		`SELECT payload FROM updates
		 WHERE bucket_kind = ? AND bucket_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		string(bucket.Kind), bucket.ID, sinceSeq, limit+1,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "query updates")
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, false, errors.Wrap(err, "scan update")
		}
		var upd wire.Update
		if err := json.Unmarshal([]byte(raw), &upd); err != nil {
			return nil, false, errors.Wrap(err, "decode update")
		}
		updates = append(updates, upd)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(updates) > limit {
		return updates[:limit], true, nil
	}
	return updates, false, nil
}

// DefaultCatchUpLimit caps updates returned per bucket per getUpdates call.
const DefaultCatchUpLimit = 200
