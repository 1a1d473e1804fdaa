package database

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type DB struct {
	*sql.DB
}

// Open opens a connection to the SQLite database and applies the schema.
func Open(dbPath string) (*DB, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn in
	// the allocator's short transactions.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &DB{db}, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	return Open("file::memory:?mode=memory")
}

func applySchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS sequences (
	bucket_kind TEXT NOT NULL,
	bucket_id   INTEGER NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_kind, bucket_id)
);

CREATE TABLE IF NOT EXISTS updates (
	id          TEXT PRIMARY KEY,
	bucket_kind TEXT NOT NULL,
	bucket_id   INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	date        INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	UNIQUE (bucket_kind, bucket_id, seq)
);

CREATE TABLE IF NOT EXISTS users (
	id          INTEGER PRIMARY KEY,
	username    TEXT NOT NULL DEFAULT '',
	first_name  TEXT NOT NULL DEFAULT '',
	last_name   TEXT NOT NULL DEFAULT '',
	online      INTEGER NOT NULL DEFAULT 0,
	last_online INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS spaces (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	creator_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS space_members (
	space_id INTEGER NOT NULL,
	user_id  INTEGER NOT NULL,
	role     TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (space_id, user_id)
);

CREATE TABLE IF NOT EXISTS chats (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	type     TEXT NOT NULL,
	space_id INTEGER,
	title    TEXT NOT NULL DEFAULT '',
	public   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	chat_id       INTEGER NOT NULL,
	id            INTEGER NOT NULL,
	random_id     INTEGER NOT NULL DEFAULT 0,
	from_id       INTEGER NOT NULL,
	text          TEXT NOT NULL DEFAULT '',
	date          INTEGER NOT NULL,
	edit_date     INTEGER,
	reply_to_id   INTEGER,
	PRIMARY KEY (chat_id, id)
);

CREATE TABLE IF NOT EXISTS reactions (
	chat_id    INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	emoji      TEXT NOT NULL,
	date       INTEGER NOT NULL,
	PRIMARY KEY (chat_id, message_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS dialogs (
	user_id      INTEGER NOT NULL,
	chat_id      INTEGER NOT NULL,
	read_max_id  INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	archived     INTEGER NOT NULL DEFAULT 0,
	unread       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, chat_id)
);
`

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
