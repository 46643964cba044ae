package dht

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/prxssh/riptide/internal/bencode"
)

const schema = `
CREATE TABLE IF NOT EXISTS dht_items (
	key        BLOB PRIMARY KEY,
	value      BLOB NOT NULL,
	seq        INTEGER NOT NULL DEFAULT 0,
	sig        BLOB,
	pubkey     BLOB,
	salt       BLOB,
	mutable    INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL
);
`

// itemRow is the sqlx scan target for one dht_items row.
type itemRow struct {
	Key       []byte `db:"key"`
	Value     []byte `db:"value"`
	Seq       int64  `db:"seq"`
	Sig       []byte `db:"sig"`
	PubKey    []byte `db:"pubkey"`
	Salt      []byte `db:"salt"`
	Mutable   int    `db:"mutable"`
	ExpiresAt int64  `db:"expires_at"`
}

// Store is the BEP 44/51 persistent backing: arbitrary put/get items and
// BEP 51 infohash-index samples survive a node restart, unlike the
// teacher's in-memory-only version.
type Store struct {
	db  *sqlx.DB
	ttl time.Duration
}

// OpenStore opens (creating if absent) the sqlite database at path.
func OpenStore(path string, itemTTL time.Duration) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dht: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dht: migrate store: %w", err)
	}
	if itemTTL <= 0 {
		itemTTL = 24 * time.Hour
	}
	return &Store{db: db, ttl: itemTTL}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put persists item under key, overwriting any prior value (mutable items
// must already have passed a caller-side CAS/seq check).
func (s *Store) Put(key [sha1.Size]byte, item *StorageItem) error {
	value, err := bencode.Marshal(item.Value)
	if err != nil {
		return fmt.Errorf("dht: encode value for store: %w", err)
	}

	mutable := 0
	if item.Mutable() {
		mutable = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO dht_items (key, value, seq, sig, pubkey, salt, mutable, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, seq=excluded.seq, sig=excluded.sig,
			pubkey=excluded.pubkey, salt=excluded.salt,
			mutable=excluded.mutable, expires_at=excluded.expires_at
	`, key[:], value, item.Seq, item.Sig[:], item.PubKey[:], item.Salt, mutable, time.Now().Add(s.ttl).Unix())
	return err
}

// Get returns the item stored under key, or (nil, false) if absent or
// expired.
func (s *Store) Get(key [sha1.Size]byte) (*StorageItem, bool) {
	var row itemRow
	err := s.db.Get(&row, `SELECT * FROM dht_items WHERE key = ?`, key[:])
	if err != nil {
		return nil, false
	}
	if row.ExpiresAt < time.Now().Unix() {
		return nil, false
	}

	v, err := bencode.Unmarshal(row.Value)
	if err != nil {
		return nil, false
	}

	item := &StorageItem{Value: v, Seq: row.Seq, Salt: row.Salt, mutable: row.Mutable != 0}
	copy(item.Sig[:], row.Sig)
	copy(item.PubKey[:], row.PubKey)
	return item, true
}

// Sweep deletes expired rows. Called periodically, not at query time, so
// Get never pays for a scan.
func (s *Store) Sweep() error {
	_, err := s.db.Exec(`DELETE FROM dht_items WHERE expires_at < ?`, time.Now().Unix())
	return err
}
