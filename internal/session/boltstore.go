package session

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// persistedSession is the bbolt record for one session.
type persistedSession struct {
	Snapshot     Snapshot  `json:"snapshot"`
	UserID       string    `json:"user_id,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// BoltStore wraps the in-memory Store with write-through persistence to a
// bbolt file. The in-memory state remains canonical; a failed write logs and
// continues.
type BoltStore struct {
	*Store
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the bbolt file at path, restores every
// persisted session into a fresh in-memory store, and installs write-through
// hooks for subsequent publishes and deletions.
func OpenBoltStore(path string, defaults func() Snapshot) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: failed to open persistence file: %w", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(sessionsBucket)
		return errBucket
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: failed to create bucket: %w", err)
	}

	bs := &BoltStore{Store: NewStore(defaults), db: db}
	bs.Store.persist = bs.writeThrough
	bs.Store.onDelete = bs.deleteRecord

	if err = bs.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return bs, nil
}

// Close flushes and closes the underlying bbolt file.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

func (bs *BoltStore) restore() error {
	return bs.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var rec persistedSession
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Warnf("session: skipping corrupt persisted session %q: %v", k, err)
				return nil
			}
			id := string(k)
			s := &Session{ID: id, snapshot: rec.Snapshot, userID: rec.UserID, lastActiveAt: rec.LastActiveAt}
			bs.Store.mu.Lock()
			bs.Store.sessions[id] = s
			if rec.UserID != "" {
				set, ok := bs.Store.byUser[rec.UserID]
				if !ok {
					set = make(map[string]*Session)
					bs.Store.byUser[rec.UserID] = set
				}
				set[id] = s
			}
			bs.Store.mu.Unlock()
			return nil
		})
	})
}

func (bs *BoltStore) writeThrough(id string, snap Snapshot, userID string) {
	rec := persistedSession{Snapshot: snap, UserID: userID, LastActiveAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Errorf("session: failed to encode session %q: %v", id, err)
		return
	}
	if err = bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(id), data)
	}); err != nil {
		log.Errorf("session: failed to persist session %q: %v", id, err)
	}
}

func (bs *BoltStore) deleteRecord(id string) {
	if err := bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	}); err != nil {
		log.Errorf("session: failed to delete persisted session %q: %v", id, err)
	}
}
