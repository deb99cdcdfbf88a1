// Package state persists the engine's client-side bookkeeping in a bbolt
// database: the pending-event queue, tracked conflicts, the device
// identity, and per-domain sync cursors. The store is the only durable
// surface; everything else is rebuilt from the backend on reconnect.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Michaelrobins938/lightwell-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	queueBucket     = []byte("queue")
	conflictsBucket = []byte("conflicts")
	cursorsBucket   = []byte("cursors")

	deviceIDKey = []byte("device_id")
)

func lastSyncKey(userID string) []byte {
	return []byte("lastsync:" + userID)
}

func domainVersionKey(userID, domain string) []byte {
	return []byte("version:" + userID + ":" + domain)
}

// State wraps a bbolt database for all persistent engine state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it and any
// parent directories if they do not exist.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, queueBucket, conflictsBucket, cursorsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable device identity, or empty string if this
// client has never registered.
func (s *State) DeviceID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(deviceIDKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetDeviceID persists the device identity.
func (s *State) SetDeviceID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceIDKey, []byte(id))
	})
}

// EnqueuePending appends a pending event to the tail of the queue. FIFO
// order is the bucket's key order: each entry is keyed by a monotonically
// increasing sequence number encoded big-endian.
func (s *State) EnqueuePending(ev models.PendingEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return b.Put(key, data)
	})
}

// PendingEvents returns the queued events in FIFO enqueue order.
func (s *State) PendingEvents() ([]models.PendingEvent, error) {
	var events []models.PendingEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var ev models.PendingEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})

	return events, err
}

// RemovePending deletes the queued event with the given ID. Called only
// after the backend has acknowledged the event; an unacknowledged event
// stays queued across reconnects and restarts.
func (s *State) RemovePending(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var key []byte

		err := b.ForEach(func(k, v []byte) error {
			var ev models.PendingEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			if ev.ID == id {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if key == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// PendingCount returns the number of queued events.
func (s *State) PendingCount() int {
	count := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN

		return nil
	})

	return count
}

// SaveConflict persists a tracked conflict, keyed by its ID.
func (s *State) SaveConflict(c models.Conflict) error {
	if c.ID == "" {
		return fmt.Errorf("conflict ID is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(conflictsBucket).Put([]byte(c.ID), data)
	})
}

// Conflicts returns all tracked conflicts.
func (s *State) Conflicts() ([]models.Conflict, error) {
	var conflicts []models.Conflict

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(k, v []byte) error {
			var c models.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			conflicts = append(conflicts, c)

			return nil
		})
	})

	return conflicts, err
}

// GetConflict returns the conflict with the given ID, or nil if not found.
func (s *State) GetConflict(id string) (*models.Conflict, error) {
	var c *models.Conflict

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conflictsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		c = &models.Conflict{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// DeleteConflict removes a conflict after the backend accepted its
// resolution.
func (s *State) DeleteConflict(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})
}

// LastSync returns the timestamp of the most recent sync attempt for a
// user, or the zero time if none is recorded.
func (s *State) LastSync(userID string) time.Time {
	var ts time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get(lastSyncKey(userID))
		if v == nil {
			return nil
		}

		ms := int64(binary.BigEndian.Uint64(v))
		ts = time.UnixMilli(ms)

		return nil
	})

	return ts
}

// SetLastSync records the timestamp of a sync attempt, regardless of its
// outcome.
func (s *State) SetLastSync(userID string, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(t.UnixMilli()))

		return tx.Bucket(cursorsBucket).Put(lastSyncKey(userID), v)
	})
}

// DomainVersion returns the last acknowledged version for one sync domain,
// defaulting to 0. Each domain is versioned independently.
func (s *State) DomainVersion(userID, domain string) int64 {
	var version int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get(domainVersionKey(userID, domain))
		if v != nil {
			version = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return version
}

// SetDomainVersion records the acknowledged version for one sync domain.
func (s *State) SetDomainVersion(userID, domain string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(version))

		return tx.Bucket(cursorsBucket).Put(domainVersionKey(userID, domain), v)
	})
}
