package quill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// ErrStateNotFound is returned when a store has no snapshot for a channel.
var ErrStateNotFound = errors.New("peer state not found")

// StateStore persists whole-file peer state snapshots.
type StateStore interface {
	// Save stores the snapshot for a channel, replacing any previous one.
	Save(channel ChannelID, state []byte) error
	// Load returns the stored snapshot, or ErrStateNotFound.
	Load(channel ChannelID) ([]byte, error)
	// Close releases the store.
	Close() error
}

// FileStateStore keeps one snapshot file per channel in a directory.
// Writes go to a temp file first and are renamed into place, so readers
// always see a whole snapshot.
type FileStateStore struct {
	dir string
}

// NewFileStateStore creates the directory if needed and returns a store.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) path(channel ChannelID) string {
	return filepath.Join(s.dir, channel.String()+".qps")
}

// Save writes the snapshot atomically.
func (s *FileStateStore) Save(channel ChannelID, state []byte) error {
	path := s.path(channel)
	tmp, err := os.CreateTemp(s.dir, ".qps-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(state); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the stored snapshot.
func (s *FileStateStore) Load(channel ChannelID) ([]byte, error) {
	data, err := os.ReadFile(s.path(channel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: channel %s", ErrStateNotFound, channel)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close is a no-op for the file store.
func (s *FileStateStore) Close() error {
	return nil
}

var boltStateBucket = []byte("peer_state")

// BoltStateStore keeps snapshots in a bbolt database, one key per
// channel. Suits peers that manage several channels from one file.
type BoltStateStore struct {
	db *bolt.DB
}

// NewBoltStateStore opens (or creates) the database at path.
func NewBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltStateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStateStore{db: db}, nil
}

// Save stores the snapshot under the channel's key.
func (s *BoltStateStore) Save(channel ChannelID, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltStateBucket).Put(channel[:], state)
	})
}

// Load returns the stored snapshot for the channel.
func (s *BoltStateStore) Load(channel ChannelID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltStateBucket).Get(channel[:])
		if v == nil {
			return fmt.Errorf("%w: channel %s", ErrStateNotFound, channel)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (s *BoltStateStore) Close() error {
	return s.db.Close()
}
