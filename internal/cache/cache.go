// Package cache implements the local per-channel message log.
//
// Each channel gets its own bbolt bucket holding serialized records under
// monotonically increasing sequence keys. The log is capacity-bounded:
// once a channel's log exceeds the cap, the oldest records are evicted
// first. Records never include attachment bytes; callers strip transient
// binary data before handing a record over.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	emberrors "github.com/embermsg/ember/internal/errors"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second

	// DefaultCap is the per-channel record cap used when the caller
	// passes a non-positive capacity.
	DefaultCap = 1000
)

func channelBucket(channelID string) []byte {
	return []byte("channel:" + channelID + ":log")
}

// Record is the serialized form of a message. It deliberately has no
// field for attachment bytes: resolved image data lives in memory only.
type Record struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	CreatedAt  time.Time `json:"createdAt"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	ObjectKey  string    `json:"objectKey,omitempty"`
}

// Store is the bbolt-backed channel message cache. It is shared across
// all channels on the device; bbolt serializes writers, which gives the
// single-writer discipline appends require.
type Store struct {
	db     *bolt.DB
	cap    int
	logger *slog.Logger
}

// Open opens (creating if necessary) the cache database at path.
// capacity bounds each channel's log; non-positive values fall back to
// DefaultCap.
func Open(path string, capacity int, logger *slog.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	return &Store{db: db, cap: capacity, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append serializes rec and appends it to the channel's log. If the log
// then exceeds the cap, the oldest records are deleted until the log is
// back at the cap.
func (s *Store) Append(channelID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(channelBucket(channelID))
		if err != nil {
			return fmt.Errorf("creating channel bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := b.Put(key[:], data); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}

		// Evict from the front until back at the cap. Counting with a
		// cursor is cheap at these sizes and, unlike bucket stats, is
		// accurate inside the open transaction.
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for count > s.cap {
			k, _ := b.Cursor().First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("evicting record: %w", err)
			}
			count--
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("appending to cache: %w", err)
	}

	return nil
}

// Load returns the channel's records sorted by creation time ascending.
// A missing channel yields an empty slice, not an error. Individual
// records that fail to decode are skipped so one corrupt entry cannot
// poison the whole log.
func (s *Store) Load(channelID string) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelBucket(channelID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping corrupt cache record",
					slog.String("channel_id", channelID),
					slog.String("error", fmt.Errorf("%w: %s", emberrors.ErrCacheCorrupt, err).Error()),
				)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		// Treat a failed read like an empty cache: the cache is a
		// fallback path and must not fail reads.
		s.logger.Warn("cache read failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

// Clear removes the channel's log. Clearing an absent channel is a no-op.
func (s *Store) Clear(channelID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(channelBucket(channelID)) == nil {
			return nil
		}
		return tx.DeleteBucket(channelBucket(channelID))
	})
	if err != nil {
		return fmt.Errorf("clearing channel cache: %w", err)
	}
	return nil
}

// ClearAll removes every channel log on the device.
func (s *Store) ClearAll() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}
