package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/agentpool/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store with a single "checkpoints" bbolt bucket,
// storing each (instance key, checkpoint type) list as a JSON-encoded
// slice under a key built from both — the embedded, durable-across-restart fallback used when no
// Redis URL is configured.
type BoltStore struct {
	db *bolt.DB
}

var checkpointBucket = []byte("checkpoints")

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "checkpoints.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

type boltEntry struct {
	Checkpoint Checkpoint
	ExpiresAt  time.Time
}

func boltKey(instanceKey string, cType types.CheckpointType) []byte {
	return []byte(fmt.Sprintf("%s:%s", instanceKey, cType))
}

func (s *BoltStore) Push(ctx context.Context, ck Checkpoint, maxCount int, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		key := boltKey(ck.InstanceKey, ck.Type)
		list, err := readList(b, key)
		if err != nil {
			return err
		}
		expiresAt := time.Time{}
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
		list = append([]boltEntry{{Checkpoint: ck, ExpiresAt: expiresAt}}, list...)
		if len(list) > maxCount {
			list = list[:maxCount]
		}
		return writeList(b, key, list)
	})
}

func readList(b *bolt.Bucket, key []byte) ([]boltEntry, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}
	var list []boltEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("checkpoint: decode list: %w", err)
	}
	return pruneExpired(list), nil
}

func pruneExpired(list []boltEntry) []boltEntry {
	out := list[:0]
	now := time.Now()
	for _, e := range list {
		if e.ExpiresAt.IsZero() || e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

func writeList(b *bolt.Bucket, key []byte, list []boltEntry) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("checkpoint: encode list: %w", err)
	}
	return b.Put(key, data)
}

func (s *BoltStore) Latest(ctx context.Context, instanceKey string, cType types.CheckpointType) (*Checkpoint, error) {
	if cType != "" {
		var result *Checkpoint
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(checkpointBucket)
			list, err := readList(b, boltKey(instanceKey, cType))
			if err != nil {
				return err
			}
			if len(list) > 0 {
				result = &list[0].Checkpoint
			}
			return nil
		})
		return result, err
	}

	var best *Checkpoint
	for _, t := range []types.CheckpointType{
		types.CheckpointLifecycle, types.CheckpointConversation, types.CheckpointExecution,
		types.CheckpointResource, types.CheckpointFull,
	} {
		ck, err := s.Latest(ctx, instanceKey, t)
		if err != nil {
			return nil, err
		}
		if ck != nil && (best == nil || ck.Timestamp.After(best.Timestamp)) {
			best = ck
		}
	}
	return best, nil
}

func (s *BoltStore) List(ctx context.Context, instanceKey string, cType types.CheckpointType, limit int) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		list, err := readList(b, boltKey(instanceKey, cType))
		if err != nil {
			return err
		}
		if len(list) > limit {
			list = list[:limit]
		}
		for _, e := range list {
			out = append(out, e.Checkpoint)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Delete(ctx context.Context, instanceKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		c := b.Cursor()
		prefix := []byte(instanceKey + ":")
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) AllInstanceKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		return b.ForEach(func(k, _ []byte) error {
			key := string(k)
			idx := lastColon(key)
			if idx >= 0 {
				seen[key[:idx]] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
