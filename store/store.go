package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// Store keeps the node's small operational state in LevelDB: its identity
// address, the last planning report sent to the coordinator and a rolling
// record of served challenges. Committed capacity itself is never persisted
// here; it is regenerated, not stored.
// Thread-safe: LevelDB handles its own synchronization.
type Store struct {
	db *leveldb.DB
}

var (
	addressKey      = []byte("meta|address")
	reportKey       = []byte("meta|last_report")
	challengePrefix = []byte("chal|")
)

// NewStore opens or creates a LevelDB database at the given path. An empty
// path selects in-memory storage.
func NewStore(path string) (*Store, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	log.Debug(log.StoreModule, "store opened", "path", path)
	return &Store{db: db}, nil
}

// NewMemoryStore creates an in-memory Store for testing.
func NewMemoryStore() (*Store, error) {
	return NewStore("")
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Put(key []byte, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// SaveAddress records the node's identity address so tools can show it
// without touching the key file.
func (s *Store) SaveAddress(addr common.Address) error {
	return s.Put(addressKey, addr.Bytes())
}

func (s *Store) Address() (common.Address, bool, error) {
	var addr common.Address
	data, ok, err := s.Get(addressKey)
	if err != nil || !ok {
		return addr, ok, err
	}
	copy(addr[:], data)
	return addr, true, nil
}

// SaveLastReport keeps the most recent planning report across restarts, so a
// reconnecting node can tell whether its commitment changed.
func (s *Store) SaveLastReport(report types.PlanReport) error {
	enc, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.Put(reportKey, enc)
}

func (s *Store) LastReport() (*types.PlanReport, bool, error) {
	data, ok, err := s.Get(reportKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	var report types.PlanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, false, fmt.Errorf("LastReport: %w", err)
	}
	return &report, true, nil
}

// ChallengeRecord is one served challenge in the rolling history.
type ChallengeRecord struct {
	ChallengeID    string    `json:"challenge_id"`
	Offsets        int       `json:"offsets"`
	ChunkSize      uint32    `json:"chunk_size"`
	ResponseTimeMs uint32    `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ServedAt       time.Time `json:"served_at"`
}

// challengeKey orders records by serving time; the id breaks ties.
func challengeKey(rec ChallengeRecord) []byte {
	key := make([]byte, 0, len(challengePrefix)+8+len(rec.ChallengeID))
	key = append(key, challengePrefix...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.ServedAt.UnixNano()))
	key = append(key, ts[:]...)
	return append(key, rec.ChallengeID...)
}

func (s *Store) RecordChallenge(rec ChallengeRecord) error {
	if rec.ServedAt.IsZero() {
		rec.ServedAt = time.Now()
	}
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Put(challengeKey(rec), enc)
}

// ChallengeHistory returns the most recent records, newest last. A limit of
// zero or less returns everything.
func (s *Store) ChallengeHistory(limit int) ([]ChallengeRecord, error) {
	pairs, err := s.getWithPrefix(challengePrefix)
	if err != nil {
		return nil, err
	}
	records := make([]ChallengeRecord, 0, len(pairs))
	for _, pair := range pairs {
		var rec ChallengeRecord
		if err := json.Unmarshal(pair[1], &rec); err != nil {
			return nil, fmt.Errorf("ChallengeHistory %x: %w", pair[0], err)
		}
		records = append(records, rec)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// PruneChallenges drops the oldest records beyond keep.
func (s *Store) PruneChallenges(keep int) error {
	pairs, err := s.getWithPrefix(challengePrefix)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	excess := len(pairs) - keep
	for i := 0; i < excess; i++ {
		if err := s.Delete(pairs[i][0]); err != nil {
			return err
		}
	}
	return nil
}

// getWithPrefix returns all pairs under prefix in key order, with keys and
// values copied out of the iterator.
func (s *Store) getWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var results [][2][]byte
	for ok := iter.Seek(prefix); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix) {
			break
		}
		match := true
		for i := 0; i < len(prefix); i++ {
			if key[i] != prefix[i] {
				match = false
				break
			}
		}
		if !match {
			break
		}
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)
		valueCopy := make([]byte, len(iter.Value()))
		copy(valueCopy, iter.Value())
		results = append(results, [2][]byte{keyCopy, valueCopy})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("prefix scan %x: %w", prefix, err)
	}
	return results, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
