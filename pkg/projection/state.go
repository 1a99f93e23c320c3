// Package projection implements the materialised-table state store and
// the per-projection coordinator worker (spec §4.F, §4.G).
package projection

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"github.com/driftwave/eventstore/pkg/eventstore"
)

// Error is the class for state-store failures.
var Error = errs.Class("projection")

var rowsBucket = []byte("rows")
var metaBucket = []byte("meta")
var checkpointKey = []byte("checkpoint")

// Op is one row mutation staged by a handler within a batch (spec §4.G
// "staged view").
type Op struct {
	Delete bool
	Key    string
	Row    map[string]interface{}
}

// State is the registered-projection table store: one `<projection>.table`
// bolt database per projection under dir, each holding its own rows and
// checkpoint (spec §6 on-disk layout).
type State struct {
	dir string

	mu sync.Mutex
	dbs map[string]*bolt.DB
}

// OpenState returns a state store rooted at dir (created if necessary).
// Individual `<projection>.table` files are opened lazily on first use.
func OpenState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &State{dir: dir, dbs: map[string]*bolt.DB{}}, nil
}

// Close releases every open projection database's file handle.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errList []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return Error.Wrap(errs.Combine(errList...))
}

func (s *State) tablePath(projection string) string {
	return filepath.Join(s.dir, projection+".table")
}

func (s *State) open(projection string) (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[projection]; ok {
		return db, nil
	}
	db, err := bolt.Open(s.tablePath(projection), 0644, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(rowsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	s.dbs[projection] = db
	return db, nil
}

// rowKey scopes a primary key by tenant so that two tenants may reuse the
// same key independently (spec §3 "Projection row").
func rowKey(tenantID, key string) []byte {
	buf := make([]byte, 0, len(tenantID)+1+len(key))
	buf = append(buf, tenantID...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return buf
}

// ApplyBatch atomically applies ops under (projection, tenant) scope and
// advances the projection's checkpoint to lastGlobalPos, which must be
// strictly greater than the current checkpoint (spec §4.F step 2,
// exactly-once semantics). It is a single-tenant convenience wrapper
// around CommitBatch.
func (s *State) ApplyBatch(projection, tenantID string, ops []Op, lastGlobalPos uint64) error {
	return s.CommitBatch(projection, map[string][]Op{tenantID: ops}, lastGlobalPos)
}

// CommitBatch applies every tenant's staged ops and advances the
// projection's checkpoint in one bolt transaction, matching the
// coordinator's guarantee that "the checkpoint advance happens once for
// the whole batch" even though ops are grouped by tenant (spec §4.G).
func (s *State) CommitBatch(projection string, opsByTenant map[string][]Op, lastGlobalPos uint64) error {
	db, err := s.open(projection)
	if err != nil {
		return err
	}
	return Error.Wrap(db.Update(func(tx *bolt.Tx) error {
		current, _ := getCheckpointTx(tx)
		if lastGlobalPos <= current {
			return &eventstore.CheckpointRegressionError{Projection: projection, Proposed: lastGlobalPos, Current: current}
		}

		rows := tx.Bucket(rowsBucket)
		for tenantID, ops := range opsByTenant {
			for _, op := range ops {
				k := rowKey(tenantID, op.Key)
				if op.Delete {
					if err := rows.Delete(k); err != nil {
						return err
					}
					continue
				}
				encoded, err := encodeRow(op.Row)
				if err != nil {
					return err
				}
				if err := rows.Put(k, encoded); err != nil {
					return err
				}
			}
		}

		return tx.Bucket(metaBucket).Put(checkpointKey, encodeCheckpoint(lastGlobalPos))
	}))
}

// ReadRow returns the row at (projection, tenant, key), or ok=false if
// absent.
func (s *State) ReadRow(projection, tenantID, key string) (row map[string]interface{}, ok bool, err error) {
	db, err := s.open(projection)
	if err != nil {
		return nil, false, err
	}
	txErr := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(rowsBucket).Get(rowKey(tenantID, key))
		if data == nil {
			return nil
		}
		decoded, decodeErr := decodeRow(data)
		if decodeErr != nil {
			return decodeErr
		}
		row = decoded
		ok = true
		return nil
	})
	if txErr != nil {
		return nil, false, Error.Wrap(txErr)
	}
	return row, ok, nil
}

// GetCheckpoint returns projection's last committed global position, or
// ok=false if the projection has never committed.
func (s *State) GetCheckpoint(projection string) (pos uint64, ok bool, err error) {
	if _, statErr := os.Stat(s.tablePath(projection)); os.IsNotExist(statErr) {
		return 0, false, nil
	}
	db, err := s.open(projection)
	if err != nil {
		return 0, false, err
	}
	txErr := db.View(func(tx *bolt.Tx) error {
		pos, ok = getCheckpointTx(tx)
		return nil
	})
	if txErr != nil {
		return 0, false, Error.Wrap(txErr)
	}
	return pos, ok, nil
}

func getCheckpointTx(tx *bolt.Tx) (uint64, bool) {
	data := tx.Bucket(metaBucket).Get(checkpointKey)
	if data == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteTenant removes every row belonging to tenantID within projection.
// It is not atomic with the event log and is intended for data-subject
// erasure requests, not ordinary projection processing (spec §4.F).
func (s *State) DeleteTenant(projection, tenantID string) (deleted int, err error) {
	db, err := s.open(projection)
	if err != nil {
		return 0, err
	}
	txErr := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucket)
		prefix := append([]byte(tenantID), 0)
		cursor := bucket.Cursor()
		var toDelete [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if txErr != nil {
		return 0, Error.Wrap(txErr)
	}
	return deleted, nil
}

func encodeCheckpoint(pos uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, pos)
	return buf
}

// encodeRow/decodeRow serialize a handler-supplied row. Row schemas are
// caller-defined at registration time (spec §4.F "schema fixed at
// registration"), so there is no fixed struct to encode with a
// schema-aware codec; JSON is used purely as a byte-level container.
func encodeRow(row map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeRow(data []byte) (map[string]interface{}, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}
