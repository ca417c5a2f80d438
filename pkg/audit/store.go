package audit

import (
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

var ErrConflict = errors.New("audit: record already exists")

// PebbleStore keeps insert-only audit rows. An insert never overwrites, a
// taken key is reported back as a conflict.
type PebbleStore struct {
	// mx makes the existence check and the batch commit one step
	mx sync.Mutex
	db *pebble.DB
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.WithMessage(err, "fail open pebble at "+path)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Insert writes the records that do not exist yet in one synced batch and
// returns the positions of the ones whose key was already taken, in the
// store or earlier in the same batch.
func (s *PebbleStore) Insert(records ...Record) ([]int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	var conflicts []int
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		key := rec.Key()
		if _, dup := seen[string(key)]; dup {
			conflicts = append(conflicts, i)
			continue
		}
		exists, err := s.exists(key)
		if err != nil {
			return nil, err
		}
		if exists {
			conflicts = append(conflicts, i)
			continue
		}
		seen[string(key)] = struct{}{}
		if err = batch.Set(key, rec.Body, nil); err != nil {
			return nil, errors.WithMessage(err, "fail stage record")
		}
	}

	if len(seen) > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			return nil, errors.WithMessage(err, "fail commit audit batch")
		}
	}
	return conflicts, nil
}

// InsertOne is Insert for a single record, a taken key yields ErrConflict
func (s *PebbleStore) InsertOne(rec Record) error {
	conflicts, err := s.Insert(rec)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return ErrConflict
	}
	return nil
}

func (s *PebbleStore) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessage(err, "fail read audit key")
	}
	closer.Close()
	return true, nil
}

// Scan visits the rows of one partition in time order until fn fails
func (s *PebbleStore) Scan(table, partition string, fn func(rec Record) error) error {
	prefix := partitionPrefix(table, partition)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		nanos, err := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
		if err != nil {
			return errors.WithMessage(err, "malformed audit key "+string(iter.Key()))
		}
		body := make([]byte, len(iter.Value()))
		copy(body, iter.Value())
		if err = fn(Record{Table: table, Partition: partition, Time: time.Unix(0, nanos), Body: body}); err != nil {
			return err
		}
	}
	return iter.Error()
}
