package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/dunamismax/vidflow/internal/domain"
)

const badgerJobPrefix = "jobs/"

// BadgerJobStore keeps job records as JSON values under jobs/<id> in an
// embedded badger database. Each state change runs in one read-write txn.
type BadgerJobStore struct {
	db *badger.DB
}

func NewBadgerJobStore(dir string) (*BadgerJobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerJobStore{db: db}, nil
}

// newInMemoryBadgerJobStore opens a badger instance with no files on disk.
func newInMemoryBadgerJobStore() (*BadgerJobStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerJobStore{db: db}, nil
}

func (s *BadgerJobStore) Close() error {
	return s.db.Close()
}

func (s *BadgerJobStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (s *BadgerJobStore) Create(_ context.Context, job domain.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(jobKey(job.ID))
		if err == nil {
			return ErrDuplicateJob
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check job %s: %w", job.ID, err)
		}
		return putRecord(txn, toRecord(job))
	})
}

func (s *BadgerJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	var (
		job   domain.Job
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err = rec.toJob()
		found = err == nil
		return err
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, found, nil
}

func (s *BadgerJobStore) MarkProgressing(_ context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if domain.CanTransition(domain.JobState(rec.JobState), domain.JobStateProgressing) {
			rec.JobState = string(domain.JobStateProgressing)
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		job, err = rec.toJob()
		return err
	})
	return job, err
}

func (s *BadgerJobStore) Complete(_ context.Context, id string, payload domain.CallbackPayload) (domain.Job, error) {
	var job domain.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		target := payload.TerminalState()
		if !domain.CanTransition(domain.JobState(rec.JobState), target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.JobState, target)
		}
		rec.JobState = string(target)
		rec.CallbackData = &payload
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		job, err = rec.toJob()
		return err
	})
	return job, err
}

func (s *BadgerJobStore) ListByState(_ context.Context, state domain.JobState) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerJobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec jobRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode job %s: %w", it.Item().Key(), err)
			}
			if rec.JobState != string(state) {
				continue
			}
			job, err := rec.toJob()
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

func jobKey(id string) []byte {
	return []byte(badgerJobPrefix + id)
}

func getRecord(txn *badger.Txn, id string) (jobRecord, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return jobRecord{}, ErrJobNotFound
	}
	if err != nil {
		return jobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}

	var rec jobRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return jobRecord{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return rec, nil
}

func putRecord(txn *badger.Txn, rec jobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.JobID, err)
	}
	if err := txn.Set(jobKey(rec.JobID), data); err != nil {
		return fmt.Errorf("store job %s: %w", rec.JobID, err)
	}
	return nil
}
