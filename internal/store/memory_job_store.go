package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dunamismax/vidflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok, nil
}

func (s *MemoryJobStore) MarkProgressing(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if domain.CanTransition(job.State, domain.JobStateProgressing) {
		job.State = domain.JobStateProgressing
		s.jobs[id] = job
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) Complete(_ context.Context, id string, payload domain.CallbackPayload) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	target := payload.TerminalState()
	if !domain.CanTransition(job.State, target) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, target)
	}
	job.State = target
	job.Callback = &payload
	s.jobs[id] = job
	return cloneJob(job), nil
}

func (s *MemoryJobStore) ListByState(_ context.Context, state domain.JobState) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if job.State == state {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func cloneJob(job domain.Job) domain.Job {
	if job.Callback != nil {
		payload := *job.Callback
		job.Callback = &payload
	}
	return job
}
