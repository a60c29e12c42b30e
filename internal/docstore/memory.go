package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okonek/go-media-pipeline/internal/model"
)

// MemoryStore is an in-process Store for worker tests. Every conditional
// write holds the store mutex for the whole check-and-set, matching the
// atomicity of the Redis implementation.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.Job
	completions map[string]map[int]model.SegmentCompletion
	triggered   map[string]bool
	started     map[string]bool
	invocations map[string]model.InvocationRecord
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*model.Job),
		completions: make(map[string]map[int]model.SegmentCompletion),
		triggered:   make(map[string]bool),
		started:     make(map[string]bool),
		invocations: make(map[string]model.InvocationRecord),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConditionFailed)
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStore) TransitionJob(ctx context.Context, id string, actor model.Actor, from, to model.Status, fields map[string]string) error {
	if !model.CanTransition(from, actor, to) {
		return fmt.Errorf("%s cannot move job %s from %s to %s: %w", actor, id, from, to, ErrIllegalTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != from {
		return fmt.Errorf("job %s not in %s: %w", id, from, ErrConditionFailed)
	}
	job.Status = to
	applyFields(job, fields)
	return nil
}

func applyFields(job *model.Job, fields map[string]string) {
	for k, v := range fields {
		switch k {
		case FieldTotalSegments:
			fmt.Sscanf(v, "%d", &job.TotalSegments)
		case FieldError:
			job.ErrorMessage = v
		case FieldArtifactKey:
			job.ArtifactKey = v
		case FieldSourceKey:
			job.SourceKey = v
		case FieldCompletedAt:
			// Tests only assert on status; the timestamp string is not
			// parsed back here.
		}
	}
}

func (s *MemoryStore) RecordCompletion(ctx context.Context, c model.SegmentCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completions[c.JobID] == nil {
		s.completions[c.JobID] = make(map[int]model.SegmentCompletion)
	}
	s.completions[c.JobID][c.Index] = c
	return nil
}

func (s *MemoryStore) CountCompletions(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions[jobID]), nil
}

func (s *MemoryStore) ListCompletions(ctx context.Context, jobID string) ([]model.SegmentCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SegmentCompletion, 0, len(s.completions[jobID]))
	for _, c := range s.completions[jobID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) AcquireTrigger(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered[jobID] {
		return false, nil
	}
	s.triggered[jobID] = true
	return true, nil
}

func (s *MemoryStore) AcquireStart(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started[jobID] {
		return false, nil
	}
	s.started[jobID] = true
	return true, nil
}

func (s *MemoryStore) PutInvocation(ctx context.Context, outputLocation string, rec model.InvocationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invocations[outputLocation]; exists {
		return false, nil
	}
	s.invocations[outputLocation] = rec
	return true, nil
}

func (s *MemoryStore) ClaimInvocation(ctx context.Context, outputLocation string) (model.InvocationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.invocations[outputLocation]
	if !ok {
		return model.InvocationRecord{}, false, nil
	}
	delete(s.invocations, outputLocation)
	return rec, true, nil
}

var _ Store = (*MemoryStore)(nil)
