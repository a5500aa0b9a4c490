// Package inmem provides an in-memory implementation of checkpoint.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"playbooks.ai/playbooks/runtime/checkpoint"
)

type (
	// Store is an in-memory implementation of checkpoint.Store.
	// It is safe for concurrent use.
	Store struct {
		mu      sync.RWMutex
		records map[string]map[string]checkpoint.Record
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]map[string]checkpoint.Record)}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, rec checkpoint.Record) error {
	if err := checkpoint.Validate(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey(rec.Namespace, rec.ExecutionID)
	execs, ok := s.records[key]
	if !ok {
		execs = make(map[string]checkpoint.Record)
		s.records[key] = execs
	}
	execs[rec.CheckpointID] = cloneRecord(rec)
	return nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(_ context.Context, namespace, executionID string) (checkpoint.Record, error) {
	if executionID == "" {
		return checkpoint.Record{}, errors.New("execution id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	execs, ok := s.records[executionKey(namespace, executionID)]
	if !ok || len(execs) == 0 {
		return checkpoint.Record{}, checkpoint.ErrNotFound
	}
	var latest checkpoint.Record
	found := false
	for _, rec := range execs {
		if !found || rec.Metadata.Counter > latest.Metadata.Counter {
			latest = rec
			found = true
		}
	}
	return cloneRecord(latest), nil
}

// List implements checkpoint.Store.
func (s *Store) List(_ context.Context, namespace, executionID string) ([]checkpoint.Record, error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	execs := s.records[executionKey(namespace, executionID)]
	out := make([]checkpoint.Record, 0, len(execs))
	for _, rec := range execs {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Counter < out[j].Metadata.Counter
	})
	return out, nil
}

// Prune implements checkpoint.Store.
func (s *Store) Prune(_ context.Context, namespace, executionID string) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, executionKey(namespace, executionID))
	return nil
}

func executionKey(namespace, executionID string) string {
	return namespace + "/" + executionID
}

func cloneRecord(in checkpoint.Record) checkpoint.Record {
	out := in
	out.ExecutionState.Variables = cloneMap(in.ExecutionState.Variables)
	if len(in.ExecutionState.Agents) > 0 {
		agents := make([]checkpoint.AgentState, len(in.ExecutionState.Agents))
		for i, a := range in.ExecutionState.Agents {
			agents[i] = a
			agents[i].Variables = cloneMap(a.Variables)
			agents[i].State = cloneMap(a.State)
			agents[i].CallStack = append(a.CallStack[:0:0], a.CallStack...)
		}
		out.ExecutionState.Agents = agents
	}
	out.Metadata.CallStack = append(in.Metadata.CallStack[:0:0], in.Metadata.CallStack...)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
