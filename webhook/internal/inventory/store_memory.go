package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type appliedToken struct {
	quantity       int
	availableAfter int
}

// MemoryStore keeps inventory in process behind one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[ResourceKey]*Record
	tokens  map[ResourceKey]map[string]appliedToken
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[ResourceKey]*Record),
		tokens:  make(map[ResourceKey]map[string]appliedToken),
	}
}

func (s *MemoryStore) Decrement(_ context.Context, key ResourceKey, quantity int, token string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Result{}, ErrUnknownResource
	}
	if prior, ok := s.tokens[key][token]; ok {
		if prior.quantity != quantity {
			return Result{}, ErrTokenConflict
		}
		return Result{OK: true, AvailableAfter: prior.availableAfter, Available: prior.availableAfter, Replayed: true}, nil
	}

	available := rec.Available()
	if available < quantity {
		return Result{OK: false, Available: available}, nil
	}

	rec.ReservedOrSold += quantity
	rec.UpdatedAt = time.Now().UTC()
	after := rec.Available()
	if s.tokens[key] == nil {
		s.tokens[key] = make(map[string]appliedToken)
	}
	s.tokens[key][token] = appliedToken{quantity: quantity, availableAfter: after}
	return Result{OK: true, AvailableAfter: after, Available: after}, nil
}

func (s *MemoryStore) AdvanceMilestone(_ context.Context, key ResourceKey, threshold int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return 0, false, ErrUnknownResource
	}
	previous := rec.LastMilestone
	if previous != NoMilestone && threshold >= previous {
		return previous, false, nil
	}
	rec.LastMilestone = threshold
	return previous, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key ResourceKey) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrUnknownResource
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Provision(_ context.Context, key ResourceKey, fn ProvisionFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Record
	if rec, ok := s.records[key]; ok {
		cp := *rec
		current = &cp
	}
	rec, err := fn(current)
	if err != nil {
		return nil, err
	}
	rec.Key = key
	s.records[key] = &rec
	out := rec
	return &out, nil
}

func (s *MemoryStore) Reset(_ context.Context, key ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return ErrUnknownResource
	}
	delete(s.records, key)
	delete(s.tokens, key)
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Key.ResourceID != recs[j].Key.ResourceID {
			return recs[i].Key.ResourceID < recs[j].Key.ResourceID
		}
		return recs[i].Key.Tier < recs[j].Key.Tier
	})
}
