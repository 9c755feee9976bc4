package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// MemoryStore keeps records in process. Suitable for tests and single
// instance deployments without Redis or Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[models.EventKey]models.ProcessedEventRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[models.EventKey]models.ProcessedEventRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, key models.EventKey, eventType string, lease time.Duration) (string, *models.ProcessedEventRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		return "", &rec, nil
	}
	rec := newRecord(key, eventType, models.StatusProcessing, now, lease, "")
	rec.ClaimToken = newClaimToken()
	s.records[key] = *rec
	return rec.ClaimToken, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key models.EventKey, token string, status models.RecordStatus, errMsg string, retention time.Duration) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	if !ok || !holds(&cur, token) {
		return fmt.Errorf("failed to complete event %s: %w", key, ErrClaimLost)
	}
	s.records[key] = *newRecord(key, cur.EventType, status, now, retention, errMsg)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key models.EventKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	if !ok || !holds(&cur, token) {
		return fmt.Errorf("failed to release event %s: %w", key, ErrClaimLost)
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key models.EventKey) (*models.ProcessedEventRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteExpired removes records past their expiry and returns how many.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
