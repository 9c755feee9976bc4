package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

// PostgresStore keeps records in the processed_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a Postgres-backed record store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Claim(ctx context.Context, key models.EventKey, eventType string, lease time.Duration) (string, *models.ProcessedEventRecord, error) {
	now := s.now().UTC()
	token := newClaimToken()

	// Inserts a new claim, or takes over one whose lease or retention expired.
	query := `
		INSERT INTO processed_events (source, event_id, event_type, status, processed_at, expires_at, error, claim_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		ON CONFLICT (source, event_id) DO UPDATE
			SET event_type = EXCLUDED.event_type,
			    status = EXCLUDED.status,
			    processed_at = EXCLUDED.processed_at,
			    expires_at = EXCLUDED.expires_at,
			    error = NULL,
			    claim_token = EXCLUDED.claim_token
			WHERE processed_events.expires_at <= EXCLUDED.processed_at
		RETURNING event_id
	`

	var id string
	err := s.pool.QueryRow(ctx, query,
		string(key.Source), key.EventID, eventType, string(models.StatusProcessing), now, now.Add(lease), token,
	).Scan(&id)
	if err == nil {
		return token, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("failed to claim event: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Expired between the insert and the read; treat as in progress.
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return "", existing, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key models.EventKey, token string, status models.RecordStatus, errMsg string, retention time.Duration) error {
	now := s.now().UTC()

	query := `
		UPDATE processed_events
		SET status = $3, processed_at = $4, expires_at = $5, error = NULLIF($6, ''), claim_token = NULL
		WHERE source = $1 AND event_id = $2
		  AND status = 'processing' AND claim_token = $7
	`
	tag, err := s.pool.Exec(ctx, query,
		string(key.Source), key.EventID, string(status), now, now.Add(retention), errMsg, token)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to complete event %s: %w", key, ErrClaimLost)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key models.EventKey, token string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processed_events
		WHERE source = $1 AND event_id = $2
		  AND status = 'processing' AND claim_token = $3
	`, string(key.Source), key.EventID, token)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to release event %s: %w", key, ErrClaimLost)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key models.EventKey) (*models.ProcessedEventRecord, error) {
	query := `
		SELECT source, event_id, event_type, status, processed_at, expires_at,
		       COALESCE(error, ''), COALESCE(claim_token, '')
		FROM processed_events
		WHERE source = $1 AND event_id = $2 AND expires_at > $3
	`

	var rec models.ProcessedEventRecord
	var source, status string
	err := s.pool.QueryRow(ctx, query, string(key.Source), key.EventID, s.now().UTC()).Scan(
		&source, &rec.EventID, &rec.EventType, &status, &rec.ProcessedAt, &rec.ExpiresAt, &rec.Error, &rec.ClaimToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}
	rec.Source = models.Source(source)
	rec.Status = models.RecordStatus(status)
	return &rec, nil
}

// DeleteExpired removes records past their expiry and returns how many.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
