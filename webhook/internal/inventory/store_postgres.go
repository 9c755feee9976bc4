package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable inventory store. Decrements lock the
// resource row for the length of one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed inventory store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Decrement(ctx context.Context, key ResourceKey, quantity int, token string) (res Result, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !res.OK || res.Replayed {
			_ = tx.Rollback(ctx)
		}
	}()

	var capacity, sold int
	err = tx.QueryRow(ctx, `
		SELECT total_capacity, reserved_or_sold
		FROM inventory
		WHERE resource_id = $1 AND tier = $2
		FOR UPDATE
	`, key.ResourceID, key.Tier).Scan(&capacity, &sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrUnknownResource
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to lock inventory: %w", err)
	}

	var priorQty, priorAfter int
	err = tx.QueryRow(ctx, `
		SELECT quantity, available_after
		FROM inventory_decrements
		WHERE resource_id = $1 AND tier = $2 AND token = $3
	`, key.ResourceID, key.Tier, token).Scan(&priorQty, &priorAfter)
	switch {
	case err == nil:
		if priorQty != quantity {
			return Result{}, ErrTokenConflict
		}
		return Result{OK: true, AvailableAfter: priorAfter, Available: priorAfter, Replayed: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Result{}, fmt.Errorf("failed to read token: %w", err)
	}
	err = nil

	available := capacity - sold
	if available < quantity {
		return Result{OK: false, Available: available}, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE inventory
		SET reserved_or_sold = reserved_or_sold + $3, updated_at = now()
		WHERE resource_id = $1 AND tier = $2
		  AND total_capacity - reserved_or_sold >= $3
	`, key.ResourceID, key.Tier, quantity)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decrement inventory: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Result{}, fmt.Errorf("decrement of %s matched %d rows", key, tag.RowsAffected())
	}

	after := available - quantity
	if _, err = tx.Exec(ctx, `
		INSERT INTO inventory_decrements (resource_id, tier, token, quantity, available_after)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ResourceID, key.Tier, token, quantity, after); err != nil {
		return Result{}, fmt.Errorf("failed to record token: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to commit decrement: %w", err)
	}
	return Result{OK: true, AvailableAfter: after, Available: after}, nil
}

func (s *PostgresStore) AdvanceMilestone(ctx context.Context, key ResourceKey, threshold int) (int, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous int
	err = tx.QueryRow(ctx, `
		SELECT last_milestone FROM inventory
		WHERE resource_id = $1 AND tier = $2
		FOR UPDATE
	`, key.ResourceID, key.Tier).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrUnknownResource
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock milestone: %w", err)
	}
	if previous != NoMilestone && threshold >= previous {
		return previous, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE inventory SET last_milestone = $3
		WHERE resource_id = $1 AND tier = $2
	`, key.ResourceID, key.Tier, threshold); err != nil {
		return 0, false, fmt.Errorf("failed to advance milestone: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("failed to commit milestone: %w", err)
	}
	return previous, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, key ResourceKey) (*Record, error) {
	rec := &Record{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT total_capacity, reserved_or_sold, last_milestone, updated_at
		FROM inventory
		WHERE resource_id = $1 AND tier = $2
	`, key.ResourceID, key.Tier).Scan(&rec.TotalCapacity, &rec.ReservedOrSold, &rec.LastMilestone, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownResource
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id, tier, total_capacity, reserved_or_sold, last_milestone, updated_at
		FROM inventory
		ORDER BY resource_id, tier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key.ResourceID, &rec.Key.Tier, &rec.TotalCapacity,
			&rec.ReservedOrSold, &rec.LastMilestone, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Provision(ctx context.Context, key ResourceKey, fn ProvisionFunc) (*Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current *Record
	cur := Record{Key: key}
	err = tx.QueryRow(ctx, `
		SELECT total_capacity, reserved_or_sold, last_milestone, updated_at
		FROM inventory
		WHERE resource_id = $1 AND tier = $2
		FOR UPDATE
	`, key.ResourceID, key.Tier).Scan(&cur.TotalCapacity, &cur.ReservedOrSold, &cur.LastMilestone, &cur.UpdatedAt)
	switch {
	case err == nil:
		current = &cur
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to lock inventory: %w", err)
	}

	rec, err := fn(current)
	if err != nil {
		return nil, err
	}
	rec.Key = key

	if _, err := tx.Exec(ctx, `
		INSERT INTO inventory (resource_id, tier, total_capacity, reserved_or_sold, last_milestone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_id, tier) DO UPDATE
			SET total_capacity = EXCLUDED.total_capacity,
			    reserved_or_sold = EXCLUDED.reserved_or_sold,
			    last_milestone = EXCLUDED.last_milestone,
			    updated_at = EXCLUDED.updated_at
	`, key.ResourceID, key.Tier, rec.TotalCapacity, rec.ReservedOrSold, rec.LastMilestone, rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to provision inventory: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit provision: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Reset(ctx context.Context, key ResourceKey) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM inventory WHERE resource_id = $1 AND tier = $2`,
		key.ResourceID, key.Tier)
	if err != nil {
		return fmt.Errorf("failed to reset inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownResource
	}
	return nil
}
