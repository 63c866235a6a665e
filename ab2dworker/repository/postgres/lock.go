package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Ensure LockRepository satisfies the interface
var _ repository.LockRepository = &LockRepository{}

// LockRepository implements named locks in a single table. A lock is won by
// inserting its row, or by stealing a row whose holder's TTL has lapsed.
// Postgres' row-level serialization makes the upsert race-free.
type LockRepository struct {
	queryable
	executable
}

func NewLockRepository(db *sql.DB) *LockRepository {
	return &LockRepository{db, db}
}

func (r *LockRepository) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	query := `INSERT INTO locks (name, owner, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at < NOW() OR locks.owner = EXCLUDED.owner`

	result, err := r.ExecContext(ctx, query, name, owner, int(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *LockRepository) ReleaseLock(ctx context.Context, name, owner string) error {
	query := `DELETE FROM locks WHERE name = $1 AND owner = $2`
	_, err := r.ExecContext(ctx, query, name, owner)
	return err
}
