package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed request keys per module together
// with a fingerprint of the request and the response it produced.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

var (
	// ErrIdempotencyConflict indicates a key reused for a different request.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	// ErrIdempotencyInFlight indicates the first request holding the key
	// has not recorded its response yet.
	ErrIdempotencyInFlight = errors.New("idempotent request still in progress")
)

// IdempotencyRecord is a stored claim.
type IdempotencyRecord struct {
	Fingerprint string
	Response    []byte
}

// Replay decides what a repeated request receives: the stored response
// when the fingerprint matches, an error otherwise.
func (r IdempotencyRecord) Replay(fingerprint string) ([]byte, error) {
	if r.Fingerprint != fingerprint {
		return nil, ErrIdempotencyConflict
	}
	if len(r.Response) == 0 {
		return nil, ErrIdempotencyInFlight
	}
	return r.Response, nil
}

func checkKey(key, module string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}

// Claim claims key for module. claimed is false when the key already
// exists; the stored record is returned so the caller can Replay it.
func (s *IdempotencyStore) Claim(ctx context.Context, key, module, fingerprint string) (rec IdempotencyRecord, claimed bool, err error) {
	if s == nil {
		return rec, false, errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return rec, false, err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, fingerprint, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key, module) DO NOTHING`, key, module, fingerprint, s.now())
	if err != nil {
		return rec, false, err
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyRecord{Fingerprint: fingerprint}, true, nil
	}
	err = s.pool.QueryRow(ctx, `SELECT fingerprint, response FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module).Scan(&rec.Fingerprint, &rec.Response)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the insert and the read.
		return IdempotencyRecord{Fingerprint: fingerprint}, false, nil
	}
	return rec, false, err
}

// Complete records the response of a claimed key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, module string, response []byte) error {
	if s == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET response=$3 WHERE key=$1 AND module=$2`, key, module, response)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Release removes a claimed key so a failed request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module)
	return err
}
