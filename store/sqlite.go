package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/idemkit/go-idempotency"
)

// DefaultSweepInterval is how often expired rows are purged. Expiry
// correctness never depends on the sweep; it only reclaims space.
const DefaultSweepInterval = 1 * time.Hour

// SQLiteStore is a relational implementation of Store using
// modernc.org/sqlite. Records and locks live in two tables; lock
// acquisition runs inside an immediate (write-serialized) transaction
// so contenders cannot interleave the read-decide-write sequence.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSweepInterval sets how often the background sweeper purges
// expired records and locks.
func WithSweepInterval(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.sweepInterval = d
	}
}

// WithLogger sets the structured logger for the store.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = l
	}
}

// NewSQLiteStore creates a SQLite store at the given path. The schema
// is created if it doesn't exist; parent directories are created if
// needed.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// _txlock=immediate makes every transaction take the write lock up
	// front, which is what serializes lock contenders. The pragmas go
	// in the DSN so they apply to every pooled connection.
	dsn := "file:" + path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:            db,
		logger:        slog.Default().With("component", "idempotency-store"),
		sweepInterval: DefaultSweepInterval,
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.sweep()

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key          TEXT PRIMARY KEY,
			status_code  INTEGER NOT NULL,
			headers_json TEXT NOT NULL,
			body         BLOB NOT NULL,
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL,
			payload_hash TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires
			ON idempotency_records(expires_at);

		CREATE TABLE IF NOT EXISTS idempotency_locks (
			key        TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_locks_expires
			ON idempotency_locks(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the record for key, treating expired rows as absent and
// purging them lazily.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status_code, headers_json, body, created_at, expires_at, payload_hash
		FROM idempotency_records WHERE key = ?`, key)

	var (
		statusCode   int
		headersJSON  string
		body         []byte
		createdNanos int64
		expiresNanos int64
		payloadHash  sql.NullString
	)
	if err := row.Scan(&statusCode, &headersJSON, &body, &createdNanos, &expiresNanos, &payloadHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrNotFound
		}
		return nil, err
	}

	rec := &idempotency.Record{
		StatusCode:  statusCode,
		Body:        body,
		CreatedAt:   time.Unix(0, createdNanos).UTC(),
		ExpiresAt:   time.Unix(0, expiresNanos).UTC(),
		PayloadHash: payloadHash.String,
	}

	if rec.Expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_records WHERE key = ? AND expires_at = ?`,
			key, expiresNanos); err != nil {
			s.logger.Warn("failed to purge expired record", "key", key, "error", err)
		}
		return nil, idempotency.ErrNotFound
	}

	var headers http.Header
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		return nil, fmt.Errorf("decoding cached headers: %w", err)
	}
	rec.Headers = headers

	return rec, nil
}

// Save upserts the record, preserving created_at from a prior row so
// record age reflects first write.
func (s *SQLiteStore) Save(ctx context.Context, key string, rec *idempotency.Record, ttl time.Duration) error {
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	now := time.Now().UTC()
	createdNanos := rec.CreatedAt.UTC().UnixNano()
	expiresNanos := now.Add(ttl).UnixNano()

	payloadHash := sql.NullString{String: rec.PayloadHash, Valid: rec.PayloadHash != ""}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var priorCreated int64
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM idempotency_records WHERE key = ?`, key).Scan(&priorCreated)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET status_code = ?, headers_json = ?, body = ?, expires_at = ?, payload_hash = ?
			WHERE key = ?`,
			rec.StatusCode, string(headersJSON), rec.Body, expiresNanos, payloadHash, key)
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_records
				(key, status_code, headers_json, body, created_at, expires_at, payload_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, rec.StatusCode, string(headersJSON), rec.Body, createdNanos, expiresNanos, payloadHash)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// acquisition outcomes inside one transaction attempt
var (
	errLockHeld   = errors.New("lock held by a live owner")
	errRecordLive = errors.New("live record appeared during acquisition")
)

// AcquireLock runs the serialized acquire sequence, retrying contention
// losses with random backoff while a wait budget remains.
func (s *SQLiteStore) AcquireLock(ctx context.Context, key string, lockTTL, waitBudget time.Duration) (idempotency.ReleaseFunc, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(waitBudget)

	for {
		err := s.tryAcquire(ctx, key, owner, lockTTL)
		switch {
		case err == nil:
			return s.releaseFunc(key, owner), nil
		case errors.Is(err, errRecordLive):
			// A contender finished while we raced for the lock; report
			// a lost acquisition so the work is not executed again.
			return nil, idempotency.ErrLockNotAcquired
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		}

		// Held locks and transaction-level contention both land here:
		// back off and retry while budget remains.
		if waitBudget <= 0 || !time.Now().Before(deadline) {
			return nil, idempotency.ErrLockNotAcquired
		}
		if err := sleepBackoff(ctx); err != nil {
			return nil, err
		}
	}
}

// tryAcquire is a single acquisition attempt inside one immediate
// transaction: read the lock row, take over or insert, then re-check
// that no live record appeared while racing.
func (s *SQLiteStore) tryAcquire(ctx context.Context, key, owner string, lockTTL time.Duration) error {
	now := time.Now().UTC()
	expiresNanos := now.Add(lockTTL).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		currentOwner  string
		currentExpiry int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id, expires_at FROM idempotency_locks WHERE key = ?`, key).
		Scan(&currentOwner, &currentExpiry)
	switch {
	case err == nil:
		if currentExpiry >= now.UnixNano() {
			return errLockHeld
		}
		// Expired lock: take it over.
		_, err = tx.ExecContext(ctx, `
			UPDATE idempotency_locks SET owner_id = ?, expires_at = ? WHERE key = ?`,
			owner, expiresNanos, key)
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_locks (key, owner_id, expires_at) VALUES (?, ?, ?)`,
			key, owner, expiresNanos)
	}
	if err != nil {
		return err
	}

	// Safety re-check: if a record was committed while we raced for the
	// lock, drop the lock we just wrote so the work is not executed again.
	var recordExpiry int64
	err = tx.QueryRowContext(ctx, `
		SELECT expires_at FROM idempotency_records WHERE key = ?`, key).Scan(&recordExpiry)
	switch {
	case err == nil && recordExpiry > now.UnixNano():
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_locks WHERE key = ? AND owner_id = ?`, key, owner); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return errRecordLive
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) releaseFunc(key, owner string) idempotency.ReleaseFunc {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			// Conditional single-statement delete; a takeover by a new
			// owner makes this a no-op.
			_, err = s.db.ExecContext(ctx, `
				DELETE FROM idempotency_locks WHERE key = ? AND owner_id = ?`, key, owner)
		})
		return err
	}
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.db.Close()
}

// sweep periodically purges expired records and locks. Failures are
// logged and retried on the next tick.
func (s *SQLiteStore) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		now := time.Now().UnixNano()
		if _, err := s.db.Exec(`DELETE FROM idempotency_records WHERE expires_at < ?`, now); err != nil {
			s.logger.Warn("failed to sweep expired records", "error", err)
		}
		if _, err := s.db.Exec(`DELETE FROM idempotency_locks WHERE expires_at < ?`, now); err != nil {
			s.logger.Warn("failed to sweep expired locks", "error", err)
		}
	}
}
