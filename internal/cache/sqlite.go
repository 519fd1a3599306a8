// -----------------------------------------------------------------------
// SQLite Cache - relational job cache backend for HA deployments
// -----------------------------------------------------------------------

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteCache is the relational job cache backend. Mutual exclusion rides
// on conditional updates against (key, revision, lease_owner): every
// mutating statement re-checks the revision and lease in its WHERE clause,
// so a stale ticket can never half-apply a write.
type SQLiteCache struct {
	db     *sql.DB
	clock  common.Clock
	logger arbor.ILogger
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS job_cache (
	key           TEXT PRIMARY KEY,
	revision      INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT '',
	lease_owner   TEXT,
	lease_expiry  INTEGER,
	last_activity INTEGER NOT NULL,
	value         BLOB
);
CREATE INDEX IF NOT EXISTS idx_job_cache_status ON job_cache(status);
`

// NewSQLiteCache opens (and migrates) the relational cache backend
func NewSQLiteCache(path string, clock common.Clock, logger arbor.ILogger) (interfaces.JobCache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache database directory: %w", err)
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("SQLite job cache initialized")

	return &SQLiteCache{db: db, clock: clock, logger: logger}, nil
}

func (c *SQLiteCache) Name() string {
	return "sqlite"
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) nowMillis() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *SQLiteCache) newTicket(key string, revision int64, duration time.Duration, isNew bool) *models.Ticket {
	return &models.Ticket{
		ID:       common.NewTicketID(),
		Key:      key,
		Revision: revision,
		Expiry:   c.clock.Now().Add(duration),
		Duration: duration,
		New:      isNew,
	}
}

// OpenNewTicket inserts a placeholder row at revision zero holding the
// lease. Stale placeholders left by expired new-entry tickets are
// reclaimed with a conditional update.
func (c *SQLiteCache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (*models.Ticket, error) {
	ticket := c.newTicket(key, 0, duration, true)
	now := c.nowMillis()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO job_cache (key, revision, lease_owner, lease_expiry, last_activity)
		 VALUES (?, 0, ?, ?, ?)`,
		key, ticket.ID, ticket.Expiry.UnixMilli(), now)
	if err == nil {
		return ticket, nil
	}

	// Key exists: reclaim only an expired revision-zero placeholder
	res, err := c.db.ExecContext(ctx,
		`UPDATE job_cache SET lease_owner = ?, lease_expiry = ?, last_activity = ?
		 WHERE key = ? AND revision = 0 AND (lease_expiry IS NULL OR lease_expiry <= ?)`,
		ticket.ID, ticket.Expiry.UnixMilli(), now, key, now)
	if err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "cache open new ticket failed", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ticket, nil
	}

	var revision int64
	row := c.db.QueryRowContext(ctx, `SELECT revision FROM job_cache WHERE key = ?`, key)
	if err := row.Scan(&revision); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "cache read failed", err)
	}
	if revision > 0 {
		return nil, ErrEntryExists
	}
	return nil, ErrLeaseConflict
}

// OpenTicket takes the lease with a single conditional update: the
// revision must match and no unexpired lease may be outstanding.
func (c *SQLiteCache) OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (*models.Ticket, error) {
	ticket := c.newTicket(key, revision, duration, false)
	now := c.nowMillis()

	res, err := c.db.ExecContext(ctx,
		`UPDATE job_cache SET lease_owner = ?, lease_expiry = ?
		 WHERE key = ? AND revision = ? AND revision > 0
		   AND (lease_owner IS NULL OR lease_expiry <= ?)`,
		ticket.ID, ticket.Expiry.UnixMilli(), key, revision, now)
	if err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "cache open ticket failed", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ticket, nil
	}

	var current int64
	row := c.db.QueryRowContext(ctx, `SELECT revision FROM job_cache WHERE key = ?`, key)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		return nil, ErrEntryNotFound
	case err != nil:
		return nil, models.WrapError(models.ErrTransientIO, "cache read failed", err)
	case current != revision || current == 0:
		return nil, ErrSuperseded
	default:
		return nil, ErrLeaseConflict
	}
}

func (c *SQLiteCache) CloseTicket(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil {
		return nil
	}
	if ticket.New {
		// Placeholder never promoted past revision zero is discarded
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM job_cache WHERE key = ? AND revision = 0 AND lease_owner = ?`,
			ticket.Key, ticket.ID); err != nil {
			return models.WrapError(models.ErrTransientIO, "cache close ticket failed", err)
		}
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE job_cache SET lease_owner = NULL, lease_expiry = NULL
		 WHERE key = ? AND lease_owner = ?`,
		ticket.Key, ticket.ID)
	if err != nil {
		return models.WrapError(models.ErrTransientIO, "cache close ticket failed", err)
	}
	return nil
}

// classifyWriteMiss decides between SUPERSEDED and LEASE_CONFLICT after a
// conditional write touched no rows.
func (c *SQLiteCache) classifyWriteMiss(ctx context.Context, ticket *models.Ticket) error {
	var revision int64
	var owner sql.NullString
	row := c.db.QueryRowContext(ctx,
		`SELECT revision, lease_owner FROM job_cache WHERE key = ?`, ticket.Key)
	switch err := row.Scan(&revision, &owner); {
	case err == sql.ErrNoRows:
		return ErrEntryNotFound
	case err != nil:
		return models.WrapError(models.ErrTransientIO, "cache read failed", err)
	case revision != ticket.Revision:
		return ErrSuperseded
	case owner.Valid && owner.String != ticket.ID:
		return ErrLeaseConflict
	default:
		// Same revision, our lease expired: the pending mutation is discarded
		return ErrSuperseded
	}
}

func (c *SQLiteCache) AddEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error) {
	if !ticket.New {
		return 0, ErrSuperseded
	}
	now := c.nowMillis()
	res, err := c.db.ExecContext(ctx,
		`UPDATE job_cache SET revision = 1, status = ?, value = ?, last_activity = ?
		 WHERE key = ? AND revision = 0 AND lease_owner = ? AND lease_expiry > ?`,
		string(status), value, now, ticket.Key, ticket.ID, now)
	if err != nil {
		return 0, models.WrapError(models.ErrTransientIO, "cache add entry failed", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, c.classifyWriteMiss(ctx, ticket)
	}
	return 1, nil
}

func (c *SQLiteCache) UpdateEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error) {
	now := c.nowMillis()
	res, err := c.db.ExecContext(ctx,
		`UPDATE job_cache SET revision = revision + 1, status = ?, value = ?, last_activity = ?
		 WHERE key = ? AND revision = ? AND lease_owner = ? AND lease_expiry > ?`,
		string(status), value, now, ticket.Key, ticket.Revision, ticket.ID, now)
	if err != nil {
		return 0, models.WrapError(models.ErrTransientIO, "cache update entry failed", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, c.classifyWriteMiss(ctx, ticket)
	}
	return ticket.Revision + 1, nil
}

func (c *SQLiteCache) RemoveEntry(ctx context.Context, ticket *models.Ticket) error {
	now := c.nowMillis()
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM job_cache
		 WHERE key = ? AND revision = ? AND lease_owner = ? AND lease_expiry > ?`,
		ticket.Key, ticket.Revision, ticket.ID, now)
	if err != nil {
		return models.WrapError(models.ErrTransientIO, "cache remove entry failed", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return c.classifyWriteMiss(ctx, ticket)
	}
	return nil
}

func (c *SQLiteCache) scanEntry(row *sql.Row) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	var status string
	var owner sql.NullString
	var expiry sql.NullInt64
	var activity int64
	err := row.Scan(&entry.Key, &entry.Revision, &status, &owner, &expiry, &activity, &entry.Value)
	switch {
	case err == sql.ErrNoRows:
		return nil, ErrEntryNotFound
	case err != nil:
		return nil, models.WrapError(models.ErrTransientIO, "cache read failed", err)
	}
	entry.Status = models.JobStatusCode(status)
	entry.LastActivity = time.UnixMilli(activity)
	if owner.Valid {
		entry.LeaseOwner = owner.String
	}
	if expiry.Valid {
		entry.LeaseExpiry = time.UnixMilli(expiry.Int64)
	}
	return &entry, nil
}

const selectEntry = `SELECT key, revision, status, lease_owner, lease_expiry, last_activity, value FROM job_cache`

func (c *SQLiteCache) GetEntry(ctx context.Context, ticket *models.Ticket) (*models.CacheEntry, error) {
	return c.GetEntryAt(ctx, ticket.Key, ticket.Revision)
}

func (c *SQLiteCache) GetEntryAt(ctx context.Context, key string, revision int64) (*models.CacheEntry, error) {
	entry, err := c.GetLatestEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Revision != revision {
		return nil, ErrSuperseded
	}
	return entry, nil
}

func (c *SQLiteCache) GetLatestEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	row := c.db.QueryRowContext(ctx, selectEntry+` WHERE key = ? AND revision > 0`, key)
	return c.scanEntry(row)
}

func (c *SQLiteCache) QueryState(ctx context.Context, statuses []models.JobStatusCode) ([]*models.CacheEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := selectEntry + ` WHERE revision > 0 AND status IN (?` // first placeholder
	args := []interface{}{string(statuses[0])}
	for _, s := range statuses[1:] {
		query += ", ?"
		args = append(args, string(s))
	}
	query += ")"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "cache query failed", err)
	}
	defer rows.Close()

	var results []*models.CacheEntry
	for rows.Next() {
		var entry models.CacheEntry
		var status string
		var owner sql.NullString
		var expiry sql.NullInt64
		var activity int64
		if err := rows.Scan(&entry.Key, &entry.Revision, &status, &owner, &expiry, &activity, &entry.Value); err != nil {
			return nil, models.WrapError(models.ErrTransientIO, "cache scan failed", err)
		}
		entry.Status = models.JobStatusCode(status)
		entry.LastActivity = time.UnixMilli(activity)
		if owner.Valid {
			entry.LeaseOwner = owner.String
		}
		if expiry.Valid {
			entry.LeaseExpiry = time.UnixMilli(expiry.Int64)
		}
		results = append(results, &entry)
	}
	return results, rows.Err()
}
