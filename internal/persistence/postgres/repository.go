// Package postgres provides the apply endpoint's persistence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fieldsync/internal/domain"
	"example.com/fieldsync/internal/observability"
	"example.com/fieldsync/internal/persistence"
)

// Entry is one accepted client action as stored server-side. ActionID
// is the client-generated id and the idempotency key: the same action
// submitted twice lands on a single row.
type Entry struct {
	ActionID   string
	OrgID      string
	UserID     string
	Kind       domain.ActionKind
	Payload    json.RawMessage
	CreatedAt  time.Time
	ReceivedAt time.Time
}

// Progress reports checkpoint confirmation counts for a patrol.
type Progress struct {
	Confirmed int
	Total     int
}

// Repository provides Postgres-backed persistence for applied actions
// and reference data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEntry = `INSERT INTO entries (action_id, org_id, user_id, kind, payload, created_at, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (action_id) DO NOTHING`

// ApplyEntries inserts a batch of entries inside a single transaction.
// Duplicates (same action id) count as accepted: the client is
// retrying something that already landed.
func (r *Repository) ApplyEntries(ctx context.Context, entries []Entry) (accepted []string, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	for _, entry := range entries {
		if _, err = tx.Exec(ctx, insertEntry,
			entry.ActionID, entry.OrgID, entry.UserID, string(entry.Kind), entry.Payload, entry.CreatedAt, now,
		); err != nil {
			return nil, err
		}
		accepted = append(accepted, entry.ActionID)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	observability.RecordEntryPersisted(now)
	return accepted, nil
}

// ApplyEntry inserts a single entry idempotently.
func (r *Repository) ApplyEntry(ctx context.Context, entry Entry) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, insertEntry,
		entry.ActionID, entry.OrgID, entry.UserID, string(entry.Kind), entry.Payload, entry.CreatedAt, now,
	)
	if err != nil {
		return err
	}
	observability.RecordEntryPersisted(now)
	return nil
}

// RecordCheckpoint stores a checkpoint confirmation and returns the
// canonical progress for the patrol. The unique (patrol_id,
// checkpoint_id) constraint makes re-confirmation a no-op.
func (r *Repository) RecordCheckpoint(ctx context.Context, entry Entry, scan domain.CheckpointScanEvent) (Progress, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Progress{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.Exec(ctx, insertEntry,
		entry.ActionID, entry.OrgID, entry.UserID, string(entry.Kind), entry.Payload, entry.CreatedAt, now,
	); err != nil {
		return Progress{}, err
	}

	if _, err = tx.Exec(ctx, `INSERT INTO checkpoint_logs (patrol_id, checkpoint_id, org_id, user_id, method, scanned_at, action_id)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (patrol_id, checkpoint_id) DO NOTHING`,
		scan.PatrolID, scan.CheckpointID, entry.OrgID, entry.UserID, string(scan.Method), scan.ScannedAt, entry.ActionID,
	); err != nil {
		return Progress{}, err
	}

	var progress Progress
	if err = tx.QueryRow(ctx,
		`SELECT count(*) FROM checkpoint_logs WHERE patrol_id = $1`, scan.PatrolID,
	).Scan(&progress.Confirmed); err != nil {
		return Progress{}, err
	}
	if err = tx.QueryRow(ctx,
		`SELECT count(*) FROM checkpoints WHERE site_id = $1`, scan.SiteID,
	).Scan(&progress.Total); err != nil {
		return Progress{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return Progress{}, err
	}
	observability.RecordEntryPersisted(now)
	observability.RecordCheckpointLogged(now)
	return progress, nil
}

// Reference returns the sites and checkpoints of an organization.
func (r *Repository) Reference(ctx context.Context, orgID string) ([]domain.Site, []domain.Checkpoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, org_id, name, latitude, longitude, radius_meters FROM sites WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var sites []domain.Site
	for rows.Next() {
		var site domain.Site
		if err := rows.Scan(&site.ID, &site.OrgID, &site.Name, &site.Latitude, &site.Longitude, &site.RadiusMeters); err != nil {
			return nil, nil, err
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	cpRows, err := r.pool.Query(ctx,
		`SELECT c.id, c.site_id, c.name, c.order_index, c.code
           FROM checkpoints c JOIN sites s ON s.id = c.site_id
          WHERE s.org_id = $1 ORDER BY c.site_id, c.order_index`, orgID)
	if err != nil {
		return nil, nil, err
	}
	defer cpRows.Close()

	var checkpoints []domain.Checkpoint
	for cpRows.Next() {
		var cp domain.Checkpoint
		if err := cpRows.Scan(&cp.ID, &cp.SiteID, &cp.Name, &cp.OrderIndex, &cp.Code); err != nil {
			return nil, nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := cpRows.Err(); err != nil {
		return nil, nil, err
	}

	return sites, checkpoints, nil
}

// LatestSession rebuilds the authoritative attendance session for a
// user from their most recent clock entries. A trailing clock_in means
// an open shift; a trailing clock_out closes the shift it follows.
// Returns nil when the user has no open or just-closed shift.
func (r *Repository) LatestSession(ctx context.Context, orgID, userID string) (*domain.AttendanceSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, payload FROM entries
          WHERE org_id = $1 AND user_id = $2 AND kind IN ('clock_in', 'clock_out')
          ORDER BY created_at DESC LIMIT 2`, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type clockRow struct {
		kind  domain.ActionKind
		event domain.ClockEvent
	}
	var recent []clockRow
	for rows.Next() {
		var row clockRow
		var kind string
		var payload json.RawMessage
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, err
		}
		row.kind = domain.ActionKind(kind)
		if err := json.Unmarshal(payload, &row.event); err != nil {
			return nil, err
		}
		recent = append(recent, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(recent) == 0 {
		return nil, nil
	}

	latest := recent[0]
	if latest.kind == domain.ActionClockIn {
		return &domain.AttendanceSession{
			UserID:    userID,
			SiteID:    latest.event.SiteID,
			ClockInAt: latest.event.At,
		}, nil
	}

	// Latest is a clock_out; pair it with the clock_in before it.
	if len(recent) < 2 || recent[1].kind != domain.ActionClockIn {
		return nil, nil
	}
	out := latest.event.At
	return &domain.AttendanceSession{
		UserID:     userID,
		SiteID:     recent[1].event.SiteID,
		ClockInAt:  recent[1].event.At,
		ClockOutAt: &out,
	}, nil
}

// ListEntries returns entries for a user with cursor pagination, most
// recent first.
func (r *Repository) ListEntries(ctx context.Context, orgID, userID string, cursor *persistence.Cursor, limit int) ([]Entry, *persistence.Cursor, error) {
	args := []interface{}{orgID, userID, limit}
	query := `SELECT action_id, org_id, user_id, kind, payload, created_at, received_at
        FROM entries WHERE org_id=$1 AND user_id=$2`

	if cursor != nil {
		query += ` AND (received_at, action_id) < ($4, $5)`
		args = append(args, cursor.ReceivedAt, cursor.ActionID)
	}
	query += ` ORDER BY received_at DESC, action_id DESC LIMIT $3`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var kind string
		if err := rows.Scan(&entry.ActionID, &entry.OrgID, &entry.UserID, &kind, &entry.Payload, &entry.CreatedAt, &entry.ReceivedAt); err != nil {
			return nil, nil, err
		}
		entry.Kind = domain.ActionKind(kind)
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *persistence.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &persistence.Cursor{ReceivedAt: last.ReceivedAt, ActionID: last.ActionID}
	}
	return results, next, nil
}

// EntryExists reports whether an action id has already been applied.
func (r *Repository) EntryExists(ctx context.Context, actionID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM entries WHERE action_id = $1`, actionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
