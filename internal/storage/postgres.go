package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"

	"reminderd/internal/models"
)

const reminderColumns = `id, client_id, project_id, channel, status, scheduled_at,
	attempt_number, template_key, recurring, recurring_interval,
	last_attempt_at, last_error, created_at, updated_at`

// PostgresStore is the durable Store of record. Every conditional write
// is a single UPDATE guarded by a status predicate, so the claim is
// atomic at the database without any in-process locking.
type PostgresStore struct {
	db *dbpg.DB

	// readStrategy retries transient read failures. Conditional writes
	// run exactly once: retrying a compare-and-set after an ambiguous
	// network error could double-apply the attempt counter.
	readStrategy retry.Strategy
	onceStrategy retry.Strategy
}

func NewPostgresStore(db *dbpg.DB, readStrategy retry.Strategy) *PostgresStore {
	return &PostgresStore{
		db:           db,
		readStrategy: readStrategy,
		onceStrategy: retry.Strategy{Attempts: 1},
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var (
		r             models.Reminder
		interval      sql.NullString
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.ClientID, &r.ProjectID, &r.Channel, &r.Status, &r.ScheduledAt,
		&r.AttemptNumber, &r.TemplateKey, &r.Metadata.Recurring, &interval,
		&lastAttemptAt, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if interval.Valid {
		r.Metadata.RecurringInterval = models.Interval(interval.String)
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		r.LastAttemptAt = &t
	}
	if lastError.Valid {
		r.LastError = lastError.String
	}
	return &r, nil
}

func nullableInterval(m models.Metadata) interface{} {
	if !m.Recurring {
		return nil
	}
	return string(m.RecurringInterval)
}

func (s *PostgresStore) Create(ctx context.Context, r *models.Reminder) error {
	if err := validateForCreate(r); err != nil {
		return err
	}

	query := `INSERT INTO reminders (` + reminderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecWithRetry(ctx, s.onceStrategy, query,
		r.ID, r.ClientID, r.ProjectID, string(r.Channel), string(r.Status),
		r.ScheduledAt.UTC(), r.AttemptNumber, r.TemplateKey,
		r.Metadata.Recurring, nullableInterval(r.Metadata),
		r.LastAttemptAt, nullString(r.LastError),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateSuccessor inserts the next chain link unless the chain has been
// canceled since chainedFrom. The anti-join keeps the check and the
// insert in one statement, so a cancel landing between the claim and
// the resolve still suppresses the successor.
func (s *PostgresStore) CreateSuccessor(ctx context.Context, succ *models.Reminder, chainedFrom time.Time) error {
	if err := validateForCreate(succ); err != nil {
		return err
	}

	query := `INSERT INTO reminders (` + reminderColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		WHERE NOT EXISTS (
			SELECT 1 FROM chain_cancellations
			WHERE client_id = $2 AND project_id = $3 AND canceled_at > $15
		)`

	res, err := s.db.ExecWithRetry(ctx, s.onceStrategy, query,
		succ.ID, succ.ClientID, succ.ProjectID, string(succ.Channel), string(succ.Status),
		succ.ScheduledAt.UTC(), succ.AttemptNumber, succ.TemplateKey,
		succ.Metadata.Recurring, nullableInterval(succ.Metadata),
		succ.LastAttemptAt, nullString(succ.LastError),
		succ.CreatedAt.UTC(), succ.UpdatedAt.UTC(),
		chainedFrom.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: chain canceled for client %s", models.ErrConflict, succ.ClientID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`

	row, err := s.db.QueryRowWithRetry(ctx, s.readStrategy, query, id)
	if err != nil {
		return nil, fmt.Errorf("select reminder: %w", err)
	}
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, id
		LIMIT $2`

	rows, err := s.db.QueryWithRetry(ctx, s.readStrategy, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due reminders: %w", err)
	}
	defer rows.Close()
	return collectReminders(rows)
}

func (s *PostgresStore) ListByProject(ctx context.Context, projectID string, filter Filter) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE project_id = $1`
	args := []interface{}{projectID}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Channel != nil {
		args = append(args, string(*filter.Channel))
		query += ` AND channel = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY scheduled_at, id`

	rows, err := s.db.QueryWithRetry(ctx, s.readStrategy, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select project reminders: %w", err)
	}
	defer rows.Close()
	return collectReminders(rows)
}

func collectReminders(rows *sql.Rows) ([]*models.Reminder, error) {
	out := []*models.Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error) {
	query := `UPDATE reminders
		SET status = $1,
		    attempt_number = attempt_number + 1,
		    last_attempt_at = $2,
		    last_error = $3,
		    updated_at = $2
		WHERE id = $4 AND status = $5
		RETURNING ` + reminderColumns

	return s.conditionalUpdate(ctx, id, query,
		string(outcome.Status()), time.Now().UTC(), nullString(outcome.ErrorText()), id, string(expected))
}

func (s *PostgresStore) ResolveAttempt(ctx context.Context, id string, outcome models.AttemptOutcome, expected models.Status) (*models.Reminder, error) {
	query := `UPDATE reminders
		SET status = $1,
		    last_error = $2,
		    updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING ` + reminderColumns

	return s.conditionalUpdate(ctx, id, query,
		string(outcome.Status()), nullString(outcome.ErrorText()), time.Now().UTC(), id, string(expected))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, newStatus models.Status, allowedFrom []models.Status, scheduledAt *time.Time) (*models.Reminder, error) {
	var at interface{}
	if scheduledAt != nil {
		at = scheduledAt.UTC()
	}
	args := []interface{}{string(newStatus), at, time.Now().UTC(), id}

	placeholders := make([]string, 0, len(allowedFrom))
	for _, st := range allowedFrom {
		args = append(args, string(st))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}

	query := `UPDATE reminders
		SET status = $1,
		    scheduled_at = COALESCE($2::timestamptz, scheduled_at),
		    updated_at = $3
		WHERE id = $4 AND status IN (` + strings.Join(placeholders, ", ") + `)
		RETURNING ` + reminderColumns

	return s.conditionalUpdate(ctx, id, query, args...)
}

func (s *PostgresStore) Rearm(ctx context.Context, id string, scheduledAt time.Time, inFlightWindow time.Duration) (*models.Reminder, error) {
	now := time.Now().UTC()
	query := `UPDATE reminders
		SET status = 'pending',
		    scheduled_at = $1,
		    updated_at = $2
		WHERE id = $3 AND status = 'failed'
		  AND NOT (COALESCE(last_error, '') LIKE $4 AND last_attempt_at > $5)
		RETURNING ` + reminderColumns

	return s.conditionalUpdate(ctx, id, query,
		scheduledAt.UTC(), now, id, models.ErrCodeInFlight+"%", now.Add(-inFlightWindow))
}

// conditionalUpdate runs one compare-and-set statement. A missing row
// after the update means either the id is unknown (ErrNotFound) or the
// status predicate failed (ErrConflict); a follow-up read decides which.
func (s *PostgresStore) conditionalUpdate(ctx context.Context, id, query string, args ...interface{}) (*models.Reminder, error) {
	row, err := s.db.QueryRowWithRetry(ctx, s.onceStrategy, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: reminder %s", models.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan updated reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecWithRetry(ctx, s.onceStrategy, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryWithRetry(ctx, s.readStrategy, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count reminders: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// CancelPending cancels the chain and records the cancellation moment
// in the same statement. The tombstone row is written even when no
// reminder was pending: a claimed, in-flight reminder is not pending,
// and its successor must still be suppressed.
func (s *PostgresStore) CancelPending(ctx context.Context, clientID, projectID string) (int, error) {
	query := `WITH canceled AS (
			UPDATE reminders
			SET status = 'canceled', updated_at = $1
			WHERE client_id = $2 AND project_id = $3 AND status = 'pending'
			RETURNING id
		), tombstone AS (
			INSERT INTO chain_cancellations (client_id, project_id, canceled_at)
			VALUES ($2, $3, $1)
			ON CONFLICT (client_id, project_id)
			DO UPDATE SET canceled_at = EXCLUDED.canceled_at
		)
		SELECT COUNT(*) FROM canceled`

	row, err := s.db.QueryRowWithRetry(ctx, s.onceStrategy, query, time.Now().UTC(), clientID, projectID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending reminders: %w", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("cancel pending reminders: %w", err)
	}
	return n, nil
}
