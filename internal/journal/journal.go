// Package journal records the outcome of every forwarded datagram in
// SQLite so deliveries left unacknowledged at shutdown can be audited.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome is the delivery state of a journal entry.
type Outcome string

const (
	OutcomePending      Outcome = "pending"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeFailed       Outcome = "failed"
	OutcomeStranded     Outcome = "stranded"
)

var (
	// ErrCompleted is returned when a delivery already has a final outcome.
	ErrCompleted = errors.New("journal: delivery already completed")

	// ErrDuplicate is returned when a delivery id is recorded twice.
	ErrDuplicate = errors.New("journal: delivery already recorded")
)

const (
	// maxListLimit caps ListByOutcome.
	maxListLimit = 500

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry is one forwarded message.
type Entry struct {
	DeliveryID  uint64     `json:"delivery_id"`
	InstanceID  string     `json:"instance_id"`
	Sender      string     `json:"sender,omitempty"`
	Topic       string     `json:"topic"`
	QoS         int        `json:"qos"`
	Size        int        `json:"size"`
	ReceivedAt  time.Time  `json:"received_at"`
	PublishedAt time.Time  `json:"published_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	Error       string     `json:"error,omitempty"`
}

// Repository stores entries in the deliveries table.
//
// Delivery ids restart with every process, so rows are keyed by the
// instance id the repository was created with.
//
// RecordPublished and the Mark methods may arrive in either order. A
// completion for an id with no row yet inserts a placeholder (empty
// topic) that RecordPublished later fills in without touching its outcome.
type Repository struct {
	db         *sql.DB
	instanceID string
}

// NewRepository creates a repository writing rows for instanceID.
func NewRepository(db *sql.DB, instanceID string) *Repository {
	return &Repository{db: db, instanceID: instanceID}
}

// InstanceID returns the process instance rows are written under.
func (r *Repository) InstanceID() string {
	return r.instanceID
}

// RecordPublished inserts a pending entry, or fills in the placeholder left
// by an earlier completion. An empty InstanceID is filled with the
// repository's instance id. Recording the same id twice returns ErrDuplicate.
func (r *Repository) RecordPublished(ctx context.Context, e Entry) error {
	if e.InstanceID == "" {
		e.InstanceID = r.instanceID
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = e.PublishedAt
	}
	if e.Outcome == "" {
		e.Outcome = OutcomePending
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (instance_id, delivery_id, sender, topic, qos, size, received_at, published_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id, delivery_id) DO UPDATE SET
		     sender = excluded.sender, topic = excluded.topic, qos = excluded.qos, size = excluded.size,
		     received_at = excluded.received_at, published_at = excluded.published_at
		 WHERE deliveries.topic = ''`,
		e.InstanceID, int64(e.DeliveryID), e.Sender, e.Topic, e.QoS, e.Size,
		formatTime(e.ReceivedAt), formatTime(e.PublishedAt), string(e.Outcome),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery %d: %w", e.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting delivery %d: %w", e.DeliveryID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicate, e.DeliveryID)
	}
	return nil
}

// MarkAcknowledged completes an entry as acknowledged. It returns
// ErrCompleted if the entry already has an outcome.
func (r *Repository) MarkAcknowledged(ctx context.Context, deliveryID uint64, at time.Time) error {
	return r.complete(ctx, deliveryID, OutcomeAcknowledged, "", at)
}

// MarkFailed completes an entry as failed with reason.
func (r *Repository) MarkFailed(ctx context.Context, deliveryID uint64, reason string, at time.Time) error {
	return r.complete(ctx, deliveryID, OutcomeFailed, reason, at)
}

func (r *Repository) complete(ctx context.Context, deliveryID uint64, outcome Outcome, reason string, at time.Time) error {
	ts := formatTime(at)
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (instance_id, delivery_id, topic, qos, size, received_at, published_at, completed_at, outcome, error)
		 VALUES (?, ?, '', 0, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id, delivery_id) DO UPDATE SET
		     outcome = excluded.outcome, completed_at = excluded.completed_at, error = excluded.error
		 WHERE deliveries.outcome = 'pending'`,
		r.instanceID, int64(deliveryID), ts, ts, ts, string(outcome), nullableString(reason),
	)
	if err != nil {
		return fmt.Errorf("marking delivery %d %s: %w", deliveryID, outcome, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking delivery %d %s: %w", deliveryID, outcome, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrCompleted, deliveryID)
	}
	return nil
}

// MarkStranded marks every listed pending entry as stranded in a single
// transaction. Ids that are no longer pending are skipped.
func (r *Repository) MarkStranded(ctx context.Context, deliveryIDs []uint64, at time.Time) error {
	if len(deliveryIDs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE deliveries SET outcome = 'stranded', completed_at = ?
		 WHERE instance_id = ? AND delivery_id = ? AND outcome = 'pending'`,
	)
	if err != nil {
		return fmt.Errorf("preparing stranded update: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(at)
	for _, id := range deliveryIDs {
		if _, err := stmt.ExecContext(ctx, ts, r.instanceID, int64(id)); err != nil {
			return fmt.Errorf("marking delivery %d stranded: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stranded deliveries: %w", err)
	}
	return nil
}

// ListByOutcome returns entries with outcome across all instances, most
// recent first. limit defaults to 50 and is capped at 500.
func (r *Repository) ListByOutcome(ctx context.Context, outcome Outcome, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT instance_id, delivery_id, sender, topic, qos, size, received_at, published_at, completed_at, outcome, error
		 FROM deliveries WHERE outcome = ?
		 ORDER BY published_at DESC, delivery_id DESC LIMIT ?`,
		string(outcome), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return entries, nil
}

// CountByOutcome returns the number of entries per outcome across all
// instances. Outcomes with no entries are present with zero.
func (r *Repository) CountByOutcome(ctx context.Context) (map[Outcome]int, error) {
	counts := map[Outcome]int{
		OutcomePending:      0,
		OutcomeAcknowledged: 0,
		OutcomeFailed:       0,
		OutcomeStranded:     0,
	}

	rows, err := r.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM deliveries GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("counting deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                     Entry
		id                    int64
		receivedAt, published string
		completed, errText    sql.NullString
		outcome               string
	)
	if err := s.Scan(&e.InstanceID, &id, &e.Sender, &e.Topic, &e.QoS, &e.Size,
		&receivedAt, &published, &completed, &outcome, &errText); err != nil {
		return Entry{}, fmt.Errorf("scanning delivery row: %w", err)
	}

	e.DeliveryID = uint64(id)
	e.Outcome = Outcome(outcome)
	e.Error = errText.String
	e.ReceivedAt = parseTime(receivedAt)
	e.PublishedAt = parseTime(published)
	if completed.Valid {
		t := parseTime(completed.String)
		e.CompletedAt = &t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s) //nolint:errcheck // Format is controlled
	return t
}

// nullableString returns nil for empty strings so the column stays NULL.
func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
