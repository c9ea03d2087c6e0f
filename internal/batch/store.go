package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"courier/internal/db"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const batchColumns = `id, user_id, send_config_id, name, status, payload, total_recipients,
	sent_count, failed_count, delivered_count, bounced_count, dry_run,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*Batch, error) {
	var b Batch
	var payload []byte
	err := row.Scan(&b.ID, &b.UserID, &b.SendConfigID, &b.Name, &b.Status, &payload,
		&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.DeliveredCount, &b.BouncedCount,
		&b.DryRun, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &b.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode batch payload: %w", err)
		}
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (s *Store) GetSendConfig(ctx context.Context, id uuid.UUID) (*SendConfig, error) {
	query := `SELECT id, user_id, name, module, config, rate_limit, is_default, is_active, created_at, updated_at
		FROM send_configs WHERE id = $1`
	return s.scanSendConfig(s.db.QueryRowContext(ctx, query, id))
}

// DefaultSendConfig resolves the user's default active config for batches
// created without an explicit send_config_id.
func (s *Store) DefaultSendConfig(ctx context.Context, userID uuid.UUID) (*SendConfig, error) {
	query := `SELECT id, user_id, name, module, config, rate_limit, is_default, is_active, created_at, updated_at
		FROM send_configs WHERE user_id = $1 AND is_default = true AND is_active = true LIMIT 1`
	return s.scanSendConfig(s.db.QueryRowContext(ctx, query, userID))
}

func (s *Store) scanSendConfig(row *sql.Row) (*SendConfig, error) {
	var sc SendConfig
	var cfg, rl []byte
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Name, &sc.Module, &cfg, &rl,
		&sc.IsDefault, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send config: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &sc.Config); err != nil {
			return nil, fmt.Errorf("failed to decode send config: %w", err)
		}
	}
	if len(rl) > 0 && string(rl) != "null" {
		sc.RateLimit = &RateLimit{}
		if err := json.Unmarshal(rl, sc.RateLimit); err != nil {
			return nil, fmt.Errorf("failed to decode rate limit: %w", err)
		}
	}
	return &sc, nil
}

// PendingRecipientIDs returns IDs of recipients still awaiting dispatch, in
// stable insertion order. Includes queued so a reset batch re-fans-out the
// recipients the previous run never reached.
func (s *Store) PendingRecipientIDs(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM recipients WHERE batch_id = $1 AND status IN ('pending', 'queued') ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending recipients: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recipient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) MarkRecipientsQueued(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET status = 'queued', updated_at = now() WHERE batch_id = $1 AND status = 'pending'`,
		batchID)
	if err != nil {
		return fmt.Errorf("failed to mark recipients queued: %w", err)
	}
	return nil
}

func (s *Store) RecipientsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	query := `SELECT id, batch_id, identifier, name, variables, status, provider_message_id,
		error_message, sent_at, delivered_at, bounced_at, created_at, updated_at
		FROM recipients WHERE id = ANY($1::uuid[])`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()

	var recs []*Recipient
	for rows.Next() {
		var r Recipient
		var name sql.NullString
		var vars []byte
		err := rows.Scan(&r.ID, &r.BatchID, &r.Identifier, &name, &vars, &r.Status,
			&r.ProviderMessageID, &r.ErrorMessage, &r.SentAt, &r.DeliveredAt, &r.BouncedAt,
			&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		r.Name = name.String
		if len(vars) > 0 && string(vars) != "null" {
			if err := json.Unmarshal(vars, &r.Variables); err != nil {
				return nil, fmt.Errorf("failed to decode recipient variables: %w", err)
			}
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// MarkProcessing claims a queued batch. Idempotent: re-running against a
// batch already in processing keeps its original started_at.
func (s *Store) MarkProcessing(ctx context.Context, batchID uuid.UUID, total int) error {
	query := `UPDATE batches SET status = 'processing', total_recipients = $2,
		started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')`
	res, err := s.db.ExecContext(ctx, query, batchID, total)
	if err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s not claimable: %w", batchID, ErrNotFound)
	}
	return nil
}

// SentRow mirrors one hot-state "sent" record into the relational store.
type SentRow struct {
	ID                uuid.UUID `json:"id"`
	ProviderMessageID string    `json:"provider_message_id"`
	SentAt            time.Time `json:"sent_at"`
}

// FailedRow mirrors one hot-state "failed" record.
type FailedRow struct {
	ID           uuid.UUID `json:"id"`
	ErrorMessage string    `json:"error_message"`
}

// BulkMarkSent applies all sent records in a single statement by joining a
// jsonb array parameter against the table. The status guard keeps delivery
// webhooks that arrived first from being overwritten.
func (s *Store) BulkMarkSent(ctx context.Context, rows []SentRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sent rows: %w", err)
	}
	query := `UPDATE recipients r
		SET status = 'sent', provider_message_id = v.provider_message_id, sent_at = v.sent_at, updated_at = now()
		FROM jsonb_to_recordset($1::jsonb) AS v(id uuid, provider_message_id text, sent_at timestamptz)
		WHERE r.id = v.id AND r.status IN ('pending', 'queued')`
	res, err := s.db.ExecContext(ctx, query, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk mark sent: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) BulkMarkFailed(ctx context.Context, rows []FailedRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to encode failed rows: %w", err)
	}
	query := `UPDATE recipients r
		SET status = 'failed', error_message = v.error_message, updated_at = now()
		FROM jsonb_to_recordset($1::jsonb) AS v(id uuid, error_message text)
		WHERE r.id = v.id AND r.status IN ('pending', 'queued')`
	res, err := s.db.ExecContext(ctx, query, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk mark failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) MirrorCounters(ctx context.Context, batchID uuid.UUID, sent, failed int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET sent_count = $2, failed_count = $3, updated_at = now() WHERE id = $1`,
		batchID, sent, failed)
	if err != nil {
		return fmt.Errorf("failed to mirror counters: %w", err)
	}
	return nil
}

// SetCompleted finalizes a batch. Returns false when another worker got
// there first.
func (s *Store) SetCompleted(ctx context.Context, batchID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'completed', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status != 'completed'`, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to complete batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyDelivered transitions recipients to delivered. The status guard is
// the third dedup layer: replays are no-ops.
func (s *Store) ApplyDelivered(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	return s.applyTerminal(ctx, ids,
		`UPDATE recipients SET status = 'delivered', delivered_at = $2, updated_at = now()
		 WHERE id = ANY($1::uuid[]) AND status NOT IN ('delivered', 'bounced', 'complained')`, at)
}

func (s *Store) ApplyBounced(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	return s.applyTerminal(ctx, ids,
		`UPDATE recipients SET status = 'bounced', bounced_at = $2, updated_at = now()
		 WHERE id = ANY($1::uuid[]) AND status NOT IN ('delivered', 'bounced', 'complained')`, at)
}

func (s *Store) ApplyComplained(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	return s.applyTerminal(ctx, ids,
		`UPDATE recipients SET status = 'complained', updated_at = $2
		 WHERE id = ANY($1::uuid[]) AND status NOT IN ('delivered', 'bounced', 'complained')`, at)
}

func (s *Store) applyTerminal(ctx context.Context, ids []uuid.UUID, query string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	res, err := s.db.ExecContext(ctx, query, pq.Array(strIDs), at)
	if err != nil {
		return 0, fmt.Errorf("failed to apply status: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) BumpDeliveredCount(ctx context.Context, batchID uuid.UUID, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET delivered_count = delivered_count + $2, updated_at = now() WHERE id = $1`,
		batchID, n)
	return err
}

func (s *Store) BumpBouncedCount(ctx context.Context, batchID uuid.UUID, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET bounced_count = bounced_count + $2, updated_at = now() WHERE id = $1`,
		batchID, n)
	return err
}

// PromoteScheduled moves due scheduled batches to queued. Leader only.
func (s *Store) PromoteScheduled(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `UPDATE batches SET status = 'queued', updated_at = now()
		WHERE status = 'scheduled' AND scheduled_at <= $1 RETURNING id`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to promote scheduled batches: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListQueued(ctx context.Context) ([]*Batch, error) {
	return s.listBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = 'queued' ORDER BY updated_at`)
}

// ListStuckProcessing finds processing batches whose started_at is older
// than the cutoff.
func (s *Store) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*Batch, error) {
	return s.listBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = 'processing' AND started_at < $1`, cutoff)
}

// ListStaleProcessing finds processing batches untouched since the cutoff,
// used by crash recovery on worker start.
func (s *Store) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*Batch, error) {
	return s.listBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = 'processing' AND updated_at < $1`, cutoff)
}

func (s *Store) listBatches(ctx context.Context, query string, args ...interface{}) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ResetToQueued sends a stuck batch back through the queued-to-bus adapter.
func (s *Store) ResetToQueued(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'queued', started_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`, batchID)
	if err != nil {
		return fmt.Errorf("failed to reset batch: %w", err)
	}
	s.logger.Warn("batch reset to queued", zap.String("batch_id", batchID.String()))
	return nil
}

func (s *Store) RecipientStatusCounts(ctx context.Context, batchID uuid.UUID) (map[RecipientStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	defer rows.Close()

	counts := make(map[RecipientStatus]int)
	for rows.Next() {
		var st RecipientStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ActiveUserIDs returns users with batches currently queued or processing,
// used to pre-create per-user chunk consumers on worker start.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM batches WHERE status IN ('queued', 'processing')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
