package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"optiplan-pipeline/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection, retrying the initial ping with
// exponential backoff so the process survives a database that is still
// starting up.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	ping := func() error { return pool.Ping(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded schema.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}

const jobColumns = `id, order_id, state, opti_mode, payload_hash, payload, retry_count,
	error_class, error_code, error_message, xlsx_path, xml_path, solution, user_id,
	created_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	payloadJSON, err := json.Marshal(job.Order)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal order payload: %w", err)
	}

	now := s.now()
	job.State = models.StateNew
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, order_id, state, opti_mode, payload_hash, payload, retry_count, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, job.ID, job.OrderID, job.State, job.Mode, job.PayloadHash, payloadJSON, job.UserID, now)
	if isUniqueViolation(err, "jobs_active_payload") {
		return models.Job{}, ErrDuplicateJob
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := s.insertEvent(ctx, tx, models.AuditEvent{
		JobID:     job.ID,
		Type:      models.EventState,
		ToState:   models.StateNew,
		Message:   "job created",
		CreatedAt: now,
	}); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	where := ""
	if len(f.States) > 0 {
		args = append(args, statesToStrings(f.States))
		where = fmt.Sprintf(" WHERE state = ANY($%d)", len(args))
	}
	if f.OrderID != "" {
		args = append(args, f.OrderID)
		if where == "" {
			where = fmt.Sprintf(" WHERE order_id = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND order_id = $%d", len(args))
		}
	}
	q += where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Postgres) OldestInState(ctx context.Context, state models.State) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at ASC LIMIT 1
	`, state)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) JobsInStates(ctx context.Context, states ...models.State) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY created_at ASC
	`, statesToStrings(states))
	if err != nil {
		return nil, fmt.Errorf("query jobs by state: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Postgres) ClaimForOptimize(ctx context.Context, id string) error {
	_, err := s.ApplyTransition(ctx, id, models.StateOptiImported, Change{
		To:      models.StateOptiRunning,
		Message: "claimed by worker",
	})
	return err
}

func (s *Postgres) ApplyTransition(ctx context.Context, id string, from models.State, ch Change) (models.Job, error) {
	if err := validateChange(from, ch); err != nil {
		return models.Job{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	set := "state = $3, updated_at = $4"
	args := []any{id, from, ch.To, now}

	if ch.Err != nil {
		args = append(args, string(ch.Err.Class), ch.Err.Code, truncate(ch.Err.Message, 2000))
		set += fmt.Sprintf(", error_class = $%d, error_code = $%d, error_message = $%d", len(args)-2, len(args)-1, len(args))
	} else if ch.ClearError {
		set += ", error_class = NULL, error_code = NULL, error_message = NULL"
	}
	if ch.IncrementRetry {
		set += ", retry_count = retry_count + 1"
	}
	if ch.Order != nil {
		payloadJSON, err := json.Marshal(ch.Order)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal order payload: %w", err)
		}
		args = append(args, payloadJSON)
		set += fmt.Sprintf(", payload = $%d", len(args))
	}
	if ch.XLSXPath != nil {
		args = append(args, *ch.XLSXPath)
		set += fmt.Sprintf(", xlsx_path = $%d", len(args))
	}
	if ch.XMLPath != nil {
		args = append(args, *ch.XMLPath)
		set += fmt.Sprintf(", xml_path = $%d", len(args))
	}
	if ch.Solution != nil {
		solJSON, err := json.Marshal(ch.Solution)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal solution: %w", err)
		}
		args = append(args, solJSON)
		set += fmt.Sprintf(", solution = $%d", len(args))
	}

	tag, err := tx.Exec(ctx, `UPDATE jobs SET `+set+` WHERE id = $1 AND state = $2`, args...)
	if isUniqueViolation(err, "jobs_single_runner") {
		return models.Job{}, ErrClaimConflict
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, ErrStateConflict
	}

	if err := s.insertEvent(ctx, tx, models.AuditEvent{
		JobID:     id,
		Type:      eventType(ch),
		FromState: from,
		ToState:   ch.To,
		Message:   ch.Message,
		Detail:    ch.Detail,
		CreatedAt: now,
	}); err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) AppendAudit(ctx context.Context, ev models.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	detailJSON, err := marshalDetail(ev.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event_type, from_state, to_state, message, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, ev.JobID, ev.Type, string(ev.FromState), string(ev.ToState), ev.Message, detailJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Postgres) insertEvent(ctx context.Context, tx pgx.Tx, ev models.AuditEvent) error {
	detailJSON, err := marshalDetail(ev.Detail)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_events (job_id, event_type, from_state, to_state, message, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, ev.JobID, ev.Type, string(ev.FromState), string(ev.ToState), ev.Message, detailJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Postgres) ListAudit(ctx context.Context, jobID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event_type, from_state, to_state, message, detail, created_at
		FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var from, to pgtype.Text
		var detailJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &from, &to, &ev.Message, &detailJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.FromState = models.State(from.String)
		ev.ToState = models.State(to.String)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) EnteredStateAt(ctx context.Context, jobID string, state models.State) (time.Time, bool, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM job_events
		WHERE job_id = $1 AND event_type = $2 AND to_state = $3
		ORDER BY id DESC LIMIT 1
	`, jobID, models.EventState, state).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query entered-state time: %w", err)
	}
	return ts, true, nil
}

func (s *Postgres) AccountByRef(ctx context.Context, ref string) (models.CRMAccount, bool, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
		SELECT id, name, phone_normalized, plate_unit_price, band_metre_price
		FROM crm_accounts WHERE id = $1
	`, ref))
}

func (s *Postgres) AccountByPhone(ctx context.Context, normalizedPhone string) (models.CRMAccount, bool, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
		SELECT id, name, phone_normalized, plate_unit_price, band_metre_price
		FROM crm_accounts WHERE phone_normalized = $1 LIMIT 1
	`, normalizedPhone))
}

func (s *Postgres) scanAccount(row pgx.Row) (models.CRMAccount, bool, error) {
	var acc models.CRMAccount
	var plate, band pgtype.Float8
	err := row.Scan(&acc.ID, &acc.Name, &acc.PhoneNormal, &plate, &band)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CRMAccount{}, false, nil
	}
	if err != nil {
		return models.CRMAccount{}, false, fmt.Errorf("scan crm account: %w", err)
	}
	if plate.Valid {
		acc.PlateUnitPrice = &plate.Float64
	}
	if band.Valid {
		acc.BandMetrePrice = &band.Float64
	}
	return acc, true, nil
}

func (s *Postgres) SaveReceipt(ctx context.Context, r models.Receipt) (models.Receipt, bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO receipts (id, order_id, receipt_type, invoice_number, plate_count, band_metres,
			plate_unit_price, band_metre_price, subtotal, vat_rate, vat_amount, grand_total, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id, receipt_type) DO NOTHING
	`, r.ID, r.OrderID, r.Type, r.InvoiceNumber, r.PlateCount, r.BandMetres,
		r.PlateUnitPrice, r.BandMetrePrice, r.Subtotal, r.VATRate, r.VATAmount, r.GrandTotal, r.Note, r.CreatedAt)
	if err != nil {
		return models.Receipt{}, false, fmt.Errorf("insert receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, found, err := s.ReceiptByOrder(ctx, r.OrderID, r.Type)
		if err != nil {
			return models.Receipt{}, false, err
		}
		if !found {
			return models.Receipt{}, false, errors.New("receipt conflict but no existing receipt found")
		}
		return existing, false, nil
	}
	return r, true, nil
}

func (s *Postgres) ReceiptByOrder(ctx context.Context, orderID, receiptType string) (models.Receipt, bool, error) {
	var r models.Receipt
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, receipt_type, invoice_number, plate_count, band_metres,
			plate_unit_price, band_metre_price, subtotal, vat_rate, vat_amount, grand_total, note, created_at
		FROM receipts WHERE order_id = $1 AND receipt_type = $2
	`, orderID, receiptType).Scan(&r.ID, &r.OrderID, &r.Type, &r.InvoiceNumber, &r.PlateCount, &r.BandMetres,
		&r.PlateUnitPrice, &r.BandMetrePrice, &r.Subtotal, &r.VATRate, &r.VATAmount, &r.GrandTotal, &r.Note, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Receipt{}, false, nil
	}
	if err != nil {
		return models.Receipt{}, false, fmt.Errorf("scan receipt: %w", err)
	}
	return r, true, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, solutionJSON []byte
	var errClass, errCode, errMsg, xlsxPath, xmlPath pgtype.Text

	err := row.Scan(&job.ID, &job.OrderID, &job.State, &job.Mode, &job.PayloadHash, &payloadJSON,
		&job.RetryCount, &errClass, &errCode, &errMsg, &xlsxPath, &xmlPath, &solutionJSON,
		&job.UserID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Order); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal order payload: %w", err)
	}
	if len(solutionJSON) > 0 {
		var sol models.SolutionSummary
		if err := json.Unmarshal(solutionJSON, &sol); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal solution: %w", err)
		}
		job.Solution = &sol
	}
	if errClass.Valid {
		c := models.ErrorClass(errClass.String)
		job.ErrorClass = &c
	}
	job.ErrorCode = textPtr(errCode)
	job.ErrorMessage = textPtr(errMsg)
	job.XLSXPath = textPtr(xlsxPath)
	job.XMLPath = textPtr(xmlPath)
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func statesToStrings(states []models.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func marshalDetail(detail map[string]any) ([]byte, error) {
	if detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal event detail: %w", err)
	}
	return data, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
