package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/store"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the Postgres SQLSTATE for duplicate keys
const uniqueViolation = "23505"

type DB struct {
	conn *sql.DB
}

var _ store.Store = (*DB)(nil)

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewWithConn wraps an already opened pool
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies the embedded schema (idempotent)
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const credentialColumns = `id, user_id, provider, encrypted_secret, daily_quota, minute_quota,
	requests_today, requests_this_minute, requests_this_month, tokens_used, health_score,
	consecutive_failures, is_active, is_blocked, block_until, block_reason, created_at, updated_at`

const instanceColumns = `id, credential_id, user_id, provider, model_id, daily_quota, minute_quota,
	daily_token_quota, remaining_daily, remaining_minute, remaining_tokens, avg_latency_ms,
	total_requests, total_successes, total_failures, consecutive_failures, health_score,
	last_success_at, last_failure_at, last_failure_reason, confidence, is_blocked, block_until,
	block_reason, created_at, updated_at`

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Provider,
		&c.EncryptedSecret,
		&c.DailyQuota,
		&c.MinuteQuota,
		&c.RequestsToday,
		&c.RequestsThisMinute,
		&c.RequestsThisMonth,
		&c.TokensUsed,
		&c.HealthScore,
		&c.ConsecutiveFailures,
		&c.IsActive,
		&c.IsBlocked,
		&c.BlockUntil,
		&c.BlockReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var i models.Instance
	err := row.Scan(
		&i.ID,
		&i.CredentialID,
		&i.UserID,
		&i.Provider,
		&i.ModelID,
		&i.DailyQuota,
		&i.MinuteQuota,
		&i.DailyTokenQuota,
		&i.RemainingDaily,
		&i.RemainingMinute,
		&i.RemainingTokens,
		&i.AvgLatencyMs,
		&i.TotalRequests,
		&i.TotalSuccesses,
		&i.TotalFailures,
		&i.ConsecutiveFailures,
		&i.HealthScore,
		&i.LastSuccessAt,
		&i.LastFailureAt,
		&i.LastFailureReason,
		&i.Confidence,
		&i.IsBlocked,
		&i.BlockUntil,
		&i.BlockReason,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// ListCredentials returns a user's credentials, oldest first
func (db *DB) ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM provider_credentials WHERE user_id = $1 ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCredential retrieves one credential by id
func (db *DB) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM provider_credentials WHERE id = $1`

	c, err := scanCredential(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return c, nil
}

// CreateCredential inserts a new credential row
func (db *DB) CreateCredential(ctx context.Context, c *models.Credential) error {
	query := `
		INSERT INTO provider_credentials (
			id, user_id, provider, encrypted_secret, daily_quota, minute_quota,
			health_score, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := db.conn.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.Provider,
		c.EncryptedSecret,
		c.DailyQuota,
		c.MinuteQuota,
		c.HealthScore,
		c.IsActive,
		c.CreatedAt,
		c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("credential %s already exists", c.ID)
	}
	return err
}

// ListInstances returns every instance owned by a user
func (db *DB) ListInstances(ctx context.Context, userID string) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM model_instances WHERE user_id = $1 ORDER BY id`
	return db.queryInstances(ctx, db.conn, query, userID)
}

// GetInstance retrieves one instance by id
func (db *DB) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM model_instances WHERE id = $1`

	inst, err := scanInstance(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return inst, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (db *DB) queryInstances(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.Instance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CreateInstances inserts rows in one transaction, ignoring credential×model pairs that already exist
func (db *DB) CreateInstances(ctx context.Context, instances []*models.Instance) error {
	if len(instances) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO model_instances (
			id, credential_id, user_id, provider, model_id, daily_quota, minute_quota,
			daily_token_quota, remaining_daily, remaining_minute, remaining_tokens,
			health_score, confidence, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (credential_id, model_id) DO NOTHING
	`
	for _, i := range instances {
		_, err := tx.ExecContext(ctx, query,
			i.ID,
			i.CredentialID,
			i.UserID,
			i.Provider,
			i.ModelID,
			i.DailyQuota,
			i.MinuteQuota,
			i.DailyTokenQuota,
			i.RemainingDaily,
			i.RemainingMinute,
			i.RemainingTokens,
			i.HealthScore,
			i.Confidence,
			i.CreatedAt,
			i.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert instance %s/%s: %w", i.CredentialID, i.ModelID, err)
		}
	}
	return tx.Commit()
}

// ListInstanceIDs returns every instance id (maintenance fan-out)
func (db *DB) ListInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM model_instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTx struct {
	db       *DB
	tx       *sql.Tx
	cred     *models.Credential
	inst     *models.Instance
	siblings []*models.Instance
}

func (t *pgTx) Instance() *models.Instance     { return t.inst }
func (t *pgTx) Credential() *models.Credential { return t.cred }

// Siblings locks the other instances of the credential (ordered by id so lockers agree on order)
func (t *pgTx) Siblings(ctx context.Context) ([]*models.Instance, error) {
	if t.siblings != nil {
		return t.siblings, nil
	}
	query := `SELECT ` + instanceColumns + ` FROM model_instances
		WHERE credential_id = $1 AND id <> $2 ORDER BY id FOR UPDATE`
	sibs, err := t.db.queryInstances(ctx, t.tx, query, t.cred.ID, t.inst.ID)
	if err != nil {
		return nil, err
	}
	if sibs == nil {
		sibs = []*models.Instance{}
	}
	t.siblings = sibs
	return sibs, nil
}

// WithInstanceLock locks the credential row, then the instance row (SELECT ... FOR UPDATE),
// runs fn and writes every touched row back before committing.
func (db *DB) WithInstanceLock(ctx context.Context, instanceID string, fn func(tx store.InstanceTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var credentialID string
	err = tx.QueryRowContext(ctx, `SELECT credential_id FROM model_instances WHERE id = $1`, instanceID).Scan(&credentialID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}

	cred, err := scanCredential(tx.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE id = $1 FOR UPDATE`, credentialID))
	if err != nil {
		return fmt.Errorf("lock credential %s: %w", credentialID, err)
	}

	inst, err := scanInstance(tx.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM model_instances WHERE id = $1 FOR UPDATE`, instanceID))
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}

	ptx := &pgTx{db: db, tx: tx, cred: cred, inst: inst}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := updateCredential(ctx, tx, ptx.cred); err != nil {
		return err
	}
	if err := updateInstance(ctx, tx, ptx.inst); err != nil {
		return err
	}
	for _, sib := range ptx.siblings {
		if err := updateInstance(ctx, tx, sib); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func updateCredential(ctx context.Context, tx *sql.Tx, c *models.Credential) error {
	query := `
		UPDATE provider_credentials SET
			requests_today = $2, requests_this_minute = $3, requests_this_month = $4,
			tokens_used = $5, health_score = $6, consecutive_failures = $7, is_active = $8,
			is_blocked = $9, block_until = $10, block_reason = $11, updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query,
		c.ID,
		c.RequestsToday,
		c.RequestsThisMinute,
		c.RequestsThisMonth,
		c.TokensUsed,
		c.HealthScore,
		c.ConsecutiveFailures,
		c.IsActive,
		c.IsBlocked,
		c.BlockUntil,
		c.BlockReason,
	)
	if err != nil {
		return fmt.Errorf("update credential %s: %w", c.ID, err)
	}
	return nil
}

func updateInstance(ctx context.Context, tx *sql.Tx, i *models.Instance) error {
	query := `
		UPDATE model_instances SET
			remaining_daily = $2, remaining_minute = $3, remaining_tokens = $4,
			avg_latency_ms = $5, total_requests = $6, total_successes = $7, total_failures = $8,
			consecutive_failures = $9, health_score = $10, last_success_at = $11,
			last_failure_at = $12, last_failure_reason = $13, confidence = $14,
			is_blocked = $15, block_until = $16, block_reason = $17, updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query,
		i.ID,
		i.RemainingDaily,
		i.RemainingMinute,
		i.RemainingTokens,
		i.AvgLatencyMs,
		i.TotalRequests,
		i.TotalSuccesses,
		i.TotalFailures,
		i.ConsecutiveFailures,
		i.HealthScore,
		i.LastSuccessAt,
		i.LastFailureAt,
		i.LastFailureReason,
		i.Confidence,
		i.IsBlocked,
		i.BlockUntil,
		i.BlockReason,
	)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", i.ID, err)
	}
	return nil
}

// ClearExpiredBlocks lifts every block whose deadline has passed; indefinite blocks stay
func (db *DB) ClearExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE model_instances
		SET is_blocked = FALSE, block_until = NULL, block_reason = NULL, updated_at = NOW()
		WHERE is_blocked AND block_until IS NOT NULL AND block_until <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("clear instance blocks: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE provider_credentials
		SET is_blocked = FALSE, block_until = NULL, block_reason = NULL, updated_at = NOW()
		WHERE is_blocked AND block_until IS NOT NULL AND block_until <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("clear credential blocks: %w", err)
	}
	return int(n), nil
}

// ResetDailyQuotas restores counters and gives unhealthy rows a second chance
func (db *DB) ResetDailyQuotas(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE model_instances SET
			remaining_daily = daily_quota,
			remaining_minute = minute_quota,
			remaining_tokens = daily_token_quota,
			health_score = CASE WHEN health_score < $1 THEN $2 ELSE health_score END,
			updated_at = NOW()
	`, store.SecondChanceThreshold, store.SecondChanceHealth)
	if err != nil {
		return 0, fmt.Errorf("reset instance quotas: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE provider_credentials SET
			requests_today = 0,
			requests_this_minute = 0,
			health_score = CASE WHEN health_score < $1 THEN $2 ELSE health_score END,
			updated_at = NOW()
	`, store.SecondChanceThreshold, store.SecondChanceHealth)
	if err != nil {
		return 0, fmt.Errorf("reset credential counters: %w", err)
	}
	return int(n), nil
}

// ResetMinuteQuotas mirrors the limiter's minute window expiry onto the rows
func (db *DB) ResetMinuteQuotas(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE model_instances SET remaining_minute = minute_quota, updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reset minute quotas: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := db.conn.ExecContext(ctx, `UPDATE provider_credentials SET requests_this_minute = 0`); err != nil {
		return 0, fmt.Errorf("reset credential minute counters: %w", err)
	}
	return int(n), nil
}

// LogUsage appends a usage row
func (db *DB) LogUsage(ctx context.Context, log *models.UsageLog) error {
	query := `
		INSERT INTO usage_logs (
			id, request_id, user_id, credential_id, instance_id, provider, model, status,
			tokens_in, tokens_out, latency_ms, cached, cost_usd, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.ID,
		log.RequestID,
		log.UserID,
		log.CredentialID,
		log.InstanceID,
		log.Provider,
		log.Model,
		log.Status,
		log.TokensIn,
		log.TokensOut,
		log.LatencyMs,
		log.Cached,
		log.CostUSD,
		log.ErrorMessage,
		log.CreatedAt,
	)

	return err
}

// LogFailure appends a failure row
func (db *DB) LogFailure(ctx context.Context, log *models.FailureLog) error {
	query := `
		INSERT INTO failure_logs (
			id, instance_id, credential_id, provider, model, error_class, error_code,
			error_message, latency_ms, retry_after_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.ID,
		log.InstanceID,
		log.CredentialID,
		log.Provider,
		log.Model,
		log.ErrorClass,
		log.ErrorCode,
		log.ErrorMessage,
		log.LatencyMs,
		log.RetryAfterSeconds,
		log.CreatedAt,
	)

	return err
}
