package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type sqlDialect string

const (
	dialectMySQL    sqlDialect = "mysql"
	dialectPostgres sqlDialect = "postgres"
)

// SQLBackend implements Backend on database/sql. MySQL and Postgres share
// the method bodies; dialect differences are confined to placeholder
// rebinding and upsert syntax.
type SQLBackend struct {
	db      *sql.DB
	dialect sqlDialect
	label   string

	UnsupportedCacheOps
}

// DB exposes the underlying handle for migrations and integration tests.
func (b *SQLBackend) DB() *sql.DB { return b.db }

// rebind converts `?` placeholders to `$n` for Postgres. Question marks
// never appear inside our statement literals, so a plain scan suffices.
func (b *SQLBackend) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (b *SQLBackend) Initialize(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func (b *SQLBackend) Health(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// ---- credentials ----

const credentialColumns = `id, provider, name, auth_method, access_secret, refresh_secret,
	client_id, client_secret, region, profile_arn, start_url, project_id,
	expires_at, active, use_count, last_used_at, error_count, last_error,
	last_error_at, quota_json, quota_updated_at, created_at, updated_at`

func (b *SQLBackend) InsertCredential(ctx context.Context, cred *Credential) error {
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	query := b.rebind(`INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := b.db.ExecContext(ctx, query,
		cred.ID, cred.Provider, cred.Name, cred.AuthMethod, cred.AccessSecret, cred.RefreshSecret,
		cred.ClientID, cred.ClientSecret, cred.Region, cred.ProfileARN, cred.StartURL, cred.ProjectID,
		nullTime(cred.ExpiresAt), cred.Active, cred.UseCount, nullTime(cred.LastUsedAt),
		cred.ErrorCount, cred.LastError, nullTime(cred.LastErrorAt),
		nullBytes(cred.QuotaJSON), nullTime(cred.QuotaUpdatedAt), cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (b *SQLBackend) UpdateCredential(ctx context.Context, cred *Credential) error {
	cred.UpdatedAt = time.Now().UTC()
	query := b.rebind(`UPDATE credentials SET name=?, auth_method=?, access_secret=?,
		refresh_secret=?, client_id=?, client_secret=?, region=?, profile_arn=?,
		start_url=?, project_id=?, expires_at=?, active=?, use_count=?, last_used_at=?,
		error_count=?, last_error=?, last_error_at=?, quota_json=?, quota_updated_at=?,
		updated_at=? WHERE provider=? AND id=?`)
	res, err := b.db.ExecContext(ctx, query,
		cred.Name, cred.AuthMethod, cred.AccessSecret, cred.RefreshSecret,
		cred.ClientID, cred.ClientSecret, cred.Region, cred.ProfileARN,
		cred.StartURL, cred.ProjectID, nullTime(cred.ExpiresAt), cred.Active,
		cred.UseCount, nullTime(cred.LastUsedAt), cred.ErrorCount, cred.LastError,
		nullTime(cred.LastErrorAt), nullBytes(cred.QuotaJSON), nullTime(cred.QuotaUpdatedAt),
		cred.UpdatedAt, cred.Provider, cred.ID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: cred.Provider + "/" + cred.ID}
	}
	return nil
}

func (b *SQLBackend) DeleteCredential(ctx context.Context, provider, id string) error {
	query := b.rebind(`DELETE FROM credentials WHERE provider=? AND id=?`)
	res, err := b.db.ExecContext(ctx, query, provider, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: provider + "/" + id}
	}
	return nil
}

func (b *SQLBackend) GetCredential(ctx context.Context, provider, id string) (*Credential, error) {
	query := b.rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE provider=? AND id=?`)
	row := b.db.QueryRowContext(ctx, query, provider, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: provider + "/" + id}
	}
	return cred, err
}

func (b *SQLBackend) GetCredentialByName(ctx context.Context, provider, name string) (*Credential, error) {
	query := b.rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE provider=? AND name=?`)
	row := b.db.QueryRowContext(ctx, query, provider, name)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: provider + "/" + name}
	}
	return cred, err
}

func (b *SQLBackend) ListCredentials(ctx context.Context, provider string, activeOnly bool) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE provider=?`
	if activeOnly {
		query += ` AND active=?`
	}
	// Default fairness ordering for selection candidates.
	query += ` ORDER BY error_count ASC, updated_at DESC`

	args := []interface{}{provider}
	if activeOnly {
		args = append(args, true)
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// credentialCounterFields whitelists columns addressable by
// IncrementCredentialField.
var credentialCounterFields = map[string]bool{
	"use_count":   true,
	"error_count": true,
}

func (b *SQLBackend) IncrementCredentialField(ctx context.Context, provider, id, field string, delta int64) error {
	if !credentialCounterFields[field] {
		return fmt.Errorf("increment credential field: %q not allowed", field)
	}
	// use_count increments mark the credential as used, so the LRU
	// timestamp rides along in the same statement.
	extra := ""
	if field == "use_count" {
		extra = ", last_used_at=?"
	}
	query := b.rebind(fmt.Sprintf(
		`UPDATE credentials SET %s = %s + ?, updated_at=?%s WHERE provider=? AND id=?`, field, field, extra))
	now := time.Now().UTC()
	args := []interface{}{delta, now}
	if field == "use_count" {
		args = append(args, now)
	}
	args = append(args, provider, id)
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: provider + "/" + id}
	}
	return nil
}

// ---- quarantine ----

func (b *SQLBackend) UpsertErrorCredential(ctx context.Context, ec *ErrorCredential) error {
	now := time.Now().UTC()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	if ec.LastErrorAt.IsZero() {
		ec.LastErrorAt = now
	}
	if ec.ErrorCount <= 0 {
		ec.ErrorCount = 1
	}

	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO error_credentials
			(id, original_id, provider, name, snapshot_json, error_message, error_count, last_error_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (original_id) DO UPDATE SET
				error_message = EXCLUDED.error_message,
				error_count = error_credentials.error_count + 1,
				last_error_at = EXCLUDED.last_error_at`
	default:
		query = `INSERT INTO error_credentials
			(id, original_id, provider, name, snapshot_json, error_message, error_count, last_error_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				error_message = VALUES(error_message),
				error_count = error_count + 1,
				last_error_at = VALUES(last_error_at)`
	}
	_, err := b.db.ExecContext(ctx, query,
		ec.ID, ec.OriginalID, ec.Provider, ec.Name, nullBytes(ec.SnapshotJSON),
		ec.ErrorMessage, ec.ErrorCount, ec.LastErrorAt, ec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert error credential: %w", err)
	}
	return nil
}

const errorCredentialColumns = `id, original_id, provider, name, snapshot_json,
	error_message, error_count, last_error_at, created_at`

func (b *SQLBackend) GetErrorCredential(ctx context.Context, id string) (*ErrorCredential, error) {
	query := b.rebind(`SELECT ` + errorCredentialColumns + ` FROM error_credentials WHERE id=? OR original_id=?`)
	row := b.db.QueryRowContext(ctx, query, id, id)
	ec, err := scanErrorCredential(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: id}
	}
	return ec, err
}

func (b *SQLBackend) ListErrorCredentials(ctx context.Context, provider string) ([]*ErrorCredential, error) {
	query := `SELECT ` + errorCredentialColumns + ` FROM error_credentials`
	args := []interface{}{}
	if provider != "" {
		query += ` WHERE provider=?`
		args = append(args, provider)
	}
	query += ` ORDER BY last_error_at DESC`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list error credentials: %w", err)
	}
	defer rows.Close()

	var out []*ErrorCredential
	for rows.Next() {
		ec, err := scanErrorCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

func (b *SQLBackend) DeleteErrorCredential(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM error_credentials WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete error credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

// ---- health + buckets ----

func (b *SQLBackend) GetHealth(ctx context.Context, provider, credentialID string) (*HealthRow, error) {
	query := b.rebind(`SELECT provider, credential_id, score, consecutive_failures,
		last_success_at, last_failure_at, last_error_message, updated_at
		FROM credential_health WHERE provider=? AND credential_id=?`)
	row := b.db.QueryRowContext(ctx, query, provider, credentialID)

	var h HealthRow
	var lastSuccess, lastFailure sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&h.Provider, &h.CredentialID, &h.Score, &h.ConsecutiveFailures,
		&lastSuccess, &lastFailure, &lastErr, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: provider + "/" + credentialID}
	}
	if err != nil {
		return nil, fmt.Errorf("get health: %w", err)
	}
	h.LastSuccessAt = lastSuccess.Time
	h.LastFailureAt = lastFailure.Time
	h.LastErrorMessage = lastErr.String
	return &h, nil
}

func (b *SQLBackend) UpsertHealth(ctx context.Context, row *HealthRow) error {
	row.UpdatedAt = time.Now().UTC()
	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO credential_health
			(provider, credential_id, score, consecutive_failures, last_success_at, last_failure_at, last_error_message, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (provider, credential_id) DO UPDATE SET
				score = EXCLUDED.score,
				consecutive_failures = EXCLUDED.consecutive_failures,
				last_success_at = EXCLUDED.last_success_at,
				last_failure_at = EXCLUDED.last_failure_at,
				last_error_message = EXCLUDED.last_error_message,
				updated_at = EXCLUDED.updated_at`
	default:
		query = `INSERT INTO credential_health
			(provider, credential_id, score, consecutive_failures, last_success_at, last_failure_at, last_error_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				score = VALUES(score),
				consecutive_failures = VALUES(consecutive_failures),
				last_success_at = VALUES(last_success_at),
				last_failure_at = VALUES(last_failure_at),
				last_error_message = VALUES(last_error_message),
				updated_at = VALUES(updated_at)`
	}
	_, err := b.db.ExecContext(ctx, query,
		row.Provider, row.CredentialID, row.Score, row.ConsecutiveFailures,
		nullTime(row.LastSuccessAt), nullTime(row.LastFailureAt),
		row.LastErrorMessage, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert health: %w", err)
	}
	return nil
}

func (b *SQLBackend) ListHealth(ctx context.Context, provider string) ([]*HealthRow, error) {
	query := b.rebind(`SELECT provider, credential_id, score, consecutive_failures,
		last_success_at, last_failure_at, last_error_message, updated_at
		FROM credential_health WHERE provider=?`)
	rows, err := b.db.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	var out []*HealthRow
	for rows.Next() {
		var h HealthRow
		var lastSuccess, lastFailure sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&h.Provider, &h.CredentialID, &h.Score, &h.ConsecutiveFailures,
			&lastSuccess, &lastFailure, &lastErr, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.LastSuccessAt = lastSuccess.Time
		h.LastFailureAt = lastFailure.Time
		h.LastErrorMessage = lastErr.String
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (b *SQLBackend) GetBucket(ctx context.Context, provider, credentialID string) (*BucketRow, error) {
	query := b.rebind(`SELECT provider, credential_id, tokens, last_updated
		FROM token_buckets WHERE provider=? AND credential_id=?`)
	row := b.db.QueryRowContext(ctx, query, provider, credentialID)

	var bucket BucketRow
	err := row.Scan(&bucket.Provider, &bucket.CredentialID, &bucket.Tokens, &bucket.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: provider + "/" + credentialID}
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return &bucket, nil
}

func (b *SQLBackend) UpsertBucket(ctx context.Context, row *BucketRow) error {
	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO token_buckets (provider, credential_id, tokens, last_updated)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, credential_id) DO UPDATE SET
				tokens = EXCLUDED.tokens,
				last_updated = EXCLUDED.last_updated`
	default:
		query = `INSERT INTO token_buckets (provider, credential_id, tokens, last_updated)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				tokens = VALUES(tokens),
				last_updated = VALUES(last_updated)`
	}
	_, err := b.db.ExecContext(ctx, query, row.Provider, row.CredentialID, row.Tokens, row.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert bucket: %w", err)
	}
	return nil
}

// ---- api keys ----

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, active,
	daily_limit, monthly_limit, total_limit, concurrent_limit, rate_limit,
	daily_cost_limit, monthly_cost_limit, total_cost_limit, expires_in_days,
	created_at, last_used_at`

func (b *SQLBackend) InsertAPIKey(ctx context.Context, key *APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	query := b.rebind(`INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := b.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Active,
		key.DailyLimit, key.MonthlyLimit, key.TotalLimit, key.ConcurrentLimit, key.RateLimit,
		key.DailyCostLimit, key.MonthlyCostLimit, key.TotalCostLimit, key.ExpiresInDays,
		key.CreatedAt, nullTime(key.LastUsedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (b *SQLBackend) UpdateAPIKey(ctx context.Context, key *APIKey) error {
	query := b.rebind(`UPDATE api_keys SET user_id=?, name=?, active=?,
		daily_limit=?, monthly_limit=?, total_limit=?, concurrent_limit=?, rate_limit=?,
		daily_cost_limit=?, monthly_cost_limit=?, total_cost_limit=?, expires_in_days=?
		WHERE id=?`)
	res, err := b.db.ExecContext(ctx, query,
		key.UserID, key.Name, key.Active,
		key.DailyLimit, key.MonthlyLimit, key.TotalLimit, key.ConcurrentLimit, key.RateLimit,
		key.DailyCostLimit, key.MonthlyCostLimit, key.TotalCostLimit, key.ExpiresInDays,
		key.ID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: key.ID}
	}
	return nil
}

func (b *SQLBackend) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	query := b.rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id=?`)
	key, err := scanAPIKey(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: id}
	}
	return key, err
}

func (b *SQLBackend) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := b.rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash=?`)
	key, err := scanAPIKey(b.db.QueryRowContext(ctx, query, keyHash))
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: keyHash}
	}
	return key, err
}

func (b *SQLBackend) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (b *SQLBackend) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	query := b.rebind(`UPDATE api_keys SET last_used_at=? WHERE id=?`)
	_, err := b.db.ExecContext(ctx, query, usedAt.UTC(), id)
	return err
}

// ---- api logs ----

func (b *SQLBackend) InsertAPILog(ctx context.Context, row *APILog) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	query := b.rebind(`INSERT INTO api_logs
		(request_id, api_key_id, credential_id, provider, model, input_tokens,
		 output_tokens, status_code, duration_ms, path, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := b.db.ExecContext(ctx, query,
		row.RequestID, row.APIKeyID, nullString(row.CredentialID), nullString(row.Provider),
		row.Model, row.InputTokens, row.OutputTokens, row.StatusCode, row.DurationMs,
		row.Path, nullString(row.Source), row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api log: %w", err)
	}
	return nil
}

func (b *SQLBackend) CountAPILogs(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	query := b.rebind(`SELECT COUNT(*) FROM api_logs WHERE api_key_id=? AND created_at >= ?`)
	var n int64
	if err := b.db.QueryRowContext(ctx, query, apiKeyID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count api logs: %w", err)
	}
	return n, nil
}

func (b *SQLBackend) SumModelUsage(ctx context.Context, apiKeyID string, since time.Time) ([]*ModelUsage, error) {
	query := b.rebind(`SELECT model, COUNT(*),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM api_logs WHERE api_key_id=? AND created_at >= ? GROUP BY model`)
	rows, err := b.db.QueryContext(ctx, query, apiKeyID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("sum model usage: %w", err)
	}
	defer rows.Close()

	var out []*ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Requests, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (b *SQLBackend) DeleteAPILogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM api_logs WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete api logs: %w", err)
	}
	return res.RowsAffected()
}

// ---- settings ----

func (b *SQLBackend) GetSetting(ctx context.Context, key string) ([]byte, error) {
	query := b.rebind(`SELECT value FROM settings WHERE name=?`)
	var value []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (b *SQLBackend) SetSetting(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC()
	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	default:
		query = `INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	}
	if _, err := b.db.ExecContext(ctx, query, key, value, now); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (b *SQLBackend) ListSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// ---- model aliases + pricing ----

func (b *SQLBackend) ListModelAliases(ctx context.Context) ([]*ModelAlias, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, alias, provider, target_model, priority, active FROM model_aliases ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list model aliases: %w", err)
	}
	defer rows.Close()

	var out []*ModelAlias
	for rows.Next() {
		var a ModelAlias
		if err := rows.Scan(&a.ID, &a.Alias, &a.Provider, &a.TargetModel, &a.Priority, &a.Active); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (b *SQLBackend) UpsertModelAlias(ctx context.Context, alias *ModelAlias) error {
	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO model_aliases (alias, provider, target_model, priority, active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (alias, provider) DO UPDATE SET
				target_model = EXCLUDED.target_model,
				priority = EXCLUDED.priority,
				active = EXCLUDED.active`
	default:
		query = `INSERT INTO model_aliases (alias, provider, target_model, priority, active)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				target_model = VALUES(target_model),
				priority = VALUES(priority),
				active = VALUES(active)`
	}
	if _, err := b.db.ExecContext(ctx, query,
		alias.Alias, alias.Provider, alias.TargetModel, alias.Priority, alias.Active); err != nil {
		return fmt.Errorf("upsert model alias: %w", err)
	}
	return nil
}

func (b *SQLBackend) DeleteModelAlias(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM model_aliases WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete model alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (b *SQLBackend) ListModelPricing(ctx context.Context) ([]*ModelPricing, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT model_name, input_price_per_m, output_price_per_m, provider, source, is_custom, updated_at FROM model_pricing`)
	if err != nil {
		return nil, fmt.Errorf("list model pricing: %w", err)
	}
	defer rows.Close()

	var out []*ModelPricing
	for rows.Next() {
		var p ModelPricing
		var provider sql.NullString
		if err := rows.Scan(&p.ModelName, &p.InputPricePerM, &p.OutputPricePerM,
			&provider, &p.Source, &p.IsCustom, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Provider = provider.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (b *SQLBackend) UpsertModelPricing(ctx context.Context, pricing *ModelPricing) error {
	pricing.UpdatedAt = time.Now().UTC()

	// Manual and custom rows win over remote refreshes.
	if pricing.Source == "remote" {
		var existingSource string
		var isCustom bool
		err := b.db.QueryRowContext(ctx,
			b.rebind(`SELECT source, is_custom FROM model_pricing WHERE model_name=?`),
			pricing.ModelName).Scan(&existingSource, &isCustom)
		if err == nil && (existingSource == "manual" || isCustom) {
			return nil
		}
	}

	var query string
	switch b.dialect {
	case dialectPostgres:
		query = `INSERT INTO model_pricing
			(model_name, input_price_per_m, output_price_per_m, provider, source, is_custom, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (model_name) DO UPDATE SET
				input_price_per_m = EXCLUDED.input_price_per_m,
				output_price_per_m = EXCLUDED.output_price_per_m,
				provider = EXCLUDED.provider,
				source = EXCLUDED.source,
				is_custom = EXCLUDED.is_custom,
				updated_at = EXCLUDED.updated_at`
	default:
		query = `INSERT INTO model_pricing
			(model_name, input_price_per_m, output_price_per_m, provider, source, is_custom, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				input_price_per_m = VALUES(input_price_per_m),
				output_price_per_m = VALUES(output_price_per_m),
				provider = VALUES(provider),
				source = VALUES(source),
				is_custom = VALUES(is_custom),
				updated_at = VALUES(updated_at)`
	}
	if _, err := b.db.ExecContext(ctx, query,
		pricing.ModelName, pricing.InputPricePerM, pricing.OutputPricePerM,
		nullString(pricing.Provider), pricing.Source, pricing.IsCustom, pricing.UpdatedAt); err != nil {
		return fmt.Errorf("upsert model pricing: %w", err)
	}
	return nil
}

// ---- stats ----

func (b *SQLBackend) GetStorageStats(ctx context.Context) (StorageStats, error) {
	stats := StorageStats{Backend: b.label}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM credentials`, &stats.Credentials},
		{`SELECT COUNT(*) FROM error_credentials`, &stats.ErrorCredentials},
		{`SELECT COUNT(*) FROM api_keys`, &stats.APIKeys},
		{`SELECT COUNT(*) FROM api_logs`, &stats.LogRows},
	}
	for _, c := range counts {
		if err := b.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return stats, fmt.Errorf("storage stats: %w", err)
		}
	}
	return stats, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var refreshSecret, clientID, clientSecret, region, profileARN, startURL, projectID, lastError sql.NullString
	var expiresAt, lastUsedAt, lastErrorAt, quotaUpdatedAt sql.NullTime
	var quotaJSON []byte

	err := row.Scan(&c.ID, &c.Provider, &c.Name, &c.AuthMethod, &c.AccessSecret, &refreshSecret,
		&clientID, &clientSecret, &region, &profileARN, &startURL, &projectID,
		&expiresAt, &c.Active, &c.UseCount, &lastUsedAt, &c.ErrorCount, &lastError,
		&lastErrorAt, &quotaJSON, &quotaUpdatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.RefreshSecret = refreshSecret.String
	c.ClientID = clientID.String
	c.ClientSecret = clientSecret.String
	c.Region = region.String
	c.ProfileARN = profileARN.String
	c.StartURL = startURL.String
	c.ProjectID = projectID.String
	c.LastError = lastError.String
	c.ExpiresAt = expiresAt.Time
	c.LastUsedAt = lastUsedAt.Time
	c.LastErrorAt = lastErrorAt.Time
	c.QuotaUpdatedAt = quotaUpdatedAt.Time
	c.QuotaJSON = quotaJSON
	return &c, nil
}

func scanErrorCredential(row rowScanner) (*ErrorCredential, error) {
	var ec ErrorCredential
	var snapshot []byte
	err := row.Scan(&ec.ID, &ec.OriginalID, &ec.Provider, &ec.Name, &snapshot,
		&ec.ErrorMessage, &ec.ErrorCount, &ec.LastErrorAt, &ec.CreatedAt)
	if err != nil {
		return nil, err
	}
	ec.SnapshotJSON = snapshot
	return &ec, nil
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var userID, name, keyPrefix sql.NullString
	var lastUsedAt sql.NullTime
	err := row.Scan(&k.ID, &userID, &name, &k.KeyHash, &keyPrefix, &k.Active,
		&k.DailyLimit, &k.MonthlyLimit, &k.TotalLimit, &k.ConcurrentLimit, &k.RateLimit,
		&k.DailyCostLimit, &k.MonthlyCostLimit, &k.TotalCostLimit, &k.ExpiresInDays,
		&k.CreatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	k.UserID = userID.String
	k.Name = name.String
	k.KeyPrefix = keyPrefix.String
	k.LastUsedAt = lastUsedAt.Time
	return &k, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
