package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves accounts from the farm metadata database.
// Deployments that co-locate the gateway with the control plane database
// skip the HTTP hop and read the same tables directly.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a directory backed by a pgx connection pool.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory dsn: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping directory database: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Close releases the connection pool.
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}

// Health checks connectivity to the metadata database.
func (d *PostgresDirectory) Health(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

const lookupAccountQuery = `
SELECT a.username, a.account_type, a.stored_credential,
       b.state, b.host, b.port, b.backend_id
FROM farm_accounts a
JOIN farm_backends b ON b.backend_id = a.backend_id
WHERE b.database_name = $1
  AND b.organization = $2
  AND a.username = $3`

// LookupAccount implements Directory.
func (d *PostgresDirectory) LookupAccount(ctx context.Context, database, organization, username string) (*FarmAccount, error) {
	var account FarmAccount
	err := d.pool.QueryRow(ctx, lookupAccountQuery, database, organization, username).Scan(
		&account.Username,
		&account.Type,
		&account.StoredCredential,
		&account.BackendState,
		&account.BackendHost,
		&account.BackendPort,
		&account.BackendID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return &account, nil
}

const listRunningBackendsQuery = `
SELECT backend_id, host, port, availability_class, tier, last_activity
FROM farm_backends
WHERE state = 'RUN'`

// ListRunningBackends implements BackendLister.
func (d *PostgresDirectory) ListRunningBackends(ctx context.Context) ([]BackendRecord, error) {
	rows, err := d.pool.Query(ctx, listRunningBackendsQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer rows.Close()

	var out []BackendRecord
	for rows.Next() {
		var rec BackendRecord
		if err := rows.Scan(&rec.BackendID, &rec.Host, &rec.Port, &rec.AvailabilityClass, &rec.Tier, &rec.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan backend row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
