package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synckit-go/replicate/internal/engineerr"
)

// PostgresConfig mirrors the teacher's StorageConfig shape.
type PostgresConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{PoolMinConns: 2, PoolMaxConns: 10, ConnectionTimeout: 5 * time.Second}
}

// PostgresBackend implements Backend against the deltas/snapshots
// tables created by internal/store/migrations.
type PostgresBackend struct {
	config *PostgresConfig
	pool   *pgxpool.Pool
}

func NewPostgresBackend(config *PostgresConfig) *PostgresBackend {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return &PostgresBackend{config: config}
}

func (p *PostgresBackend) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return engineerr.New("failed to parse connection string", engineerr.CodeStorage, false, err)
	}
	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return engineerr.New("failed to connect to PostgreSQL", engineerr.CodeStorage, true, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return engineerr.New("failed to ping PostgreSQL", engineerr.CodeStorage, true, err)
	}
	p.pool = pool
	return nil
}

func (p *PostgresBackend) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// AllocateSeq allocates the next sequence number inside a transaction,
// matching the teacher's MergeVectorClock's tx-with-rollback-on-error
// discipline. The sequences table holds one row per collection and is
// advanced with UPDATE ... RETURNING so concurrent callers serialize on
// the row lock rather than racing a read-then-write.
func (p *PostgresBackend) AllocateSeq(ctx context.Context, collection string) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, engineerr.New("failed to begin transaction", engineerr.CodeStorage, true, err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sequences (collection, value)
		VALUES ($1, 1)
		ON CONFLICT (collection) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, collection).Scan(&seq)
	if err != nil {
		return 0, engineerr.New("failed to allocate sequence", engineerr.CodeStorage, true, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, engineerr.New("failed to commit sequence allocation", engineerr.CodeStorage, true, err)
	}
	return seq, nil
}

func (p *PostgresBackend) CurrentSeq(ctx context.Context, collection string) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `SELECT value FROM sequences WHERE collection = $1`, collection).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, engineerr.New("failed to read current sequence", engineerr.CodeStorage, true, err)
	}
	return seq, nil
}

func (p *PostgresBackend) InsertDelta(ctx context.Context, d Delta) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deltas (collection, document, seq, client_id, bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, d.Collection, d.Document, d.Seq, d.ClientID, d.Bytes)
	if err != nil {
		return engineerr.New("failed to insert delta", engineerr.CodeStorage, true, err)
	}
	return nil
}

func (p *PostgresBackend) DeltasSince(ctx context.Context, collection string, cursor int64, limit int) ([]Delta, error) {
	query := `
		SELECT collection, document, seq, client_id, bytes, created_at
		FROM deltas
		WHERE collection = $1 AND seq > $2
		ORDER BY seq ASC
	`
	args := []interface{}{collection, cursor}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, engineerr.New("failed to query deltas", engineerr.CodeStorage, true, err)
	}
	defer rows.Close()

	var out []Delta
	for rows.Next() {
		var d Delta
		if err := rows.Scan(&d.Collection, &d.Document, &d.Seq, &d.ClientID, &d.Bytes, &d.CreatedAt); err != nil {
			return nil, engineerr.New("failed to scan delta", engineerr.CodeStorage, true, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *PostgresBackend) OldestDeltaSeq(ctx context.Context, collection string) (int64, bool, error) {
	var seq *int64
	err := p.pool.QueryRow(ctx, `SELECT MIN(seq) FROM deltas WHERE collection = $1`, collection).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, engineerr.New("failed to query oldest delta seq", engineerr.CodeStorage, true, err)
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

func (p *PostgresBackend) SaveSnapshot(ctx context.Context, s Snapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO snapshots (collection, document, seq, bytes, state_vector)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, document) DO UPDATE
		SET seq = $3, bytes = $4, state_vector = $5, created_at = NOW()
	`, s.Collection, s.Document, s.Seq, s.Bytes, s.StateVector)
	if err != nil {
		return engineerr.New("failed to save snapshot", engineerr.CodeStorage, true, err)
	}
	return nil
}

func (p *PostgresBackend) LatestSnapshot(ctx context.Context, collection, document string) (*Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT collection, document, seq, bytes, state_vector, created_at
		FROM snapshots WHERE collection = $1 AND document = $2
	`, collection, document)

	var s Snapshot
	err := row.Scan(&s.Collection, &s.Document, &s.Seq, &s.Bytes, &s.StateVector, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, engineerr.New("failed to scan snapshot", engineerr.CodeStorage, true, err)
	}
	return &s, nil
}

func (p *PostgresBackend) LatestSnapshots(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT collection, document, seq, bytes, state_vector, created_at
		FROM snapshots WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, engineerr.New("failed to query snapshots", engineerr.CodeStorage, true, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Collection, &s.Document, &s.Seq, &s.Bytes, &s.StateVector, &s.CreatedAt); err != nil {
			return nil, engineerr.New("failed to scan snapshot", engineerr.CodeStorage, true, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *PostgresBackend) DeleteDeltasUpTo(ctx context.Context, collection, document string, boundary int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM deltas WHERE collection = $1 AND document = $2 AND seq <= $3
	`, collection, document, boundary)
	if err != nil {
		return 0, engineerr.New("failed to delete deltas", engineerr.CodeStorage, true, err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) DeltaCount(ctx context.Context, collection string) (DeltaCount, error) {
	dc := DeltaCount{Collection: collection}
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MIN(seq), 0) FROM deltas WHERE collection = $1
	`, collection).Scan(&dc.Count, &dc.OldestSeq)
	if err != nil {
		return dc, engineerr.New("failed to count deltas", engineerr.CodeStorage, true, err)
	}
	return dc, nil
}

func (p *PostgresBackend) Documents(ctx context.Context, collection string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT document FROM deltas WHERE collection = $1
		UNION
		SELECT document FROM snapshots WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, engineerr.New("failed to list documents", engineerr.CodeStorage, true, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, engineerr.New("failed to scan document", engineerr.CodeStorage, true, err)
		}
		out = append(out, doc)
	}
	return out, nil
}
