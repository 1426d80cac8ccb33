package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/bc-dunia/satori/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Migrate applies pending schema migrations on open.
	Migrate bool
}

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and optionally migrates.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const nodeColumns = `id, org_id, name, credential_hash, status, hostname, os_type, os_version,
	kernel_version, cpu_cores, total_memory, ip_address, capabilities, transmission_interval,
	last_heartbeat, created_at, registered_at, retired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var (
		n            types.Node
		status       string
		caps         []byte
		interval     int64
		heartbeat    sql.NullTime
		registeredAt sql.NullTime
		retiredAt    sql.NullTime
	)
	err := row.Scan(&n.ID, &n.OrgID, &n.Name, &n.CredentialHash, &status, &n.Hostname, &n.OSType,
		&n.OSVersion, &n.KernelVersion, &n.CPUCores, &n.TotalMemory, &n.IPAddress, &caps, &interval,
		&heartbeat, &n.CreatedAt, &registeredAt, &retiredAt)
	if err != nil {
		return nil, err
	}
	n.Status = types.NodeStatus(status)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &n.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of node %s: %w", n.ID, err)
		}
	}
	n.TransmissionInterval = time.Duration(interval) * time.Second
	if heartbeat.Valid {
		n.LastHeartbeat = heartbeat.Time
	}
	if registeredAt.Valid {
		n.RegisteredAt = registeredAt.Time
	}
	if retiredAt.Valid {
		t := retiredAt.Time
		n.RetiredAt = &t
	}
	return &n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func marshalCapabilities(caps []types.Category) ([]byte, error) {
	if caps == nil {
		caps = []types.Category{}
	}
	return json.Marshal(caps)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *types.Node) error {
	caps, err := marshalCapabilities(node.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		node.ID, node.OrgID, node.Name, node.CredentialHash, string(node.Status), node.Hostname,
		node.OSType, node.OSVersion, node.KernelVersion, node.CPUCores, node.TotalMemory,
		node.IPAddress, caps, int64(node.TransmissionInterval/time.Second),
		nullTime(node.LastHeartbeat), node.CreatedAt, nullTime(node.RegisteredAt), node.RetiredAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

func (s *PostgresStore) GetNodeByCredential(ctx context.Context, credentialHash string) (*types.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE credential_hash = $1`, credentialHash))
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, orgID string) ([]*types.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// retiredOrMissing tells apart the two reasons a guarded update matched no row.
func retiredOrMissing(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) error {
	var retired bool
	err := q.QueryRowContext(ctx, `SELECT retired_at IS NOT NULL FROM nodes WHERE id = $1`, id).Scan(&retired)
	if err != nil {
		return notFound(err)
	}
	if retired {
		return ErrRetired
	}
	return ErrNotFound
}

func (s *PostgresStore) UpdateRegistration(ctx context.Context, id string, facts types.HostFacts, at time.Time) (*types.Node, error) {
	caps, err := marshalCapabilities(facts.Capabilities)
	if err != nil {
		return nil, err
	}
	n, err := scanNode(s.db.QueryRowContext(ctx, `UPDATE nodes SET
		hostname = $2, os_type = $3, os_version = $4, kernel_version = $5, cpu_cores = $6,
		total_memory = $7, ip_address = $8, capabilities = $9, registered_at = $10
		WHERE id = $1 AND retired_at IS NULL
		RETURNING `+nodeColumns,
		id, facts.Hostname, facts.OSType, facts.OSVersion, facts.KernelVersion, facts.CPUCores,
		facts.TotalMemory, facts.IPAddress, caps, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retiredOrMissing(ctx, s.db, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update registration: %w", err)
	}
	return n, nil
}

// commitHeartbeatSQL advances the heartbeat monotonically under the row lock.
// Every SET expression reads the pre-update row.
const commitHeartbeatSQL = `UPDATE nodes SET
	status = CASE
		WHEN $3::text <> '' AND status <> 'maintenance'
			AND (last_heartbeat IS NULL OR $2::timestamptz >= last_heartbeat)
		THEN $3::text ELSE status END,
	last_heartbeat = GREATEST(COALESCE(last_heartbeat, $2::timestamptz), $2::timestamptz)
	WHERE id = $1 AND retired_at IS NULL
	RETURNING ` + nodeColumns

func (s *PostgresStore) CommitBatch(ctx context.Context, batch Batch) (*types.Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := scanNode(tx.QueryRowContext(ctx, commitHeartbeatSQL, batch.NodeID, batch.Heartbeat, string(batch.Status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retiredOrMissing(ctx, tx, batch.NodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("advance heartbeat: %w", err)
	}

	for _, sample := range batch.Samples {
		payload, err := json.Marshal(sample.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode sample %s: %w", sample.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO metric_samples (id, node_id, category, kind, ts, payload)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sample.ID, sample.NodeID, string(sample.Category), string(sample.Kind), sample.Timestamp, payload); err != nil {
			return nil, fmt.Errorf("insert sample: %w", err)
		}
	}
	for _, ev := range batch.Events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (id, node_id, org_id, severity, severity_rank, title, message, data, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, ev.NodeID, ev.OrgID, string(ev.Severity), ev.Severity.Rank(), ev.Title, ev.Message, data, ev.Timestamp); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return n, nil
}

// where accumulates positional conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (s *PostgresStore) QuerySamples(ctx context.Context, q SampleQuery) ([]types.MetricSample, error) {
	var w where
	w.add("node_id = ?", q.NodeID)
	if q.Kind != "" {
		w.add("kind = ?", string(q.Kind))
	}
	if q.Category != "" {
		w.add("category = ?", string(q.Category))
	}
	if !q.From.IsZero() {
		w.add("ts >= ?", q.From)
	}
	if !q.To.IsZero() {
		w.add("ts <= ?", q.To)
	}
	query := `SELECT id, node_id, category, kind, ts, payload FROM metric_samples` + w.String() +
		fmt.Sprintf(` ORDER BY ts DESC LIMIT %d`, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var samples []types.MetricSample
	for rows.Next() {
		var (
			sample   types.MetricSample
			category string
			kind     string
			payload  []byte
		)
		if err := rows.Scan(&sample.ID, &sample.NodeID, &category, &kind, &sample.Timestamp, &payload); err != nil {
			return nil, err
		}
		sample.Category = types.Category(category)
		sample.Kind = types.PayloadKind(kind)
		if sample.Payload, err = types.DecodePayload(sample.Kind, payload); err != nil {
			return nil, fmt.Errorf("decode sample %s: %w", sample.ID, err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(samples)
	return samples, nil
}

func (s *PostgresStore) QueryEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	var w where
	if q.NodeID != "" {
		w.add("node_id = ?", q.NodeID)
	}
	if q.OrgID != "" {
		w.add("org_id = ?", q.OrgID)
	}
	if q.MinSeverity != "" {
		w.add("severity_rank >= ?", q.MinSeverity.Rank())
	}
	if !q.From.IsZero() {
		w.add("ts >= ?", q.From)
	}
	if !q.To.IsZero() {
		w.add("ts <= ?", q.To)
	}
	query := `SELECT id, node_id, org_id, severity, title, message, data, ts FROM events` + w.String() +
		fmt.Sprintf(` ORDER BY ts DESC LIMIT %d`, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []types.Event
	for rows.Next() {
		var (
			ev       types.Event
			severity string
			data     []byte
		)
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.OrgID, &severity, &ev.Title, &ev.Message, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Severity = types.Severity(severity)
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkOffline(ctx context.Context, before time.Time) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE nodes SET status = 'offline'
		WHERE retired_at IS NULL AND last_heartbeat < $1
			AND status NOT IN ('offline', 'maintenance')
		RETURNING `+nodeColumns, before)
	if err != nil {
		return nil, fmt.Errorf("mark offline: %w", err)
	}
	defer rows.Close()
	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) SetMaintenance(ctx context.Context, id string, enabled bool) (*types.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `UPDATE nodes SET status = CASE
			WHEN $2 THEN 'maintenance'
			WHEN status = 'maintenance' THEN 'offline'
			ELSE status END
		WHERE id = $1 AND retired_at IS NULL
		RETURNING `+nodeColumns, id, enabled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retiredOrMissing(ctx, s.db, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set maintenance: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RetireNode(ctx context.Context, id string, at time.Time) (*types.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `UPDATE nodes SET
		retired_at = COALESCE(retired_at, $2), status = 'offline'
		WHERE id = $1
		RETURNING `+nodeColumns, id, at))
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }
