package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/satori/internal/types"
)

var nodeColumnNames = []string{
	"id", "org_id", "name", "credential_hash", "status", "hostname", "os_type", "os_version",
	"kernel_version", "cpu_cores", "total_memory", "ip_address", "capabilities", "transmission_interval",
	"last_heartbeat", "created_at", "registered_at", "retired_at",
}

func nodeRow(id string, status types.NodeStatus, heartbeat any) []driver.Value {
	return []driver.Value{
		id, "org1", "web", HashCredential("key-" + id), string(status), "web-1", "linux", "6.1",
		"6.1.0", int64(4), int64(8 << 30), "10.0.0.5", []byte(`["cpu","memory"]`), int64(30),
		heartbeat, base, nil, nil,
	}
}

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresGetNodeByCredential(t *testing.T) {
	s, mock := newMock(t)
	hash := HashCredential("key-n1")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM nodes WHERE credential_hash = $1`)).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows(nodeColumnNames).AddRow(nodeRow("n1", types.NodeHealthy, base)...))

	n, err := s.GetNodeByCredential(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, types.NodeHealthy, n.Status)
	assert.Equal(t, []types.Category{types.CategoryCPU, types.CategoryMemory}, n.Capabilities)
	assert.Equal(t, 30*time.Second, n.TransmissionInterval)
	assert.Equal(t, uint64(8<<30), n.TotalMemory)
	assert.Equal(t, base, n.LastHeartbeat)
	assert.True(t, n.RegisteredAt.IsZero())
	assert.False(t, n.Retired())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNodeNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM nodes WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateNodeConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO nodes`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateNode(context.Background(), newNode("n1", "org1"))
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitBatchIsOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	ts := base.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`last_heartbeat = GREATEST(`)).
		WithArgs("n1", ts, string(types.NodeWarning)).
		WillReturnRows(sqlmock.NewRows(nodeColumnNames).AddRow(nodeRow("n1", types.NodeWarning, ts)...))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO metric_samples`)).
		WithArgs("s1", "n1", "cpu", "cpu", ts, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).
		WithArgs("e1", "n1", "org1", "warning", 2, "High CPU Usage", "CPU usage is at 95.0%", sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.CommitBatch(context.Background(), Batch{
		NodeID:    "n1",
		Heartbeat: ts,
		Status:    types.NodeWarning,
		Samples:   []types.MetricSample{cpuSample("s1", "n1", ts, 95)},
		Events: []types.Event{{
			ID: "e1", NodeID: "n1", OrgID: "org1", Severity: types.SeverityWarning,
			Title: "High CPU Usage", Message: "CPU usage is at 95.0%", Timestamp: ts,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, ts, n.LastHeartbeat)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitBatchRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`last_heartbeat = GREATEST(`)).
		WillReturnRows(sqlmock.NewRows(nodeColumnNames).AddRow(nodeRow("n1", types.NodeHealthy, base)...))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO metric_samples`)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := s.CommitBatch(context.Background(), Batch{
		NodeID:    "n1",
		Heartbeat: base,
		Samples:   []types.MetricSample{cpuSample("s1", "n1", base, 1)},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitBatchRetiredNode(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`last_heartbeat = GREATEST(`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT retired_at IS NOT NULL FROM nodes WHERE id = $1`)).
		WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"retired"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.CommitBatch(context.Background(), Batch{NodeID: "n1", Heartbeat: base})
	assert.ErrorIs(t, err, ErrRetired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQuerySamplesOldestFirst(t *testing.T) {
	s, mock := newMock(t)
	from := base.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(
		`FROM metric_samples WHERE node_id = $1 AND kind = $2 AND ts >= $3 ORDER BY ts DESC LIMIT 10`)).
		WithArgs("n1", "cpu", from).
		WillReturnRows(sqlmock.NewRows([]string{"id", "node_id", "category", "kind", "ts", "payload"}).
			AddRow("s2", "n1", "cpu", "cpu", base.Add(time.Minute), []byte(`{"overall_percent":20}`)).
			AddRow("s1", "n1", "cpu", "cpu", base, []byte(`{"overall_percent":10}`)))

	got, err := s.QuerySamples(context.Background(), SampleQuery{NodeID: "n1", Kind: types.KindCPU, From: from, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ID)
	cpu, ok := got[1].Payload.(*types.CPU)
	require.True(t, ok)
	assert.Equal(t, 20.0, cpu.OverallPercent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryEvents(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`FROM events WHERE org_id = $1 AND severity_rank >= $2 ORDER BY ts DESC LIMIT 500`)).
		WithArgs("org1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "node_id", "org_id", "severity", "title", "message", "data", "ts"}).
			AddRow("e1", "n1", "org1", "critical", "Excessive Failed Logins", "15 failed", []byte(`{"rule":"security_failed_logins","metric":"security.failed_login_attempts","value":15,"threshold":10,"sample_ids":["s1"]}`), base))

	got, err := s.QueryEvents(context.Background(), EventQuery{OrgID: "org1", MinSeverity: types.SeverityError})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.SeverityCritical, got[0].Severity)
	assert.Equal(t, []string{"s1"}, got[0].Data.SampleIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkOffline(t *testing.T) {
	s, mock := newMock(t)
	cutoff := base.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE nodes SET status = 'offline'`)).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(nodeColumnNames).AddRow(nodeRow("n1", types.NodeOffline, base)...))

	nodes, err := s.MarkOffline(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeOffline, nodes[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteSamplesBefore(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM metric_samples WHERE ts < $1`)).
		WithArgs(base).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := s.DeleteSamplesBefore(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
