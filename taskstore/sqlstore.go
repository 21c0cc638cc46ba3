package taskstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/lib/sqlite"
	"github.com/filecoin-project/dispatch/taskiface"
)

var ddls = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		params BLOB,
		requirements BLOB,
		infrastructure TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		delegate_group TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		acquired_by TEXT NOT NULL DEFAULT '',
		acquired_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expiry INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		result BLOB,
		failure_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_created ON tasks (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS tasks_acquired_by ON tasks (acquired_by)`,
}

const taskColumns = `id, task_type, params, requirements, infrastructure, account, delegate_group,
	status, version, acquired_by, acquired_at, created_at, expiry, updated_at,
	cancel_requested, result, failure_reason`

type taskRow struct {
	ID              string `db:"id"`
	TaskType        string `db:"task_type"`
	Params          []byte `db:"params"`
	Requirements    []byte `db:"requirements"`
	Infrastructure  string `db:"infrastructure"`
	Account         string `db:"account"`
	DelegateGroup   string `db:"delegate_group"`
	Status          string `db:"status"`
	Version         int64  `db:"version"`
	AcquiredBy      string `db:"acquired_by"`
	AcquiredAt      int64  `db:"acquired_at"`
	CreatedAt       int64  `db:"created_at"`
	Expiry          int64  `db:"expiry"`
	UpdatedAt       int64  `db:"updated_at"`
	CancelRequested bool   `db:"cancel_requested"`
	Result          []byte `db:"result"`
	FailureReason   string `db:"failure_reason"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *taskRow) task() (*taskiface.Task, error) {
	t := &taskiface.Task{
		ID:              taskiface.TaskID(r.ID),
		Type:            r.TaskType,
		Params:          r.Params,
		Infrastructure:  r.Infrastructure,
		Account:         r.Account,
		DelegateGroup:   r.DelegateGroup,
		Status:          taskiface.TaskStatus(r.Status),
		Version:         uint64(r.Version),
		AcquiredBy:      taskiface.DelegateID(r.AcquiredBy),
		AcquiredAt:      fromNanos(r.AcquiredAt),
		CreatedAt:       fromNanos(r.CreatedAt),
		Expiry:          fromNanos(r.Expiry),
		UpdatedAt:       fromNanos(r.UpdatedAt),
		CancelRequested: r.CancelRequested,
		Result:          r.Result,
		FailureReason:   r.FailureReason,
	}
	if len(r.Requirements) > 0 {
		if err := cbor.Unmarshal(r.Requirements, &t.Requirements); err != nil {
			return nil, xerrors.Errorf("decoding requirements of task %s: %w", r.ID, err)
		}
	}
	return t, nil
}

// SQLStore persists tasks in SQLite. Conditional updates are single UPDATE
// statements whose WHERE clause carries the expected status and version; the
// affected row count decides the outcome.
type SQLStore struct {
	db  *sql.DB
	clk clock.Clock
}

var _ Store = (*SQLStore)(nil)

func OpenSQLStore(ctx context.Context, path string, clk clock.Clock) (*SQLStore, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening task database: %w", err)
	}
	if err := sqlite.InitDb(ctx, "tasks", db, ddls, nil); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("initializing task database: %w", err)
	}
	return &SQLStore{db: db, clk: clk}, nil
}

func (s *SQLStore) Submit(ctx context.Context, t *taskiface.Task) (taskiface.TaskID, error) {
	if t.ID == "" {
		t.ID = taskiface.NewTaskID()
	}
	reqs, err := cbor.Marshal(t.Requirements)
	if err != nil {
		return "", xerrors.Errorf("encoding requirements: %w", err)
	}
	now := toNanos(s.clk.Now())

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, task_type, params, requirements, infrastructure,
		account, delegate_group, status, version, created_at, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		string(t.ID), t.Type, t.Params, reqs, t.Infrastructure,
		t.Account, t.DelegateGroup, string(taskiface.StatusQueued), now, toNanos(t.Expiry), now)
	if err != nil {
		return "", xerrors.Errorf("inserting task %s: %w", t.ID, err)
	}
	return t.ID, nil
}

func (s *SQLStore) Get(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error) {
	var rows []taskRow
	err := sqlscan.Select(ctx, s.db, &rows, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id))
	if err != nil {
		return nil, xerrors.Errorf("getting task %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, xerrors.Errorf("getting task %s: %w", id, ErrNotFound)
	}
	return rows[0].task()
}

func (s *SQLStore) currentVersion(ctx context.Context, id taskiface.TaskID) (uint64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, string(id)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, xerrors.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (s *SQLStore) TryClaim(ctx context.Context, id taskiface.TaskID, delegate taskiface.DelegateID, expectedVersion uint64) (bool, uint64, error) {
	now := toNanos(s.clk.Now())

	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET status = ?, version = version + 1, acquired_by = ?, acquired_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND version = ? AND (expiry = 0 OR expiry > ?)`,
		string(taskiface.StatusAcquired), string(delegate), now, now,
		string(id), string(taskiface.StatusQueued), int64(expectedVersion), now)
	if err != nil {
		return false, 0, xerrors.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, xerrors.Errorf("claiming task %s: %w", id, err)
	}
	if n == 1 {
		return true, expectedVersion + 1, nil
	}

	cur, err := s.currentVersion(ctx, id)
	if err != nil {
		return false, 0, xerrors.Errorf("claiming: %w", err)
	}
	return false, cur, nil
}

func (s *SQLStore) update(ctx context.Context, id taskiface.TaskID, version uint64, tr transition, set string, args ...any) (bool, error) {
	srcs := sources[tr]
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(srcs)), ", ")

	q := `UPDATE tasks SET ` + set + `, updated_at = ? WHERE id = ? AND version = ? AND status IN (` + marks + `)`
	args = append(args, toNanos(s.clk.Now()), string(id), int64(version))
	for _, st := range srcs {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, xerrors.Errorf("%s task %s: %w", tr, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("%s task %s: %w", tr, id, err)
	}
	if n == 0 {
		if _, err := s.currentVersion(ctx, id); err != nil {
			return false, xerrors.Errorf("%s: %w", tr, err)
		}
		log.Debugw("conditional update refused", "task", id, "op", tr, "expected", version)
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) MarkStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return s.update(ctx, id, version, trStart, `status = ?`, string(targets[trStart]))
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, id taskiface.TaskID, version uint64, payload []byte) (bool, error) {
	return s.update(ctx, id, version, trSucceed, `status = ?, result = ?`, string(targets[trSucceed]), payload)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id taskiface.TaskID, version uint64, reason string) (bool, error) {
	return s.update(ctx, id, version, trFail, `status = ?, failure_reason = ?`, string(targets[trFail]), reason)
}

func (s *SQLStore) MarkExpired(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return s.update(ctx, id, version, trExpire, `status = ?, failure_reason = ?`, string(targets[trExpire]), taskiface.ReasonExpired)
}

func (s *SQLStore) Abort(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return s.update(ctx, id, version, trAbort, `status = ?, failure_reason = ?`, string(targets[trAbort]), taskiface.ReasonAborted)
}

func (s *SQLStore) RequestCancel(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return s.update(ctx, id, version, trCancel, `cancel_requested = 1`)
}

func (s *SQLStore) Requeue(ctx context.Context, id taskiface.TaskID, version uint64) (bool, uint64, error) {
	ok, err := s.update(ctx, id, version, trRequeue,
		`status = ?, version = version + 1, acquired_by = '', cancel_requested = 0`, string(targets[trRequeue]))
	if err != nil || !ok {
		return ok, 0, err
	}
	return true, version + 1, nil
}

func (s *SQLStore) list(ctx context.Context, where string, args ...any) ([]*taskiface.Task, error) {
	var rows []taskRow
	err := sqlscan.Select(ctx, s.db, &rows, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, xerrors.Errorf("listing tasks: %w", err)
	}
	out := make([]*taskiface.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) ListQueued(ctx context.Context, account string) ([]*taskiface.Task, error) {
	return s.list(ctx, `status = ? AND (account = '' OR account = ?)`, string(taskiface.StatusQueued), account)
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*taskiface.Task, error) {
	return s.list(ctx, `status IN (?, ?, ?)`,
		string(taskiface.StatusQueued), string(taskiface.StatusAcquired), string(taskiface.StatusStarted))
}

func (s *SQLStore) ListAcquiredBy(ctx context.Context, delegate taskiface.DelegateID) ([]*taskiface.Task, error) {
	return s.list(ctx, `acquired_by = ? AND status IN (?, ?)`,
		string(delegate), string(taskiface.StatusAcquired), string(taskiface.StatusStarted))
}

func (s *SQLStore) ListOverdue(ctx context.Context, now time.Time) ([]*taskiface.Task, error) {
	return s.list(ctx, `status IN (?, ?, ?) AND expiry != 0 AND expiry <= ?`,
		string(taskiface.StatusQueued), string(taskiface.StatusAcquired), string(taskiface.StatusStarted), toNanos(now))
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
