package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/flowgate/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	blob      string
	serial    string
	numbered  bool   // $1-style placeholders
	lockStage string // row lock clause appended when reading a stage for update
	isUnique  func(error) bool
}

// sqlStore implements RuntimeStore on database/sql for one dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runtimes (
			id TEXT PRIMARY KEY,
			app_code TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			company_id TEXT NOT NULL DEFAULT '',
			flow_id TEXT NOT NULL DEFAULT '',
			flow_version INTEGER NOT NULL DEFAULT 0,
			doc_params ` + s.d.blob + `,
			doc_title TEXT NOT NULL DEFAULT '',
			doc_employee_created TEXT NOT NULL DEFAULT '',
			current_seq INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL,
			task_bg_id TEXT NOT NULL DEFAULT '',
			task_bg_state TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runtimes_doc_app_idx ON runtimes (doc_id, app_code)`,
		`CREATE TABLE IF NOT EXISTS runtime_stages (
			runtime_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			node_code TEXT NOT NULL DEFAULT '',
			node_system_code TEXT NOT NULL DEFAULT '',
			node_title TEXT NOT NULL DEFAULT '',
			node_collaboration TEXT NOT NULL DEFAULT '',
			actions ` + s.d.blob + `,
			exit_conditions ` + s.d.blob + `,
			association_passed TEXT NOT NULL DEFAULT '',
			from_seq INTEGER NOT NULL DEFAULT 0,
			to_seq INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (runtime_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS runtime_assignees (
			id TEXT PRIMARY KEY,
			runtime_id TEXT NOT NULL,
			stage_seq INTEGER NOT NULL,
			employee_id TEXT NOT NULL,
			zones ` + s.d.blob + `,
			is_done INTEGER NOT NULL DEFAULT 0,
			action_perform ` + s.d.blob + `,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runtime_assignees_stage_idx ON runtime_assignees (runtime_id, stage_seq)`,
		`CREATE TABLE IF NOT EXISTS runtime_logs (
			pos ` + s.d.serial + `,
			id TEXT NOT NULL UNIQUE,
			runtime_id TEXT NOT NULL,
			stage_seq INTEGER NOT NULL DEFAULT 0,
			actor_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			msg TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runtime_logs_runtime_idx ON runtime_logs (runtime_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites ?-placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *sqlStore) InsertRuntime(ctx context.Context, rt *api.Runtime, logs ...api.RuntimeLog) error {
	params, err := EncodeValue(rt.DocParams)
	if err != nil {
		return fmt.Errorf("encode doc params: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO runtimes (id, app_code, doc_id, tenant_id, company_id, flow_id, flow_version,
				doc_params, doc_title, doc_employee_created, current_seq, state, task_bg_id, task_bg_state,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rt.ID, rt.AppCode, rt.DocID, rt.TenantID, rt.CompanyID, rt.FlowID, rt.FlowVersion,
			params, rt.DocTitle, rt.DocEmployeeCreated, rt.CurrentSeq, int(rt.State),
			rt.TaskBgID, string(rt.TaskBgState), nanos(rt.CreatedAt), nanos(rt.UpdatedAt),
		)
		if err != nil {
			if s.d.isUnique(err) {
				return fmt.Errorf("%w: %s/%s", api.ErrDuplicateRuntime, rt.AppCode, rt.DocID)
			}
			return err
		}
		return s.insertLogs(ctx, tx, logs)
	})
}

// casRuntime moves the runtime row if it still matches expect.
func (s *sqlStore) casRuntime(ctx context.Context, tx *sql.Tx, rt *api.Runtime, expect Expect) error {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE runtimes
		SET flow_id = ?, flow_version = ?, current_seq = ?, state = ?, updated_at = ?
		WHERE id = ? AND current_seq = ? AND state = ?`),
		rt.FlowID, rt.FlowVersion, rt.CurrentSeq, int(rt.State), nanos(rt.UpdatedAt),
		rt.ID, expect.Seq, int(expect.State),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM runtimes WHERE id = ?`), rt.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrRuntimeNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleRuntime
}

func (s *sqlStore) TransitionRuntime(ctx context.Context, rt *api.Runtime, expect Expect, logs ...api.RuntimeLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.casRuntime(ctx, tx, rt, expect); err != nil {
			return err
		}
		return s.insertLogs(ctx, tx, logs)
	})
}

func (s *sqlStore) SetTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runtimes SET task_bg_id = ?, task_bg_state = ?, updated_at = ? WHERE id = ?`),
		taskID, string(state), time.Now().UTC().UnixNano(), runtimeID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRuntimeNotFound
	}
	return nil
}

func (s *sqlStore) UpdateTaskState(ctx context.Context, runtimeID, taskID string, state api.TaskState) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runtimes SET task_bg_state = ?, updated_at = ? WHERE id = ? AND task_bg_id = ?`),
		string(state), time.Now().UTC().UnixNano(), runtimeID, taskID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM runtimes WHERE id = ?`), runtimeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrRuntimeNotFound
	}
	return false, err
}

const runtimeColumns = `id, app_code, doc_id, tenant_id, company_id, flow_id, flow_version,
	doc_params, doc_title, doc_employee_created, current_seq, state, task_bg_id, task_bg_state,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuntime(row rowScanner) (*api.Runtime, error) {
	var (
		rt                 api.Runtime
		params             []byte
		state              int
		taskState          string
		created, updatedAt int64
	)
	if err := row.Scan(&rt.ID, &rt.AppCode, &rt.DocID, &rt.TenantID, &rt.CompanyID, &rt.FlowID, &rt.FlowVersion,
		&params, &rt.DocTitle, &rt.DocEmployeeCreated, &rt.CurrentSeq, &state, &rt.TaskBgID, &taskState,
		&created, &updatedAt); err != nil {
		return nil, err
	}
	p, err := DecodeValue[map[string]any](params)
	if err != nil {
		return nil, fmt.Errorf("decode doc params of runtime %s: %w", rt.ID, err)
	}
	rt.DocParams = p
	rt.State = api.RuntimeState(state)
	rt.TaskBgState = api.TaskState(taskState)
	rt.CreatedAt = fromNanos(created)
	rt.UpdatedAt = fromNanos(updatedAt)
	return &rt, nil
}

func (s *sqlStore) getRuntime(ctx context.Context, where string, args ...any) (*api.Runtime, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runtimeColumns+` FROM runtimes WHERE `+where), args...)
	rt, err := scanRuntime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRuntimeNotFound
	}
	return rt, err
}

func (s *sqlStore) GetRuntime(ctx context.Context, id string) (*api.Runtime, error) {
	return s.getRuntime(ctx, `id = ?`, id)
}

func (s *sqlStore) FindRuntime(ctx context.Context, appCode, docID string) (*api.Runtime, error) {
	return s.getRuntime(ctx, `doc_id = ? AND app_code = ?`, docID, appCode)
}

func (s *sqlStore) ListRuntimes(ctx context.Context, opts api.RuntimeListOptions) ([]*api.Runtime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM runtimes`
	var (
		clauses []string
		args    []any
	)
	if opts.AppCode != "" {
		clauses = append(clauses, "app_code = ?")
		args = append(args, opts.AppCode)
	}
	if opts.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, opts.FlowID)
	}
	if opts.State != nil {
		clauses = append(clauses, "state = ?")
		args = append(args, int(*opts.State))
	}
	if opts.TaskState != api.TaskNone {
		clauses = append(clauses, "task_bg_state = ?")
		args = append(args, string(opts.TaskState))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Runtime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *sqlStore) CommitStage(ctx context.Context, c StageCommit) error {
	actions, err := EncodeValue(c.Stage.Actions)
	if err != nil {
		return err
	}
	exit, err := EncodeValue(c.Stage.ExitConditions)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.casRuntime(ctx, tx, c.Runtime, c.Expect); err != nil {
			return err
		}

		st := c.Stage
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO runtime_stages (runtime_id, seq, node_id, node_code, node_system_code, node_title,
				node_collaboration, actions, exit_conditions, association_passed, from_seq, to_seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.RuntimeID, st.Seq, st.Node.ID, st.Node.Code, string(st.Node.SystemCode), st.Node.Title,
			string(st.Node.Collaboration), actions, exit, st.AssociationPassed, st.FromSeq, st.ToSeq,
			nanos(st.CreatedAt),
		)
		if err != nil {
			if s.d.isUnique(err) {
				return ErrStaleRuntime
			}
			return err
		}

		if st.FromSeq > 0 {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE runtime_stages SET to_seq = ? WHERE runtime_id = ? AND seq = ?`),
				st.Seq, st.RuntimeID, st.FromSeq,
			); err != nil {
				return err
			}
		}

		for _, a := range c.Assignees {
			zones, err := EncodeValue(a.Zones)
			if err != nil {
				return err
			}
			performed, err := EncodeValue(a.ActionPerform)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO runtime_assignees (id, runtime_id, stage_seq, employee_id, zones, is_done, action_perform, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				a.ID, a.RuntimeID, a.StageSeq, a.EmployeeID, zones, boolInt(a.IsDone), performed, nanos(a.UpdatedAt),
			); err != nil {
				return err
			}
		}
		return s.insertLogs(ctx, tx, c.Logs)
	})
}

const stageColumns = `runtime_id, seq, node_id, node_code, node_system_code, node_title, node_collaboration,
	actions, exit_conditions, association_passed, from_seq, to_seq, created_at`

func scanStage(row rowScanner) (*api.RuntimeStage, error) {
	var (
		st                  api.RuntimeStage
		sysCode, collab     string
		actions, conditions []byte
		created             int64
	)
	if err := row.Scan(&st.RuntimeID, &st.Seq, &st.Node.ID, &st.Node.Code, &sysCode, &st.Node.Title, &collab,
		&actions, &conditions, &st.AssociationPassed, &st.FromSeq, &st.ToSeq, &created); err != nil {
		return nil, err
	}
	st.Node.SystemCode = api.SystemCode(sysCode)
	st.Node.Collaboration = api.Collaboration(collab)
	st.CreatedAt = fromNanos(created)

	var err error
	if st.Actions, err = DecodeValue[[]string](actions); err != nil {
		return nil, fmt.Errorf("decode stage actions: %w", err)
	}
	if st.ExitConditions, err = DecodeValue[api.Condition](conditions); err != nil {
		return nil, fmt.Errorf("decode stage conditions: %w", err)
	}
	return &st, nil
}

func (s *sqlStore) GetStage(ctx context.Context, runtimeID string, seq int) (*api.RuntimeStage, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stageColumns+` FROM runtime_stages WHERE runtime_id = ? AND seq = ?`),
		runtimeID, seq)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStageNotFound
	}
	return st, err
}

func (s *sqlStore) ListStages(ctx context.Context, runtimeID string) ([]*api.RuntimeStage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stageColumns+` FROM runtime_stages WHERE runtime_id = ? ORDER BY seq`),
		runtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RuntimeStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const assigneeColumns = `id, runtime_id, stage_seq, employee_id, zones, is_done, action_perform, updated_at`

func scanAssignee(row rowScanner) (*api.RuntimeAssignee, error) {
	var (
		a                api.RuntimeAssignee
		zones, performed []byte
		done             int
		updated          int64
	)
	if err := row.Scan(&a.ID, &a.RuntimeID, &a.StageSeq, &a.EmployeeID, &zones, &done, &performed, &updated); err != nil {
		return nil, err
	}
	a.IsDone = done != 0
	a.UpdatedAt = fromNanos(updated)

	var err error
	if a.Zones, err = DecodeValue[[]api.ZoneScope](zones); err != nil {
		return nil, fmt.Errorf("decode assignee zones: %w", err)
	}
	if a.ActionPerform, err = DecodeValue[[]string](performed); err != nil {
		return nil, fmt.Errorf("decode assignee actions: %w", err)
	}
	return &a, nil
}

func (s *sqlStore) getAssignee(ctx context.Context, db queryer, id string) (*api.RuntimeAssignee, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+assigneeColumns+` FROM runtime_assignees WHERE id = ?`), id)
	a, err := scanAssignee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrAssigneeNotFound
	}
	return a, err
}

func (s *sqlStore) GetAssignee(ctx context.Context, id string) (*api.RuntimeAssignee, error) {
	return s.getAssignee(ctx, s.db, id)
}

func (s *sqlStore) ListAssignees(ctx context.Context, runtimeID string, seq int) ([]*api.RuntimeAssignee, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+assigneeColumns+` FROM runtime_assignees
		WHERE runtime_id = ? AND stage_seq = ?
		ORDER BY employee_id`), runtimeID, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RuntimeAssignee
	for rows.Next() {
		a, err := scanAssignee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) CompleteAssignee(ctx context.Context, c AssigneeCompletion) (bool, int, error) {
	// Read outside the transaction so that the first statement inside it is
	// a write; SQLite then takes the write lock up front.
	a, err := s.getAssignee(ctx, s.db, c.AssigneeID)
	if err != nil {
		return false, 0, err
	}
	if a.IsDone {
		return false, 0, nil
	}

	var (
		applied   bool
		remaining int
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if s.d.lockStage != "" {
			var seq int
			if err := tx.QueryRowContext(ctx, s.q(`
				SELECT seq FROM runtime_stages WHERE runtime_id = ? AND seq = ? `+s.d.lockStage),
				a.RuntimeID, a.StageSeq,
			).Scan(&seq); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE runtime_assignees SET is_done = 1, updated_at = ? WHERE id = ? AND is_done = 0`),
			nanos(c.At), a.ID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		applied = true

		cur, err := s.getAssignee(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		performed, err := EncodeValue(appendAction(cur.ActionPerform, c.Action))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE runtime_assignees SET action_perform = ? WHERE id = ?`),
			performed, a.ID); err != nil {
			return err
		}
		if err := s.insertLogs(ctx, tx, []api.RuntimeLog{c.Log}); err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM runtime_assignees WHERE runtime_id = ? AND stage_seq = ? AND is_done = 0`),
			a.RuntimeID, a.StageSeq,
		).Scan(&remaining)
	})
	if err != nil {
		return false, 0, err
	}
	return applied, remaining, nil
}

func (s *sqlStore) insertLogs(ctx context.Context, db queryer, logs []api.RuntimeLog) error {
	for _, l := range logs {
		if _, err := db.ExecContext(ctx, s.q(`
			INSERT INTO runtime_logs (id, runtime_id, stage_seq, actor_id, kind, action, msg, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			l.ID, l.RuntimeID, l.StageSeq, l.ActorID, string(l.Kind), l.Action, l.Msg, nanos(l.CreatedAt),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) AppendLog(ctx context.Context, logs ...api.RuntimeLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertLogs(ctx, tx, logs)
	})
}

func (s *sqlStore) ListLogs(ctx context.Context, runtimeID string) ([]api.RuntimeLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, runtime_id, stage_seq, actor_id, kind, action, msg, created_at
		FROM runtime_logs WHERE runtime_id = ? ORDER BY pos`), runtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.RuntimeLog
	for rows.Next() {
		var (
			l       api.RuntimeLog
			kind    string
			created int64
		)
		if err := rows.Scan(&l.ID, &l.RuntimeID, &l.StageSeq, &l.ActorID, &kind, &l.Action, &l.Msg, &created); err != nil {
			return nil, err
		}
		l.Kind = api.LogKind(kind)
		l.CreatedAt = fromNanos(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
