package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/workload"
)

// dbStore implements Store on database/sql. DML is written with '?'
// placeholders and rebound per dialect; DDL comes from the driver file.
// Timestamps are persisted as unix nanoseconds so both backends behave the
// same.
type dbStore struct {
	db      *sql.DB
	schema  []string
	rebind  func(string) string
	dialect string
}

func passthrough(q string) string { return q }

// rebindDollar rewrites '?' placeholders into $1..$n for postgres.
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *dbStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, err, "%s store write failed", s.dialect)
	}
	return res, nil
}

func (s *dbStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, err, "%s store read failed", s.dialect)
	}
	return rows, nil
}

func (s *dbStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(apperr.StoreUnavailable, err, "ensure schema")
		}
	}
	return nil
}

func (s *dbStore) Close() error { return s.db.Close() }

// --- declared aggregates ---

func nsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (s *dbStore) UpsertWorkload(ctx context.Context, w workload.Workload) error {
	argv, _ := json.Marshal(w.Argv)
	env, _ := json.Marshal(w.Env)
	scheds, _ := json.Marshal(w.Schedules)
	_, err := s.exec(ctx, `
		INSERT INTO workloads(id, name, argv, work_dir, env, grp, policy, schedules, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, argv=excluded.argv, work_dir=excluded.work_dir,
			env=excluded.env, grp=excluded.grp, policy=excluded.policy,
			schedules=excluded.schedules, updated_at=excluded.updated_at`,
		w.ID, w.Name, string(argv), w.WorkDir, string(env), w.Group, w.Policy, string(scheds),
		nsOrZero(w.CreatedAt), nsOrZero(w.UpdatedAt))
	return err
}

func (s *dbStore) DeleteWorkload(ctx context.Context, id string) error {
	// Cascade logs/metrics/schedules in one transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "begin delete workload")
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM logs WHERE workload_id = ?`,
		`DELETE FROM metrics WHERE workload_id = ?`,
		`DELETE FROM schedules WHERE workload_id = ?`,
		`DELETE FROM runs WHERE workload_id = ?`,
		`DELETE FROM workloads WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return apperr.Wrap(apperr.StoreUnavailable, err, "delete workload %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "commit delete workload %s", id)
	}
	return nil
}

func (s *dbStore) ListWorkloads(ctx context.Context) ([]workload.Workload, error) {
	rows, err := s.query(ctx, `
		SELECT id, name, argv, work_dir, env, grp, policy, schedules, created_at, updated_at
		FROM workloads ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []workload.Workload
	for rows.Next() {
		var w workload.Workload
		var argv, env, scheds string
		var created, updated int64
		if err := rows.Scan(&w.ID, &w.Name, &argv, &w.WorkDir, &env, &w.Group, &w.Policy, &scheds, &created, &updated); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan workload")
		}
		_ = json.Unmarshal([]byte(argv), &w.Argv)
		_ = json.Unmarshal([]byte(env), &w.Env)
		_ = json.Unmarshal([]byte(scheds), &w.Schedules)
		w.CreatedAt, w.UpdatedAt = fromNS(created), fromNS(updated)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *dbStore) PutPolicy(ctx context.Context, p workload.RestartPolicy) error {
	codes, _ := json.Marshal(p.RestartOnExitCodes)
	_, err := s.exec(ctx, `
		INSERT INTO policies(name, max_retries, initial_delay_ns, multiplier, max_delay_ns, exit_codes, on_normal_exit, on_lost)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			max_retries=excluded.max_retries, initial_delay_ns=excluded.initial_delay_ns,
			multiplier=excluded.multiplier, max_delay_ns=excluded.max_delay_ns,
			exit_codes=excluded.exit_codes, on_normal_exit=excluded.on_normal_exit,
			on_lost=excluded.on_lost`,
		p.Name, p.MaxRetries, int64(p.InitialDelay), p.BackoffMultiplier, int64(p.MaxDelay),
		string(codes), p.RestartOnNormalExit, p.RestartOnLost)
	return err
}

func scanPolicy(rows *sql.Rows) (workload.RestartPolicy, error) {
	var p workload.RestartPolicy
	var codes string
	var initNS, maxNS int64
	err := rows.Scan(&p.Name, &p.MaxRetries, &initNS, &p.BackoffMultiplier, &maxNS, &codes, &p.RestartOnNormalExit, &p.RestartOnLost)
	if err != nil {
		return p, err
	}
	p.InitialDelay, p.MaxDelay = time.Duration(initNS), time.Duration(maxNS)
	_ = json.Unmarshal([]byte(codes), &p.RestartOnExitCodes)
	return p, nil
}

const policyCols = `name, max_retries, initial_delay_ns, multiplier, max_delay_ns, exit_codes, on_normal_exit, on_lost`

func (s *dbStore) LoadPolicy(ctx context.Context, name string) (workload.RestartPolicy, error) {
	rows, err := s.query(ctx, `SELECT `+policyCols+` FROM policies WHERE name = ?`, name)
	if err != nil {
		return workload.RestartPolicy{}, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return workload.RestartPolicy{}, apperr.New(apperr.UnknownPolicy, "policy %q not found", name)
	}
	p, err := scanPolicy(rows)
	if err != nil {
		return p, apperr.Wrap(apperr.StoreUnavailable, err, "scan policy")
	}
	return p, nil
}

func (s *dbStore) ListPolicies(ctx context.Context) ([]workload.RestartPolicy, error) {
	rows, err := s.query(ctx, `SELECT `+policyCols+` FROM policies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []workload.RestartPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan policy")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *dbStore) PutSchedule(ctx context.Context, sc workload.Schedule) error {
	_, err := s.exec(ctx, `
		INSERT INTO schedules(id, workload_id, kind, expression, enabled, last_fire, next_fire)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workload_id=excluded.workload_id, kind=excluded.kind, expression=excluded.expression,
			enabled=excluded.enabled, last_fire=excluded.last_fire, next_fire=excluded.next_fire`,
		sc.ID, sc.WorkloadID, string(sc.Kind), sc.Expression, sc.Enabled,
		nsOrZero(sc.LastFire), nsOrZero(sc.NextFire))
	return err
}

func (s *dbStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *dbStore) LoadSchedules(ctx context.Context) ([]workload.Schedule, error) {
	rows, err := s.query(ctx, `
		SELECT id, workload_id, kind, expression, enabled, last_fire, next_fire
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []workload.Schedule
	for rows.Next() {
		var sc workload.Schedule
		var kind string
		var last, next int64
		if err := rows.Scan(&sc.ID, &sc.WorkloadID, &kind, &sc.Expression, &sc.Enabled, &last, &next); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan schedule")
		}
		sc.Kind = workload.ScheduleKind(kind)
		sc.LastFire, sc.NextFire = fromNS(last), fromNS(next)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// --- append-only aggregates ---

func (s *dbStore) AppendLogs(ctx context.Context, batch []workload.LogRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "begin log append")
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO logs(workload_id, seq, ts, stream, payload) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(workload_id, seq) DO NOTHING`))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "prepare log append")
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, r.WorkloadID, r.Seq, nsOrZero(r.Time), string(r.Stream), r.Payload); err != nil {
			return apperr.Wrap(apperr.StoreUnavailable, err, "append log %s/%d", r.WorkloadID, r.Seq)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "commit log append")
	}
	return nil
}

func (s *dbStore) AppendMetrics(ctx context.Context, batch []workload.MetricSample) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "begin metric append")
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO metrics(workload_id, ts, cpu, rss, threads) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(workload_id, ts) DO NOTHING`))
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "prepare metric append")
	}
	defer func() { _ = stmt.Close() }()
	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, m.WorkloadID, nsOrZero(m.Time), m.CPU, int64(m.RSSBytes), m.Threads); err != nil {
			return apperr.Wrap(apperr.StoreUnavailable, err, "append metric %s", m.WorkloadID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, err, "commit metric append")
	}
	return nil
}

func (s *dbStore) QueryLogs(ctx context.Context, q LogQuery) ([]workload.LogRecord, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT workload_id, seq, ts, stream, payload FROM logs WHERE workload_id = ?`)
	args := []any{q.WorkloadID}
	if q.SinceSeq > 0 {
		sb.WriteString(` AND seq >= ?`)
		args = append(args, q.SinceSeq)
	}
	if !q.Since.IsZero() {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, nsOrZero(q.Since))
	}
	if !q.Until.IsZero() {
		sb.WriteString(` AND ts <= ?`)
		args = append(args, nsOrZero(q.Until))
	}
	if q.Stream != "" {
		sb.WriteString(` AND stream = ?`)
		args = append(args, string(q.Stream))
	}
	sb.WriteString(` ORDER BY seq`)
	rows, err := s.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []workload.LogRecord
	for rows.Next() {
		var r workload.LogRecord
		var ts int64
		var stream string
		if err := rows.Scan(&r.WorkloadID, &r.Seq, &ts, &stream, &r.Payload); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan log")
		}
		r.Time, r.Stream = fromNS(ts), workload.Stream(stream)
		if q.Contains != "" && !strings.Contains(r.Payload, q.Contains) {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Tail > 0 && len(out) > q.Tail {
		out = out[len(out)-q.Tail:]
	}
	return out, nil
}

func (s *dbStore) QueryMetrics(ctx context.Context, workloadID string, since, until time.Time) ([]workload.MetricSample, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT workload_id, ts, cpu, rss, threads FROM metrics WHERE workload_id = ?`)
	args := []any{workloadID}
	if !since.IsZero() {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, nsOrZero(since))
	}
	if !until.IsZero() {
		sb.WriteString(` AND ts <= ?`)
		args = append(args, nsOrZero(until))
	}
	sb.WriteString(` ORDER BY ts`)
	rows, err := s.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []workload.MetricSample
	for rows.Next() {
		var m workload.MetricSample
		var ts, rss int64
		if err := rows.Scan(&m.WorkloadID, &ts, &m.CPU, &rss, &m.Threads); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan metric")
		}
		m.Time, m.RSSBytes = fromNS(ts), uint64(rss)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *dbStore) MaxLogSeq(ctx context.Context, workloadID string) (uint64, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM logs WHERE workload_id = ?`), workloadID)
	var seq uint64
	if err := row.Scan(&seq); err != nil {
		return 0, apperr.Wrap(apperr.StoreUnavailable, err, "max log seq for %s", workloadID)
	}
	return seq, nil
}

func (s *dbStore) PurgeLogsBefore(ctx context.Context, workloadID string, cutoff time.Time, beforeSeq uint64) (int64, error) {
	sb := strings.Builder{}
	sb.WriteString(`DELETE FROM logs WHERE workload_id = ?`)
	args := []any{workloadID}
	if !cutoff.IsZero() {
		sb.WriteString(` AND ts < ?`)
		args = append(args, nsOrZero(cutoff))
	}
	if beforeSeq > 0 {
		sb.WriteString(` AND seq < ?`)
		args = append(args, beforeSeq)
	}
	res, err := s.exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *dbStore) PurgeByRetention(ctx context.Context, maxAge time.Duration, maxRecords int64) (int64, error) {
	var total int64
	if maxAge > 0 {
		cut := nsOrZero(time.Now().Add(-maxAge))
		for _, q := range []string{`DELETE FROM logs WHERE ts < ?`, `DELETE FROM metrics WHERE ts < ?`} {
			res, err := s.exec(ctx, q, cut)
			if err != nil {
				return total, err
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}
	if maxRecords > 0 {
		// Per-workload cap: drop everything below (max seq - cap) for each workload.
		res, err := s.exec(ctx, `
			DELETE FROM logs WHERE seq < (
				SELECT MAX(l2.seq) - ? FROM logs l2 WHERE l2.workload_id = logs.workload_id
			)`, maxRecords)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- run audit ---

func (s *dbStore) RecordStart(ctx context.Context, rec RunRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO runs(uniq, workload_id, pid, started_at, stopped_at, running, exit_code)
		VALUES(?, ?, ?, ?, 0, ?, 0)
		ON CONFLICT(uniq) DO UPDATE SET running=excluded.running`,
		rec.Key(), rec.WorkloadID, rec.PID, nsOrZero(rec.StartedAt), true)
	return err
}

func (s *dbStore) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitCode int) error {
	_, err := s.exec(ctx, `
		UPDATE runs SET running = ?, stopped_at = ?, exit_code = ? WHERE uniq = ?`,
		false, nsOrZero(stoppedAt), exitCode, uniq)
	return err
}

func (s *dbStore) GetRunning(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.query(ctx, `
		SELECT uniq, workload_id, pid, started_at, stopped_at, running, exit_code
		FROM runs WHERE running = ?`, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, stopped int64
		if err := rows.Scan(&r.Uniq, &r.WorkloadID, &r.PID, &started, &stopped, &r.Running, &r.ExitCode); err != nil {
			return nil, apperr.Wrap(apperr.StoreUnavailable, err, "scan run")
		}
		r.StartedAt, r.StoppedAt = fromNS(started), fromNS(stopped)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*dbStore)(nil)

func tableDDL(boolType, floatType string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS workloads(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			argv TEXT NOT NULL,
			work_dir TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT 'null',
			grp TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			schedules TEXT NOT NULL DEFAULT 'null',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS policies(
			name TEXT PRIMARY KEY,
			max_retries INTEGER NOT NULL,
			initial_delay_ns BIGINT NOT NULL,
			multiplier %s NOT NULL,
			max_delay_ns BIGINT NOT NULL,
			exit_codes TEXT NOT NULL DEFAULT 'null',
			on_normal_exit %s NOT NULL,
			on_lost %s NOT NULL
		)`, floatType, boolType, boolType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedules(
			id TEXT PRIMARY KEY,
			workload_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			expression TEXT NOT NULL,
			enabled %s NOT NULL,
			last_fire BIGINT NOT NULL DEFAULT 0,
			next_fire BIGINT NOT NULL DEFAULT 0
		)`, boolType),
		`CREATE TABLE IF NOT EXISTS logs(
			workload_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			ts BIGINT NOT NULL,
			stream TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY(workload_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS logs_ts ON logs(workload_id, ts)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS metrics(
			workload_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			cpu %s NOT NULL,
			rss BIGINT NOT NULL,
			threads INTEGER NOT NULL,
			PRIMARY KEY(workload_id, ts)
		)`, floatType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs(
			uniq TEXT PRIMARY KEY,
			workload_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at BIGINT NOT NULL,
			stopped_at BIGINT NOT NULL DEFAULT 0,
			running %s NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0
		)`, boolType),
	}
}
