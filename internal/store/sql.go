package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

const protocolColumns = `id, label, class, status, run_mode, steps_mode, params,
	threads, mpi, gpus, use_queue, queue_name, queue_params, host, pid, job_ids,
	prerequisites, inputs, outputs, working_dir, streaming, parent_id,
	steps_done, number_steps, layout, error, init_time, end_time, last_update`

const stepColumns = `idx, func_name, args, status, prerequisites, interactive,
	needs_gpu, result_files, error, init_time, end_time`

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func open(d dialect, dsn string, maxConns int) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	for _, pragma := range d.pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLStore{db: db, d: d}, nil
}

// Open opens a store using the named driver ("sqlite" or "pgx").
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", sqliteDialect.name:
		return NewSQLiteStore(dsn)
	case postgresDialect.name, "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Driver returns the dialect name of the store.
func (s *SQLStore) Driver() string { return s.d.name }

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

// CreateProtocol inserts a new protocol and assigns its id.
func (s *SQLStore) CreateProtocol(ctx context.Context, p *model.Protocol) error {
	p.LastUpdate = time.Now().UTC()
	args := protocolArgs(p)
	err := s.queryRow(ctx,
		`INSERT INTO protocols (label, class, status, run_mode, steps_mode, params,
			threads, mpi, gpus, use_queue, queue_name, queue_params, host, pid, job_ids,
			prerequisites, inputs, outputs, working_dir, streaming, parent_id,
			steps_done, number_steps, layout, error, init_time, end_time, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		args[1:]...,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert protocol: %w", err)
	}
	return nil
}

// SaveProtocol inserts or fully updates the protocol row with p's id.
func (s *SQLStore) SaveProtocol(ctx context.Context, p *model.Protocol) error {
	if p.ID == 0 {
		return s.CreateProtocol(ctx, p)
	}
	p.LastUpdate = time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO protocols (`+protocolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label, class = excluded.class, status = excluded.status,
			run_mode = excluded.run_mode, steps_mode = excluded.steps_mode,
			params = excluded.params, threads = excluded.threads, mpi = excluded.mpi,
			gpus = excluded.gpus, use_queue = excluded.use_queue,
			queue_name = excluded.queue_name, queue_params = excluded.queue_params,
			host = excluded.host, pid = excluded.pid, job_ids = excluded.job_ids,
			prerequisites = excluded.prerequisites, inputs = excluded.inputs,
			outputs = excluded.outputs, working_dir = excluded.working_dir,
			streaming = excluded.streaming, parent_id = excluded.parent_id,
			steps_done = excluded.steps_done, number_steps = excluded.number_steps,
			layout = excluded.layout, error = excluded.error,
			init_time = excluded.init_time, end_time = excluded.end_time,
			last_update = excluded.last_update`,
		protocolArgs(p)...,
	)
	if err != nil {
		return fmt.Errorf("save protocol %d: %w", p.ID, err)
	}
	return nil
}

// GetProtocol retrieves a protocol by id.
func (s *SQLStore) GetProtocol(ctx context.Context, id int64) (*model.Protocol, error) {
	row := s.queryRow(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id = ?`, id)
	p, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	return p, nil
}

// ListProtocols returns every protocol ordered by id.
func (s *SQLStore) ListProtocols(ctx context.Context) ([]*model.Protocol, error) {
	rows, err := s.query(ctx, `SELECT `+protocolColumns+` FROM protocols ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*model.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan protocol: %w", err)
		}
		protocols = append(protocols, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate protocols: %w", err)
	}
	return protocols, nil
}

// UpdateProtocolStatus changes the status of a protocol, enforcing the state
// machine. Stop statuses also stamp end_time and store errMsg.
func (s *SQLStore) UpdateProtocolStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	var current model.Status
	err := s.queryRow(ctx, `SELECT status FROM protocols WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read protocol status: %w", err)
	}
	if current != status && !model.ValidTransition(current, status) {
		return fmt.Errorf("%s -> %s: %w", current, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	var result sql.Result
	if status.IsStopped() || status == model.StatusInteractive {
		result, err = s.exec(ctx,
			"UPDATE protocols SET status = ?, error = ?, end_time = ?, last_update = ? WHERE id = ?",
			status, errMsg, now, now, id,
		)
	} else {
		result, err = s.exec(ctx,
			"UPDATE protocols SET status = ?, error = ?, last_update = ? WHERE id = ?",
			status, errMsg, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update protocol status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProtocol removes a protocol with its objects and steps.
func (s *SQLStore) DeleteProtocol(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.d.rebind("DELETE FROM protocols WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete protocol: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind("DELETE FROM objects WHERE protocol_id = ?"), id); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind("DELETE FROM steps WHERE protocol_id = ?"), id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return tx.Commit()
}

// SaveObject inserts an object when its id is zero, otherwise upserts it.
func (s *SQLStore) SaveObject(ctx context.Context, o *model.Object) error {
	if o.Kind == "" {
		o.Kind = model.KindObject
	}
	if o.StreamState == "" {
		o.StreamState = model.StreamClosed
	}
	if o.ID == 0 {
		err := s.queryRow(ctx,
			`INSERT INTO objects (protocol_id, name, kind, stream_state, size)
			VALUES (?, ?, ?, ?, ?) RETURNING id`,
			o.ProtocolID, o.Name, o.Kind, o.StreamState, o.Size,
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("insert object: %w", err)
		}
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO objects (id, protocol_id, name, kind, stream_state, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			protocol_id = excluded.protocol_id, name = excluded.name,
			kind = excluded.kind, stream_state = excluded.stream_state,
			size = excluded.size`,
		o.ID, o.ProtocolID, o.Name, o.Kind, o.StreamState, o.Size,
	)
	if err != nil {
		return fmt.Errorf("save object %d: %w", o.ID, err)
	}
	return nil
}

// GetObject retrieves an object by id.
func (s *SQLStore) GetObject(ctx context.Context, id int64) (*model.Object, error) {
	o := &model.Object{}
	err := s.queryRow(ctx,
		`SELECT id, protocol_id, name, kind, stream_state, size FROM objects WHERE id = ?`, id,
	).Scan(&o.ID, &o.ProtocolID, &o.Name, &o.Kind, &o.StreamState, &o.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return o, nil
}

// ListObjects returns the objects created by protocolID, or all objects when
// protocolID is zero.
func (s *SQLStore) ListObjects(ctx context.Context, protocolID int64) ([]*model.Object, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if protocolID == 0 {
		rows, err = s.query(ctx, `SELECT id, protocol_id, name, kind, stream_state, size FROM objects ORDER BY id`)
	} else {
		rows, err = s.query(ctx,
			`SELECT id, protocol_id, name, kind, stream_state, size FROM objects
			WHERE protocol_id = ? ORDER BY id`, protocolID)
	}
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var objects []*model.Object
	for rows.Next() {
		o := &model.Object{}
		if err := rows.Scan(&o.ID, &o.ProtocolID, &o.Name, &o.Kind, &o.StreamState, &o.Size); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

// CloseOpenSets closes every open streaming set created by protocolID and
// returns how many were closed.
func (s *SQLStore) CloseOpenSets(ctx context.Context, protocolID int64) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE objects SET stream_state = ? WHERE protocol_id = ? AND kind = ? AND stream_state = ?`,
		model.StreamClosed, protocolID, model.KindSet, model.StreamOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("close open sets: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteObjects removes every object created by protocolID.
func (s *SQLStore) DeleteObjects(ctx context.Context, protocolID int64) error {
	if _, err := s.exec(ctx, `DELETE FROM objects WHERE protocol_id = ?`, protocolID); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

// ReplaceSteps atomically replaces the step ledger of protocolID.
func (s *SQLStore) ReplaceSteps(ctx context.Context, protocolID int64, steps []*model.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM steps WHERE protocol_id = ?`), protocolID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}

	insert := s.d.rebind(`INSERT INTO steps (protocol_id, ` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, st := range steps {
		args := append([]any{protocolID}, stepArgs(st)...)
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

// UpdateStep persists the state of one step.
func (s *SQLStore) UpdateStep(ctx context.Context, protocolID int64, st *model.Step) error {
	result, err := s.exec(ctx,
		`UPDATE steps SET status = ?, error = ?, init_time = ?, end_time = ?
		WHERE protocol_id = ? AND idx = ?`,
		st.Status, st.Error, st.InitTime, st.EndTime, protocolID, st.Index,
	)
	if err != nil {
		return fmt.Errorf("update step %d: %w", st.Index, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns the ledger of protocolID ordered by index.
func (s *SQLStore) ListSteps(ctx context.Context, protocolID int64) ([]*model.Step, error) {
	rows, err := s.query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE protocol_id = ? ORDER BY idx`, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		st := &model.Step{}
		var prereqs, results string
		if err := rows.Scan(
			&st.Index, &st.FuncName, &st.Args, &st.Status, &prereqs, &st.Interactive,
			&st.NeedsGPU, &results, &st.Error, &st.InitTime, &st.EndTime,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := decodeJSON(prereqs, &st.Prerequisites); err != nil {
			return nil, fmt.Errorf("decode step %d prerequisites: %w", st.Index, err)
		}
		if err := decodeJSON(results, &st.ResultFiles); err != nil {
			return nil, fmt.Errorf("decode step %d result files: %w", st.Index, err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// AbortRunningSteps marks every RUNNING step of protocolID as aborted.
func (s *SQLStore) AbortRunningSteps(ctx context.Context, protocolID int64) error {
	_, err := s.exec(ctx,
		`UPDATE steps SET status = ?, error = ?, end_time = ? WHERE protocol_id = ? AND status = ?`,
		model.StatusAborted, model.AbortedMessage, time.Now().UTC(), protocolID, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("abort running steps: %w", err)
	}
	return nil
}

// GetStats returns aggregate counts in a single read-only transaction.
func (s *SQLStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByStatus: make(map[model.Status]int),
		CountByClass:  make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, class, COUNT(*) FROM protocols GROUP BY status, class")
	if err != nil {
		return nil, fmt.Errorf("count protocols: %w", err)
	}
	for rows.Next() {
		var status model.Status
		var class string
		var n int
		if err := rows.Scan(&status, &class, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan protocol counts: %w", err)
		}
		stats.CountByStatus[status] += n
		stats.CountByClass[class] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate protocol counts: %w", err)
	}
	rows.Close()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM steps").Scan(&stats.Steps); err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}
	if err := tx.QueryRowContext(ctx, s.d.rebind(
		"SELECT COUNT(*) FROM objects WHERE kind = ? AND stream_state = ?"),
		model.KindSet, model.StreamOpen,
	).Scan(&stats.OpenSets); err != nil {
		return nil, fmt.Errorf("count open sets: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocol(row rowScanner) (*model.Protocol, error) {
	p := &model.Protocol{}
	var (
		params, gpus, queueParams, jobIDs, prereqs string
		inputs, outputs, layout                    string
	)
	if err := row.Scan(
		&p.ID, &p.Label, &p.Class, &p.Status, &p.RunMode, &p.StepsMode, &params,
		&p.Threads, &p.MPI, &gpus, &p.UseQueue, &p.QueueName, &queueParams, &p.Host,
		&p.PID, &jobIDs, &prereqs, &inputs, &outputs, &p.WorkingDir, &p.Streaming,
		&p.ParentID, &p.StepsDone, &p.NumberOfSteps, &layout, &p.Error,
		&p.InitTime, &p.EndTime, &p.LastUpdate,
	); err != nil {
		return nil, err
	}

	if params != "" && params != "null" {
		p.Params = json.RawMessage(params)
	}
	for _, f := range []struct {
		src string
		dst any
	}{
		{gpus, &p.GPUs},
		{queueParams, &p.QueueParams},
		{jobIDs, &p.JobIDs},
		{prereqs, &p.Prerequisites},
		{inputs, &p.Inputs},
		{outputs, &p.Outputs},
		{layout, &p.Layout},
	} {
		if err := decodeJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("decode protocol %d: %w", p.ID, err)
		}
	}
	return p, nil
}

func protocolArgs(p *model.Protocol) []any {
	params := "null"
	if len(p.Params) > 0 {
		params = string(p.Params)
	}
	return []any{
		p.ID, p.Label, p.Class, p.Status, p.RunMode, p.StepsMode, params,
		p.Threads, p.MPI, encodeJSON(p.GPUs), p.UseQueue, p.QueueName,
		encodeJSON(p.QueueParams), p.Host, p.PID, encodeJSON(p.JobIDs),
		encodeJSON(p.Prerequisites), encodeJSON(p.Inputs), encodeJSON(p.Outputs),
		p.WorkingDir, p.Streaming, p.ParentID, p.StepsDone, p.NumberOfSteps,
		encodeJSON(p.Layout), p.Error, p.InitTime, p.EndTime, p.LastUpdate,
	}
}

func stepArgs(st *model.Step) []any {
	return []any{
		st.Index, st.FuncName, st.Args, st.Status, encodeJSON(st.Prerequisites),
		st.Interactive, st.NeedsGPU, encodeJSON(st.ResultFiles), st.Error,
		st.InitTime, st.EndTime,
	}
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
