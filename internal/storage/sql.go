package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// txKey is the context key for transactions.
type txKey struct{}

// SQLStore implements Store on database/sql, parameterized by a Driver
// so SQLite and PostgreSQL share one set of queries.
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

// NewSQLiteStore opens a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// In-memory databases need shared cache mode: database/sql pools
	// connections, and without it each connection to ":memory:" would
	// get its own separate database.
	if !strings.HasPrefix(dbPath, "file:") {
		dbPath = "file:" + dbPath
	}
	connStr := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == "file::memory:" {
		connStr = "file::memory:?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &SQLStore{db: db, driver: &SQLiteDriver{}}, nil
}

// NewPostgresStore opens a PostgreSQL-backed store for the given DSN.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLStore{db: db, driver: &PostgresDriver{}}, nil
}

// Initialize creates the schema if it does not exist.
func (s *SQLStore) Initialize(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Driver returns the active driver.
func (s *SQLStore) Driver() Driver { return s.driver }

// ms converts a time to unix milliseconds, zero time to 0.
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMS converts unix milliseconds back to a time, 0 to the zero time.
func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullStr(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// getConn returns the executor for ctx (transaction if active).
func (s *SQLStore) getConn(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// exec runs a rebound statement on the context's executor.
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.getConn(ctx).ExecContext(ctx, s.driver.Rebind(query), args...)
}

// --- TransactionManager ---

// BeginTx starts a new transaction and attaches it to the context.
func (s *SQLStore) BeginTx(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, tx), nil
}

// CommitTx commits the context's transaction.
func (s *SQLStore) CommitTx(ctx context.Context) error {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		return fmt.Errorf("no transaction in context")
	}
	return tx.Commit()
}

// RollbackTx rolls back the context's transaction.
func (s *SQLStore) RollbackTx(ctx context.Context) error {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		return nil
	}
	return tx.Rollback()
}

// Conn returns the executor for the current context.
func (s *SQLStore) Conn(ctx context.Context) Executor {
	return s.getConn(ctx)
}

// --- RunManager ---

// CreateRun persists a new run.
func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := s.exec(ctx, `
		INSERT INTO runs (run_id, workflow, status, input_data, error_message, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		run.RunID, run.Workflow, run.Status, nullStr(run.InputData), run.ErrorMessage,
		ms(run.CreatedAt), ms(run.UpdatedAt))
	if err != nil && s.driver.IsDuplicateKey(err) {
		return fmt.Errorf("run %s already exists: %w", run.RunID, err)
	}
	return err
}

const runColumns = `run_id, workflow, status, input_data, output_data, error_message,
	version, locked_by, lock_expires_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var run Run
	var inputData, outputData sql.NullString
	var lockExpires, createdAt, updatedAt int64

	err := row.Scan(
		&run.RunID, &run.Workflow, &run.Status, &inputData, &outputData,
		&run.ErrorMessage, &run.Version, &run.LockedBy, &lockExpires,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if inputData.Valid {
		run.InputData = []byte(inputData.String)
	}
	if outputData.Valid {
		run.OutputData = []byte(outputData.String)
	}
	run.LockExpires = fromMS(lockExpires)
	run.CreatedAt = fromMS(createdAt)
	run.UpdatedAt = fromMS(updatedAt)
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.getConn(ctx).QueryRowContext(ctx,
		s.driver.Rebind(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// TransitionRunStatus applies the status write only from one of the
// given source states. The single-row conditional update is what makes
// transition-coupled side effects exactly-once.
func (s *SQLStore) TransitionRunStatus(ctx context.Context, runID string, from []RunStatus, to RunStatus, errMsg string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source states given")
	}
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{to, errMsg, ms(time.Now()), runID}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.exec(ctx, `
		UPDATE runs SET status = ?, error_message = ?, version = version + 1, updated_at = ?
		WHERE run_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateRunOutput records the serialized result of a completed run.
func (s *SQLStore) UpdateRunOutput(ctx context.Context, runID string, output []byte) error {
	_, err := s.exec(ctx, `
		UPDATE runs SET output_data = ?, version = version + 1, updated_at = ?
		WHERE run_id = ?`,
		nullStr(output), ms(time.Now()), runID)
	return err
}

// ListRuns lists runs with cursor pagination, newest first.
func (s *SQLStore) ListRuns(ctx context.Context, opts ListRunsOptions) (*RunPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any

	if opts.StatusFilter != "" {
		where = append(where, "status = ?")
		args = append(args, opts.StatusFilter)
	}
	if opts.WorkflowFilter != "" {
		where = append(where, "workflow = ?")
		args = append(args, opts.WorkflowFilter)
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, ms(opts.CreatedAfter))
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, ms(opts.CreatedBefore))
	}
	if opts.PageToken != "" {
		var cursorAt int64
		var cursorID string
		if _, err := fmt.Sscanf(opts.PageToken, "%d||%s", &cursorAt, &cursorID); err != nil {
			return nil, fmt.Errorf("invalid page token: %w", err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND run_id < ?))")
		args = append(args, cursorAt, cursorAt, cursorID)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	page := &RunPage{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Runs) > limit {
		page.Runs = page.Runs[:limit]
		last := page.Runs[limit-1]
		page.NextPageToken = fmt.Sprintf("%d||%s", ms(last.CreatedAt), last.RunID)
	}
	return page, nil
}

// FindResumableRuns finds status=running runs without a live lock.
// These are runs that were woken (event, timer, start) and are waiting
// for a worker to pick them up.
func (s *SQLStore) FindResumableRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE status = ? AND (locked_by = '' OR lock_expires_at <= ?)
		ORDER BY updated_at ASC LIMIT ?`),
		StatusRunning, ms(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- LockManager ---

// TryAcquireLock acquires the per-run exclusive section. Re-entrant
// for the same worker; expired locks are stolen.
func (s *SQLStore) TryAcquireLock(ctx context.Context, runID, workerID string, timeout time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.exec(ctx, `
		UPDATE runs SET locked_by = ?, lock_expires_at = ?, version = version + 1, updated_at = ?
		WHERE run_id = ? AND (locked_by = '' OR locked_by = ? OR lock_expires_at <= ?)`,
		workerID, ms(now.Add(timeout)), ms(now), runID, workerID, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLock releases the lock if held by workerID.
func (s *SQLStore) ReleaseLock(ctx context.Context, runID, workerID string) error {
	_, err := s.exec(ctx, `
		UPDATE runs SET locked_by = '', lock_expires_at = 0, version = version + 1, updated_at = ?
		WHERE run_id = ? AND locked_by = ?`,
		ms(time.Now()), runID, workerID)
	return err
}

// CleanupStaleLocks clears expired locks and returns run IDs left
// mid-pass by a crashed worker so they can be re-dispatched.
func (s *SQLStore) CleanupStaleLocks(ctx context.Context) ([]string, error) {
	now := ms(time.Now())

	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT run_id FROM runs
		WHERE locked_by != '' AND lock_expires_at <= ? AND status = ?`),
		now, StatusRunning)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.exec(ctx, `
		UPDATE runs SET locked_by = '', lock_expires_at = 0, version = version + 1, updated_at = ?
		WHERE locked_by != '' AND lock_expires_at <= ?`, now, now)
	return stale, err
}

// --- StepManager ---

// AppendStepRecord inserts a step record. The primary key on
// (run_id, step_id) is the at-most-once enforcement: a duplicate
// insert reports ErrStepAlreadyRecorded and the caller must read the
// existing record.
func (s *SQLStore) AppendStepRecord(ctx context.Context, rec *StepRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO step_records (run_id, step_id, status, attempts, result_data, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.StepID, rec.Status, rec.Attempts,
		nullStr(rec.ResultData), rec.ErrorMessage, ms(recordedAt))
	if err != nil && s.driver.IsDuplicateKey(err) {
		return ErrStepAlreadyRecorded
	}
	return err
}

const stepColumns = `run_id, step_id, status, attempts, result_data, error_message, recorded_at`

func scanStep(row interface{ Scan(...any) error }) (*StepRecord, error) {
	var rec StepRecord
	var resultData sql.NullString
	var recordedAt int64
	err := row.Scan(&rec.RunID, &rec.StepID, &rec.Status, &rec.Attempts,
		&resultData, &rec.ErrorMessage, &recordedAt)
	if err != nil {
		return nil, err
	}
	if resultData.Valid {
		rec.ResultData = []byte(resultData.String)
	}
	rec.RecordedAt = fromMS(recordedAt)
	return &rec, nil
}

// GetStepRecord retrieves a step record, or nil if absent.
func (s *SQLStore) GetStepRecord(ctx context.Context, runID, stepID string) (*StepRecord, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.driver.Rebind(`
		SELECT `+stepColumns+` FROM step_records WHERE run_id = ? AND step_id = ?`),
		runID, stepID)
	rec, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListStepRecords returns all step records for a run in recording order.
func (s *SQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT `+stepColumns+` FROM step_records WHERE run_id = ? ORDER BY recorded_at ASC, step_id ASC`),
		runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteFailedStepRecords removes failed records for a manual retry.
func (s *SQLStore) DeleteFailedStepRecords(ctx context.Context, runID string) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM step_records WHERE run_id = ? AND status = ?`,
		runID, StepFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- WaitManager ---

// CreateWaitRegistration persists a pending wait. A duplicate insert
// (replay re-suspending on the same wait) is a no-op.
func (s *SQLStore) CreateWaitRegistration(ctx context.Context, reg *WaitRegistration) error {
	registeredAt := reg.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO wait_registrations
			(run_id, wait_id, event_name, match_expr, correlation_value, timeout_at, resolution, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.RunID, reg.WaitID, reg.EventName, reg.MatchExpr,
		nullStr(reg.CorrelationValue), ms(reg.TimeoutAt), WaitPending, ms(registeredAt))
	if err != nil && s.driver.IsDuplicateKey(err) {
		return nil
	}
	return err
}

const waitColumns = `run_id, wait_id, event_name, match_expr, correlation_value,
	timeout_at, resolution, event_data, registered_at, resolved_at`

func scanWait(row interface{ Scan(...any) error }) (*WaitRegistration, error) {
	var reg WaitRegistration
	var correlation, eventData sql.NullString
	var timeoutAt, registeredAt, resolvedAt int64
	err := row.Scan(&reg.RunID, &reg.WaitID, &reg.EventName, &reg.MatchExpr,
		&correlation, &timeoutAt, &reg.Resolution, &eventData, &registeredAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if correlation.Valid {
		reg.CorrelationValue = []byte(correlation.String)
	}
	if eventData.Valid {
		reg.EventData = []byte(eventData.String)
	}
	reg.TimeoutAt = fromMS(timeoutAt)
	reg.RegisteredAt = fromMS(registeredAt)
	reg.ResolvedAt = fromMS(resolvedAt)
	return &reg, nil
}

// GetWaitRegistration retrieves a registration, or nil if absent.
func (s *SQLStore) GetWaitRegistration(ctx context.Context, runID, waitID string) (*WaitRegistration, error) {
	row := s.getConn(ctx).QueryRowContext(ctx, s.driver.Rebind(`
		SELECT `+waitColumns+` FROM wait_registrations WHERE run_id = ? AND wait_id = ?`),
		runID, waitID)
	reg, err := scanWait(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return reg, err
}

// ListWaitRegistrations returns all registrations for a run.
func (s *SQLStore) ListWaitRegistrations(ctx context.Context, runID string) ([]*WaitRegistration, error) {
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT `+waitColumns+` FROM wait_registrations WHERE run_id = ? ORDER BY registered_at ASC, wait_id ASC`),
		runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var regs []*WaitRegistration
	for rows.Next() {
		reg, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// FindPendingWaits returns pending registrations for an event name,
// oldest first.
func (s *SQLStore) FindPendingWaits(ctx context.Context, eventName string) ([]*WaitRegistration, error) {
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT `+waitColumns+` FROM wait_registrations
		WHERE event_name = ? AND resolution = ? ORDER BY registered_at ASC`),
		eventName, WaitPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var regs []*WaitRegistration
	for rows.Next() {
		reg, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// ResolveWait writes a resolution if and only if the wait is still
// pending. Returns whether this caller won.
func (s *SQLStore) ResolveWait(ctx context.Context, runID, waitID string, res WaitResolution, eventData []byte) (bool, error) {
	result, err := s.exec(ctx, `
		UPDATE wait_registrations SET resolution = ?, event_data = ?, resolved_at = ?
		WHERE run_id = ? AND wait_id = ? AND resolution = ?`,
		res, nullStr(eventData), ms(time.Now()), runID, waitID, WaitPending)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CancelPendingWaits resolves every pending wait of a run to cancelled.
func (s *SQLStore) CancelPendingWaits(ctx context.Context, runID string) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE wait_registrations SET resolution = ?, resolved_at = ?
		WHERE run_id = ? AND resolution = ?`,
		WaitCancelled, ms(time.Now()), runID, WaitPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- TimerManager ---

// RegisterTimer persists a timer; re-registering the same timer is a
// no-op so replay passes are idempotent.
func (s *SQLStore) RegisterTimer(ctx context.Context, t *Timer) error {
	_, err := s.exec(ctx, `
		INSERT INTO timers (run_id, timer_id, expires_at) VALUES (?, ?, ?)`,
		t.RunID, t.TimerID, ms(t.ExpiresAt))
	if err != nil && s.driver.IsDuplicateKey(err) {
		return nil
	}
	return err
}

// FindExpiredTimers returns timers past their deadline, oldest first.
func (s *SQLStore) FindExpiredTimers(ctx context.Context, limit int) ([]*Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT run_id, timer_id, expires_at FROM timers
		WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?`),
		ms(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var timers []*Timer
	for rows.Next() {
		var t Timer
		var expiresAt int64
		if err := rows.Scan(&t.RunID, &t.TimerID, &expiresAt); err != nil {
			return nil, err
		}
		t.ExpiresAt = fromMS(expiresAt)
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

// RemoveTimer deletes a timer.
func (s *SQLStore) RemoveTimer(ctx context.Context, runID, timerID string) error {
	_, err := s.exec(ctx, `DELETE FROM timers WHERE run_id = ? AND timer_id = ?`, runID, timerID)
	return err
}

// RemoveRunTimers deletes all timers for a run.
func (s *SQLStore) RemoveRunTimers(ctx context.Context, runID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM timers WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- EventBufferManager ---

// BufferEvent stores an unmatched event until its grace window expires.
func (s *SQLStore) BufferEvent(ctx context.Context, ev *BufferedEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO buffered_events (event_id, event_name, payload, received_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventName, nullStr(ev.Payload), ms(ev.ReceivedAt), ms(ev.ExpiresAt))
	return err
}

// FindBufferedEvents returns unexpired buffered events for an event
// name, oldest first.
func (s *SQLStore) FindBufferedEvents(ctx context.Context, eventName string) ([]*BufferedEvent, error) {
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT event_id, event_name, payload, received_at, expires_at FROM buffered_events
		WHERE event_name = ? AND expires_at > ? ORDER BY received_at ASC`),
		eventName, ms(time.Now()))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*BufferedEvent
	for rows.Next() {
		var ev BufferedEvent
		var payload sql.NullString
		var receivedAt, expiresAt int64
		if err := rows.Scan(&ev.EventID, &ev.EventName, &payload, &receivedAt, &expiresAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.ReceivedAt = fromMS(receivedAt)
		ev.ExpiresAt = fromMS(expiresAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// RemoveBufferedEvent deletes a buffered event after it matched.
func (s *SQLStore) RemoveBufferedEvent(ctx context.Context, eventID string) error {
	_, err := s.exec(ctx, `DELETE FROM buffered_events WHERE event_id = ?`, eventID)
	return err
}

// ExpireBufferedEvents drops events past their grace window.
func (s *SQLStore) ExpireBufferedEvents(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM buffered_events WHERE expires_at <= ?`, ms(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- NotificationManager ---

// AddNotification appends a pending notification to the outbox.
func (s *SQLStore) AddNotification(ctx context.Context, n *Notification) error {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO notifications (notification_id, run_id, kind, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.NotificationID, n.RunID, n.Kind, nullStr(n.Payload), NotificationPending, ms(createdAt))
	return err
}

// PendingNotifications returns undelivered notifications, oldest first.
func (s *SQLStore) PendingNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.getConn(ctx).QueryContext(ctx, s.driver.Rebind(`
		SELECT notification_id, run_id, kind, payload, status, attempts, created_at, sent_at
		FROM notifications WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		NotificationPending, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var payload sql.NullString
		var createdAt, sentAt int64
		if err := rows.Scan(&n.NotificationID, &n.RunID, &n.Kind, &payload,
			&n.Status, &n.Attempts, &createdAt, &sentAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			n.Payload = []byte(payload.String)
		}
		n.CreatedAt = fromMS(createdAt)
		n.SentAt = fromMS(sentAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationSent records successful delivery.
func (s *SQLStore) MarkNotificationSent(ctx context.Context, notificationID string) error {
	_, err := s.exec(ctx, `
		UPDATE notifications SET status = ?, sent_at = ? WHERE notification_id = ?`,
		NotificationSent, ms(time.Now()), notificationID)
	return err
}

// MarkNotificationFailed bumps the attempt count, marking the
// notification dead once maxAttempts is reached.
func (s *SQLStore) MarkNotificationFailed(ctx context.Context, notificationID string, maxAttempts int) error {
	_, err := s.exec(ctx, `
		UPDATE notifications SET attempts = attempts + 1 WHERE notification_id = ?`,
		notificationID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		UPDATE notifications SET status = ? WHERE notification_id = ? AND attempts >= ?`,
		NotificationDead, notificationID, maxAttempts)
	return err
}
