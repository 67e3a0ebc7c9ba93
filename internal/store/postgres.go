package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"classroll/internal/apperr"
	"classroll/internal/model"
)

// sessionLockKey is the advisory lock guarding the single-active-session check-and-set.
const sessionLockKey = 7310421

const sessionColumns = `id, uuid, subject_id, topic, room, professor_id, status, registration_open, started_at, ended_at`

// Postgres persists attendance data in Postgres.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the pool.
func (p *Postgres) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var s model.Session
	var status string
	var ended sql.NullTime
	if err := row.Scan(&s.ID, &s.UUID, &s.SubjectID, &s.Topic, &s.Room, &s.ProfessorID, &status, &s.RegistrationOpen, &s.StartedAt, &ended); err != nil {
		return model.Session{}, err
	}
	s.Status = model.SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}

func scanRecord(row rowScanner) (model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	var status string
	var checkIn, overridden sql.NullTime
	var proof sql.NullString
	if err := row.Scan(&r.SessionID, &r.StudentID, &status, &checkIn, &proof, &r.DetectionCount, &overridden); err != nil {
		return model.AttendanceRecord{}, err
	}
	r.Status = model.Status(status)
	if checkIn.Valid {
		t := checkIn.Time
		r.CheckInTime = &t
	}
	if overridden.Valid {
		t := overridden.Time
		r.OverriddenAt = &t
	}
	if proof.Valid {
		v := proof.String
		r.ProofImageRef = &v
	}
	return r, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFoundf(format, args...)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateSubject adds a subject with a unique code.
func (p *Postgres) CreateSubject(ctx context.Context, code, name string) (model.Subject, error) {
	code, name = strings.TrimSpace(code), strings.TrimSpace(name)
	if code == "" || name == "" {
		return model.Subject{}, apperr.Validationf("subject code and name required")
	}
	s := model.Subject{Code: code, Name: name, Active: true}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO subjects (code, name) VALUES ($1, $2) RETURNING id
	`, code, name).Scan(&s.ID)
	if isUniqueViolation(err) {
		return model.Subject{}, apperr.Conflictf("subject %s already exists", code)
	}
	return s, err
}

// SetSubjectActive toggles whether new sessions may be started for a subject.
func (p *Postgres) SetSubjectActive(ctx context.Context, id int64, active bool) (model.Subject, error) {
	var s model.Subject
	err := p.db.QueryRowContext(ctx, `
		UPDATE subjects SET active = $2 WHERE id = $1 RETURNING id, code, name, active
	`, id, active).Scan(&s.ID, &s.Code, &s.Name, &s.Active)
	return s, notFound(err, "subject %d not found", id)
}

// GetSubject returns a subject by id.
func (p *Postgres) GetSubject(ctx context.Context, id int64) (model.Subject, error) {
	var s model.Subject
	err := p.db.QueryRowContext(ctx, `SELECT id, code, name, active FROM subjects WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.Active)
	return s, notFound(err, "subject %d not found", id)
}

// SubjectByCode returns a subject by its code.
func (p *Postgres) SubjectByCode(ctx context.Context, code string) (model.Subject, error) {
	var s model.Subject
	err := p.db.QueryRowContext(ctx, `SELECT id, code, name, active FROM subjects WHERE code = $1`, code).
		Scan(&s.ID, &s.Code, &s.Name, &s.Active)
	return s, notFound(err, "subject %s not found", code)
}

// ListSubjects returns all subjects ordered by code.
func (p *Postgres) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	return querySubjects(ctx, p.db, `SELECT id, code, name, active FROM subjects ORDER BY code`)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySubjects(ctx context.Context, q querier, query string) ([]model.Subject, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Subject
	for rows.Next() {
		var s model.Subject
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Active); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertStudent creates a student or updates the name/image of an existing code.
func (p *Postgres) UpsertStudent(ctx context.Context, code, name, imageRef string) (model.Student, error) {
	code, name = strings.TrimSpace(code), strings.TrimSpace(name)
	if code == "" {
		return model.Student{}, apperr.Validationf("student code required")
	}
	existing, err := p.StudentByCode(ctx, code)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return model.Student{}, err
	}
	if err != nil && name == "" {
		return model.Student{}, apperr.Validationf("student name required")
	}
	if err == nil && name == "" {
		name = existing.Name
	}
	var st model.Student
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO students (code, name, image_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			image_ref = COALESCE(NULLIF(EXCLUDED.image_ref, ''), students.image_ref)
		RETURNING id, code, name, image_ref
	`, code, name, imageRef).Scan(&st.ID, &st.Code, &st.Name, &st.ImageRef)
	return st, err
}

// StudentByCode returns a student by code.
func (p *Postgres) StudentByCode(ctx context.Context, code string) (model.Student, error) {
	var st model.Student
	err := p.db.QueryRowContext(ctx, `SELECT id, code, name, image_ref FROM students WHERE code = $1`, code).
		Scan(&st.ID, &st.Code, &st.Name, &st.ImageRef)
	return st, notFound(err, "student %s not found", code)
}

// Enroll associates a student with a subject; repeating it is a no-op.
func (p *Postgres) Enroll(ctx context.Context, studentID, subjectID int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO enrollments (student_id, subject_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, subject_id) DO NOTHING
	`, studentID, subjectID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apperr.NotFoundf("student %d or subject %d not found", studentID, subjectID)
	}
	return err
}

// EnrolledStudents lists students enrolled in a subject ordered by code.
func (p *Postgres) EnrolledStudents(ctx context.Context, subjectID int64) ([]model.Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.code, s.name, s.image_ref
		FROM students s
		JOIN enrollments e ON e.student_id = s.id
		WHERE e.subject_id = $1
		ORDER BY s.code
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.ImageRef); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// EnsureProfessor records the professor's display name.
func (p *Postgres) EnsureProfessor(ctx context.Context, prof model.Professor) error {
	if prof.ID == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO professors (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), professors.name)
	`, prof.ID, prof.Name)
	return err
}

// BeginSession is the serialized check-and-set behind startOrResume. The
// advisory lock orders concurrent starts; the partial unique index on
// sessions(status) backs it up.
func (p *Postgres) BeginSession(ctx context.Context, ns NewSession) (model.Session, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey); err != nil {
		return model.Session{}, false, fmt.Errorf("lock sessions: %w", err)
	}
	active, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE status = 'ACTIVE' LIMIT 1
	`))
	switch {
	case err == nil && active.Resumes(ns.SubjectID, ns.Topic):
		return active, true, nil
	case err == nil:
		return active, false, apperr.Conflictf("session %q is still active, end it first", active.Topic)
	case !errors.Is(err, sql.ErrNoRows):
		return model.Session{}, false, err
	}

	s := model.Session{
		UUID:        uuid.NewString(),
		SubjectID:   ns.SubjectID,
		Topic:       model.NormalizeTopic(ns.Topic),
		Room:        ns.Room,
		ProfessorID: ns.ProfessorID,
		Status:      model.SessionActive,
		StartedAt:   ns.StartedAt,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (uuid, subject_id, topic, room, professor_id, status, registration_open, started_at)
		VALUES ($1, $2, $3, $4, $5, 'ACTIVE', FALSE, $6)
		RETURNING id
	`, s.UUID, s.SubjectID, s.Topic, s.Room, s.ProfessorID, s.StartedAt).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Session{}, false, apperr.Conflictf("another session is active")
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return model.Session{}, false, apperr.NotFoundf("subject %d not found", ns.SubjectID)
		}
		return model.Session{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, status)
		SELECT $1, student_id, 'ABSENT' FROM enrollments WHERE subject_id = $2
	`, s.ID, s.SubjectID); err != nil {
		return model.Session{}, false, fmt.Errorf("seed records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, false, err
	}
	return s, false, nil
}

// EndSession marks an ACTIVE session ENDED.
func (p *Postgres) EndSession(ctx context.Context, id int64, at time.Time) (model.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		UPDATE sessions SET status = 'ENDED', ended_at = $2, registration_open = FALSE
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+sessionColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := p.GetSession(ctx, id)
		if gerr != nil {
			return model.Session{}, gerr
		}
		return existing, apperr.Conflictf("session %d already ended", id)
	}
	return s, err
}

// SetRegistrationOpen toggles the registration gate of an ACTIVE session.
func (p *Postgres) SetRegistrationOpen(ctx context.Context, id int64, open bool) (model.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		UPDATE sessions SET registration_open = $2
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+sessionColumns, id, open))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := p.GetSession(ctx, id)
		if gerr != nil {
			return model.Session{}, gerr
		}
		return existing, apperr.Conflictf("session %d is not active", id)
	}
	return s, err
}

// ActiveSession returns the single ACTIVE session.
func (p *Postgres) ActiveSession(ctx context.Context) (model.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE status = 'ACTIVE' LIMIT 1
	`))
	return s, notFound(err, "no active session")
}

// GetSession returns a session by id.
func (p *Postgres) GetSession(ctx context.Context, id int64) (model.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	return s, notFound(err, "session %d not found", id)
}

// SessionByUUID returns a session by its public uuid.
func (p *Postgres) SessionByUUID(ctx context.Context, id string) (model.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Session{}, apperr.NotFoundf("session not found")
	}
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE uuid = $1`, id))
	return s, notFound(err, "session not found")
}

// RecentSessions lists a subject's sessions, newest first.
func (p *Postgres) RecentSessions(ctx context.Context, subjectID int64, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subject_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]model.Session, error) {
	defer rows.Close()
	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Roster joins every record of a session with its student, ordered by code.
func (p *Postgres) Roster(ctx context.Context, sessionID int64) ([]model.RosterEntry, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.code, s.name, s.image_ref, r.proof_image_ref, r.check_in_time, r.status, r.detection_count
		FROM attendance_records r
		JOIN students s ON s.id = r.student_id
		WHERE r.session_id = $1
		ORDER BY s.code
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.RosterEntry
	for rows.Next() {
		var e model.RosterEntry
		var proof sql.NullString
		var checkIn sql.NullTime
		var status string
		if err := rows.Scan(&e.StudentID, &e.StudentCode, &e.Name, &e.ImageRef, &proof, &checkIn, &status, &e.DetectionCount); err != nil {
			return nil, err
		}
		e.Status = model.Status(status)
		if proof.Valid {
			v := proof.String
			e.ProofImageRef = &v
		}
		if checkIn.Valid {
			t := checkIn.Time
			e.CheckInTime = &t
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SeedRecord inserts an ABSENT record when the student has none.
func (p *Postgres) SeedRecord(ctx context.Context, sessionID, studentID int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, status)
		VALUES ($1, $2, 'ABSENT')
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, studentID)
	return err
}

// mutateRecord locks one record row, applies fn and writes it back.
func (p *Postgres) mutateRecord(ctx context.Context, sessionID, studentID int64, fn func(*model.AttendanceRecord) bool) (model.AttendanceRecord, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT session_id, student_id, status, check_in_time, proof_image_ref, detection_count, overridden_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
		FOR UPDATE
	`, sessionID, studentID))
	if err != nil {
		return model.AttendanceRecord{}, false, notFound(err, "student %d has no record in session %d", studentID, sessionID)
	}
	if !fn(&r) {
		return r, false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $3, check_in_time = $4, proof_image_ref = $5, detection_count = $6, overridden_at = $7
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID, string(r.Status), r.CheckInTime, r.ProofImageRef, r.DetectionCount, r.OverriddenAt); err != nil {
		return model.AttendanceRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.AttendanceRecord{}, false, err
	}
	return r, true, nil
}

// RecordSighting applies a detection to an existing record.
func (p *Postgres) RecordSighting(ctx context.Context, sessionID, studentID int64, s model.Sighting, lateAt time.Time) (model.AttendanceRecord, bool, error) {
	return p.mutateRecord(ctx, sessionID, studentID, func(r *model.AttendanceRecord) bool {
		return r.ApplySighting(s, lateAt)
	})
}

// OverrideRecord forces the status of an existing record.
func (p *Postgres) OverrideRecord(ctx context.Context, sessionID, studentID int64, status model.Status, now time.Time) (model.AttendanceRecord, error) {
	r, _, err := p.mutateRecord(ctx, sessionID, studentID, func(r *model.AttendanceRecord) bool {
		r.ApplyOverride(status, now)
		return true
	})
	return r, err
}

// ReportData reads everything in one repeatable-read transaction so a
// session being seeded is either fully visible or not at all.
func (p *Postgres) ReportData(ctx context.Context, q ReportQuery) (Dataset, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Dataset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ds Dataset
	if ds.Subjects, err = querySubjects(ctx, tx, `SELECT id, code, name, active FROM subjects ORDER BY id`); err != nil {
		return Dataset{}, err
	}
	if ds.Students, err = queryStudents(ctx, tx); err != nil {
		return Dataset{}, err
	}
	if ds.Enrollments, err = queryEnrollments(ctx, tx); err != nil {
		return Dataset{}, err
	}
	if ds.Professors, err = queryProfessors(ctx, tx); err != nil {
		return Dataset{}, err
	}

	where, args := sessionClauses(q)
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY started_at, id"
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return Dataset{}, err
	}
	if ds.Sessions, err = collectSessions(rows); err != nil {
		return Dataset{}, err
	}
	if len(ds.Sessions) == 0 || q.SkipRecords {
		return ds, tx.Commit()
	}

	ids := make([]int64, len(ds.Sessions))
	for i, s := range ds.Sessions {
		ids[i] = s.ID
	}
	recRows, err := tx.QueryContext(ctx, `
		SELECT session_id, student_id, status, check_in_time, proof_image_ref, detection_count, overridden_at
		FROM attendance_records
		WHERE session_id = ANY($1)
		ORDER BY session_id, student_id
	`, ids)
	if err != nil {
		return Dataset{}, err
	}
	defer recRows.Close()
	for recRows.Next() {
		r, err := scanRecord(recRows)
		if err != nil {
			return Dataset{}, err
		}
		ds.Records = append(ds.Records, r)
	}
	if err := recRows.Err(); err != nil {
		return Dataset{}, err
	}
	return ds, tx.Commit()
}

// sessionClauses builds the WHERE clause for the session part of q.
func sessionClauses(q ReportQuery) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(q.SessionIDs) > 0 {
		add("id = ANY($%d)", q.SessionIDs)
	}
	if len(q.SubjectIDs) > 0 {
		add("subject_id = ANY($%d)", q.SubjectIDs)
	}
	if len(q.ProfessorIDs) > 0 {
		add("professor_id = ANY($%d)", q.ProfessorIDs)
	}
	if len(q.Rooms) > 0 {
		add("room = ANY($%d)", q.Rooms)
	}
	if q.From != nil {
		add("(started_at AT TIME ZONE 'UTC')::date >= $%d::date", model.SessionDay(*q.From))
	}
	if q.To != nil {
		add("(started_at AT TIME ZONE 'UTC')::date <= $%d::date", model.SessionDay(*q.To))
	}
	return strings.Join(clauses, " AND "), args
}

func queryStudents(ctx context.Context, q querier) ([]model.Student, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, code, name, image_ref FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.ImageRef); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func queryEnrollments(ctx context.Context, q querier) ([]model.Enrollment, error) {
	rows, err := q.QueryContext(ctx, `SELECT student_id, subject_id FROM enrollments ORDER BY subject_id, student_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Enrollment
	for rows.Next() {
		var e model.Enrollment
		if err := rows.Scan(&e.StudentID, &e.SubjectID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func queryProfessors(ctx context.Context, q querier) ([]model.Professor, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name FROM professors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Professor
	for rows.Next() {
		var pr model.Professor
		if err := rows.Scan(&pr.ID, &pr.Name); err != nil {
			return nil, err
		}
		res = append(res, pr)
	}
	return res, rows.Err()
}
