// Package store is the durable Attendance Store: subjects, students,
// enrollments, sessions and attendance records. Two backends implement Store:
// Postgres for deployments and an in-process Memory store for development and
// tests. Both serialize the single-active-session check-and-set and every
// attendance record mutation.
package store

import (
	"context"
	"time"

	"classroll/internal/model"
)

// NewSession describes a session to create when no resumable one exists.
type NewSession struct {
	SubjectID   int64
	Topic       string
	Room        string
	ProfessorID int64
	StartedAt   time.Time
}

// ReportQuery narrows the sessions returned by ReportData. Empty fields are
// unconstrained; From/To are inclusive calendar bounds on started_at.
type ReportQuery struct {
	SessionIDs   []int64
	SubjectIDs   []int64
	Rooms        []string
	ProfessorIDs []int64
	From         *time.Time
	To           *time.Time
	// SkipRecords leaves Dataset.Records empty for callers that only need
	// the catalog and session rows.
	SkipRecords bool
}

// Dataset is a consistent read of everything a report needs. Records only
// cover the returned Sessions.
type Dataset struct {
	Subjects    []model.Subject
	Students    []model.Student
	Enrollments []model.Enrollment
	Professors  []model.Professor
	Sessions    []model.Session
	Records     []model.AttendanceRecord
}

// Catalog manages subjects, students and enrollments.
type Catalog interface {
	CreateSubject(ctx context.Context, code, name string) (model.Subject, error)
	SetSubjectActive(ctx context.Context, id int64, active bool) (model.Subject, error)
	GetSubject(ctx context.Context, id int64) (model.Subject, error)
	SubjectByCode(ctx context.Context, code string) (model.Subject, error)
	ListSubjects(ctx context.Context) ([]model.Subject, error)
	UpsertStudent(ctx context.Context, code, name, imageRef string) (model.Student, error)
	StudentByCode(ctx context.Context, code string) (model.Student, error)
	Enroll(ctx context.Context, studentID, subjectID int64) error
	EnrolledStudents(ctx context.Context, subjectID int64) ([]model.Student, error)
	EnsureProfessor(ctx context.Context, p model.Professor) error
}

// Sessions owns session rows. Only the session lifecycle manager writes them.
type Sessions interface {
	// BeginSession atomically resumes the ACTIVE session when it matches
	// (SubjectID, Topic), fails with a conflict when a different session is
	// ACTIVE, or creates the session and seeds an ABSENT record for every
	// enrolled student. The bool reports a resume.
	BeginSession(ctx context.Context, ns NewSession) (model.Session, bool, error)
	EndSession(ctx context.Context, id int64, at time.Time) (model.Session, error)
	SetRegistrationOpen(ctx context.Context, id int64, open bool) (model.Session, error)
	ActiveSession(ctx context.Context) (model.Session, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
	SessionByUUID(ctx context.Context, uuid string) (model.Session, error)
	RecentSessions(ctx context.Context, subjectID int64, limit int) ([]model.Session, error)
}

// Records mutates attendance records of a session.
type Records interface {
	Roster(ctx context.Context, sessionID int64) ([]model.RosterEntry, error)
	SeedRecord(ctx context.Context, sessionID, studentID int64) error
	RecordSighting(ctx context.Context, sessionID, studentID int64, s model.Sighting, lateAt time.Time) (model.AttendanceRecord, bool, error)
	OverrideRecord(ctx context.Context, sessionID, studentID int64, status model.Status, now time.Time) (model.AttendanceRecord, error)
}

// Store is the full Attendance Store contract.
type Store interface {
	Catalog
	Sessions
	Records
	ReportData(ctx context.Context, q ReportQuery) (Dataset, error)
	Close() error
}

// MatchesSession applies the session level part of q.
func (q ReportQuery) MatchesSession(s model.Session) bool {
	if len(q.SessionIDs) > 0 && !containsID(q.SessionIDs, s.ID) {
		return false
	}
	if len(q.SubjectIDs) > 0 && !containsID(q.SubjectIDs, s.SubjectID) {
		return false
	}
	if len(q.ProfessorIDs) > 0 && !containsID(q.ProfessorIDs, s.ProfessorID) {
		return false
	}
	if len(q.Rooms) > 0 {
		found := false
		for _, r := range q.Rooms {
			if r == s.Room {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	day := model.SessionDay(s.StartedAt)
	if q.From != nil && day < model.SessionDay(*q.From) {
		return false
	}
	if q.To != nil && day > model.SessionDay(*q.To) {
		return false
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
