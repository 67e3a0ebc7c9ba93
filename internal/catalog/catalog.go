// Package catalog manages subjects, students and enrollments, and builds the
// facet lists used to compose report filters.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/model"
	"classroll/internal/store"
)

// Service wraps the catalog part of the store.
type Service struct {
	store store.Store
	log   *zap.Logger
}

func NewService(st store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, log: logger}
}

// SubjectSummary is a subject as listed on the setup screen.
type SubjectSummary struct {
	model.Subject
	StudentCount     int  `json:"student_count"`
	InSession        bool `json:"in_session"`
	RegistrationOpen bool `json:"registration_open"`
}

func (s *Service) CreateSubject(ctx context.Context, code, name string) (model.Subject, error) {
	subj, err := s.store.CreateSubject(ctx, code, name)
	if err != nil {
		return model.Subject{}, err
	}
	s.log.Info("subject created", zap.String("code", subj.Code))
	return subj, nil
}

func (s *Service) SetSubjectActive(ctx context.Context, id int64, active bool) (model.Subject, error) {
	subj, err := s.store.SetSubjectActive(ctx, id, active)
	if err != nil {
		return model.Subject{}, err
	}
	s.log.Info("subject toggled", zap.String("code", subj.Code), zap.Bool("active", active))
	return subj, nil
}

// ListSubjects lists every subject with its enrollment count and the state
// of its running session, if any.
func (s *Service) ListSubjects(ctx context.Context) ([]SubjectSummary, error) {
	subjects, err := s.store.ListSubjects(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ActiveSession(ctx)
	hasActive := err == nil
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	out := make([]SubjectSummary, 0, len(subjects))
	for _, subj := range subjects {
		students, err := s.store.EnrolledStudents(ctx, subj.ID)
		if err != nil {
			return nil, err
		}
		sum := SubjectSummary{Subject: subj, StudentCount: len(students)}
		if hasActive && active.SubjectID == subj.ID {
			sum.InSession = true
			sum.RegistrationOpen = active.RegistrationOpen
		}
		out = append(out, sum)
	}
	return out, nil
}

// CreateStudent registers a new student code. Reusing a code is a conflict.
func (s *Service) CreateStudent(ctx context.Context, code, name, imageRef string) (model.Student, error) {
	code = strings.TrimSpace(code)
	if _, err := s.store.StudentByCode(ctx, code); err == nil {
		return model.Student{}, apperr.Conflictf("student %s already exists", code)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return model.Student{}, err
	}
	if strings.TrimSpace(name) == "" {
		return model.Student{}, apperr.Validationf("student name required")
	}
	return s.store.UpsertStudent(ctx, code, name, imageRef)
}

// Enroll is idempotent.
func (s *Service) Enroll(ctx context.Context, studentID, subjectID int64) error {
	return s.store.Enroll(ctx, studentID, subjectID)
}

// RecentSessions lists a subject's sessions, newest first.
func (s *Service) RecentSessions(ctx context.Context, subjectID int64, limit int) ([]model.Session, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	if _, err := s.store.GetSubject(ctx, subjectID); err != nil {
		return nil, err
	}
	return s.store.RecentSessions(ctx, subjectID, limit)
}

// SessionOption labels a session for filter pickers.
type SessionOption struct {
	ID        int64  `json:"id"`
	SubjectID int64  `json:"subject_id"`
	Label     string `json:"label"`
	Room      string `json:"room"`
	Date      string `json:"date"`
}

// StudentOption is a student facet entry.
type StudentOption struct {
	ID   int64  `json:"id"`
	Code string `json:"student_code"`
	Name string `json:"name"`
}

// Options are the facets for building a report filter.
type Options struct {
	Subjects   []model.Subject   `json:"subjects"`
	Rooms      []string          `json:"rooms"`
	Professors []model.Professor `json:"professors"`
	Sessions   []SessionOption   `json:"sessions"`
	Students   []StudentOption   `json:"students"`
}

// ExportOptions collects the facets from one consistent read. Attendance
// records are not loaded.
func (s *Service) ExportOptions(ctx context.Context) (Options, error) {
	ds, err := s.store.ReportData(ctx, store.ReportQuery{SkipRecords: true})
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Subjects:   ds.Subjects,
		Professors: ds.Professors,
		Rooms:      []string{},
		Sessions:   make([]SessionOption, 0, len(ds.Sessions)),
		Students:   make([]StudentOption, 0, len(ds.Students)),
	}
	codes := make(map[int64]string, len(ds.Subjects))
	for _, subj := range ds.Subjects {
		codes[subj.ID] = subj.Code
	}
	rooms := make(map[string]bool)
	for i := len(ds.Sessions) - 1; i >= 0; i-- {
		sess := ds.Sessions[i]
		date := model.SessionDay(sess.StartedAt)
		opts.Sessions = append(opts.Sessions, SessionOption{
			ID:        sess.ID,
			SubjectID: sess.SubjectID,
			Label:     strings.TrimSpace(codes[sess.SubjectID] + " " + date + " " + sess.Topic),
			Room:      sess.Room,
			Date:      date,
		})
		if sess.Room != "" && !rooms[sess.Room] {
			rooms[sess.Room] = true
			opts.Rooms = append(opts.Rooms, sess.Room)
		}
	}
	sort.Strings(opts.Rooms)
	for _, st := range ds.Students {
		opts.Students = append(opts.Students, StudentOption{ID: st.ID, Code: st.Code, Name: st.Name})
	}
	sort.Slice(opts.Students, func(i, j int) bool { return opts.Students[i].Code < opts.Students[j].Code })
	return opts, nil
}
