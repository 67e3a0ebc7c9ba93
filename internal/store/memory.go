package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"classroll/internal/apperr"
	"classroll/internal/model"
)

type recordKey struct {
	session int64
	student int64
}

// Memory is a mutex-guarded in-process Store for dev and tests.
type Memory struct {
	mu          sync.RWMutex
	nextID      int64
	subjects    map[int64]model.Subject
	students    map[int64]model.Student
	enrollments map[int64]map[int64]bool // subject -> student set
	professors  map[int64]model.Professor
	sessions    map[int64]model.Session
	records     map[recordKey]model.AttendanceRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		subjects:    make(map[int64]model.Subject),
		students:    make(map[int64]model.Student),
		enrollments: make(map[int64]map[int64]bool),
		professors:  make(map[int64]model.Professor),
		sessions:    make(map[int64]model.Session),
		records:     make(map[recordKey]model.AttendanceRecord),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// CreateSubject adds a subject with a unique code.
func (m *Memory) CreateSubject(_ context.Context, code, name string) (model.Subject, error) {
	code, name = strings.TrimSpace(code), strings.TrimSpace(name)
	if code == "" || name == "" {
		return model.Subject{}, apperr.Validationf("subject code and name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subjects {
		if s.Code == code {
			return model.Subject{}, apperr.Conflictf("subject %s already exists", code)
		}
	}
	s := model.Subject{ID: m.id(), Code: code, Name: name, Active: true}
	m.subjects[s.ID] = s
	return s, nil
}

// SetSubjectActive toggles whether new sessions may be started for a subject.
func (m *Memory) SetSubjectActive(_ context.Context, id int64, active bool) (model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return model.Subject{}, apperr.NotFoundf("subject %d not found", id)
	}
	s.Active = active
	m.subjects[id] = s
	return s, nil
}

// GetSubject returns a subject by id.
func (m *Memory) GetSubject(_ context.Context, id int64) (model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return model.Subject{}, apperr.NotFoundf("subject %d not found", id)
	}
	return s, nil
}

// SubjectByCode returns a subject by its code.
func (m *Memory) SubjectByCode(_ context.Context, code string) (model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subjects {
		if s.Code == code {
			return s, nil
		}
	}
	return model.Subject{}, apperr.NotFoundf("subject %s not found", code)
}

// ListSubjects returns all subjects ordered by code.
func (m *Memory) ListSubjects(_ context.Context) ([]model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Subject, 0, len(m.subjects))
	for _, s := range m.subjects {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// UpsertStudent creates a student or updates the name/image of an existing code.
func (m *Memory) UpsertStudent(_ context.Context, code, name, imageRef string) (model.Student, error) {
	code, name = strings.TrimSpace(code), strings.TrimSpace(name)
	if code == "" {
		return model.Student{}, apperr.Validationf("student code required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.students {
		if st.Code != code {
			continue
		}
		if name != "" {
			st.Name = name
		}
		if imageRef != "" {
			st.ImageRef = imageRef
		}
		m.students[id] = st
		return st, nil
	}
	if name == "" {
		return model.Student{}, apperr.Validationf("student name required")
	}
	st := model.Student{ID: m.id(), Code: code, Name: name, ImageRef: imageRef}
	m.students[st.ID] = st
	return st, nil
}

// StudentByCode returns a student by code.
func (m *Memory) StudentByCode(_ context.Context, code string) (model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.students {
		if st.Code == code {
			return st, nil
		}
	}
	return model.Student{}, apperr.NotFoundf("student %s not found", code)
}

// Enroll associates a student with a subject; repeating it is a no-op.
func (m *Memory) Enroll(_ context.Context, studentID, subjectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[studentID]; !ok {
		return apperr.NotFoundf("student %d not found", studentID)
	}
	if _, ok := m.subjects[subjectID]; !ok {
		return apperr.NotFoundf("subject %d not found", subjectID)
	}
	set, ok := m.enrollments[subjectID]
	if !ok {
		set = make(map[int64]bool)
		m.enrollments[subjectID] = set
	}
	set[studentID] = true
	return nil
}

// EnrolledStudents lists students enrolled in a subject ordered by code.
func (m *Memory) EnrolledStudents(_ context.Context, subjectID int64) ([]model.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enrolledLocked(subjectID), nil
}

func (m *Memory) enrolledLocked(subjectID int64) []model.Student {
	out := make([]model.Student, 0, len(m.enrollments[subjectID]))
	for id := range m.enrollments[subjectID] {
		out = append(out, m.students[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// EnsureProfessor records the professor's display name.
func (m *Memory) EnsureProfessor(_ context.Context, p model.Professor) error {
	if p.ID == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.professors[p.ID]; ok && p.Name == "" {
		p.Name = existing.Name
	}
	m.professors[p.ID] = p
	return nil
}

// BeginSession is the serialized check-and-set behind startOrResume.
func (m *Memory) BeginSession(_ context.Context, ns NewSession) (model.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.activeLocked(); ok {
		if active.Resumes(ns.SubjectID, ns.Topic) {
			return active, true, nil
		}
		return active, false, apperr.Conflictf("session %q is still active, end it first", active.Topic)
	}
	if _, ok := m.subjects[ns.SubjectID]; !ok {
		return model.Session{}, false, apperr.NotFoundf("subject %d not found", ns.SubjectID)
	}
	s := model.Session{
		ID:          m.id(),
		UUID:        uuid.NewString(),
		SubjectID:   ns.SubjectID,
		Topic:       model.NormalizeTopic(ns.Topic),
		Room:        ns.Room,
		ProfessorID: ns.ProfessorID,
		Status:      model.SessionActive,
		StartedAt:   ns.StartedAt,
	}
	m.sessions[s.ID] = s
	for id := range m.enrollments[ns.SubjectID] {
		m.records[recordKey{s.ID, id}] = model.NewAbsentRecord(s.ID, id)
	}
	return s, false, nil
}

func (m *Memory) activeLocked() (model.Session, bool) {
	for _, s := range m.sessions {
		if s.IsActive() {
			return s, true
		}
	}
	return model.Session{}, false
}

// EndSession marks an ACTIVE session ENDED.
func (m *Memory) EndSession(_ context.Context, id int64, at time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, apperr.NotFoundf("session %d not found", id)
	}
	if !s.IsActive() {
		return s, apperr.Conflictf("session %d already ended", id)
	}
	s.Status = model.SessionEnded
	s.RegistrationOpen = false
	ended := at
	s.EndedAt = &ended
	m.sessions[id] = s
	return s, nil
}

// SetRegistrationOpen toggles the registration gate of an ACTIVE session.
func (m *Memory) SetRegistrationOpen(_ context.Context, id int64, open bool) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, apperr.NotFoundf("session %d not found", id)
	}
	if !s.IsActive() {
		return s, apperr.Conflictf("session %d is not active", id)
	}
	s.RegistrationOpen = open
	m.sessions[id] = s
	return s, nil
}

// ActiveSession returns the single ACTIVE session.
func (m *Memory) ActiveSession(_ context.Context) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.activeLocked(); ok {
		return s, nil
	}
	return model.Session{}, apperr.NotFoundf("no active session")
}

// GetSession returns a session by id.
func (m *Memory) GetSession(_ context.Context, id int64) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, apperr.NotFoundf("session %d not found", id)
	}
	return s, nil
}

// SessionByUUID returns a session by its public uuid.
func (m *Memory) SessionByUUID(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UUID == id {
			return s, nil
		}
	}
	return model.Session{}, apperr.NotFoundf("session not found")
}

// RecentSessions lists a subject's sessions, newest first.
func (m *Memory) RecentSessions(_ context.Context, subjectID int64, limit int) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	sortSessions(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Roster joins every record of a session with its student, ordered by code.
func (m *Memory) Roster(_ context.Context, sessionID int64) ([]model.RosterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, apperr.NotFoundf("session %d not found", sessionID)
	}
	var out []model.RosterEntry
	for k, r := range m.records {
		if k.session != sessionID {
			continue
		}
		st := m.students[k.student]
		out = append(out, model.RosterEntry{
			StudentID:      st.ID,
			StudentCode:    st.Code,
			Name:           st.Name,
			ImageRef:       st.ImageRef,
			ProofImageRef:  r.ProofImageRef,
			CheckInTime:    r.CheckInTime,
			Status:         r.Status,
			DetectionCount: r.DetectionCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentCode < out[j].StudentCode })
	return out, nil
}

// SeedRecord inserts an ABSENT record when the student has none.
func (m *Memory) SeedRecord(_ context.Context, sessionID, studentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return apperr.NotFoundf("session %d not found", sessionID)
	}
	k := recordKey{sessionID, studentID}
	if _, ok := m.records[k]; !ok {
		m.records[k] = model.NewAbsentRecord(sessionID, studentID)
	}
	return nil
}

// RecordSighting applies a detection to an existing record.
func (m *Memory) RecordSighting(_ context.Context, sessionID, studentID int64, s model.Sighting, lateAt time.Time) (model.AttendanceRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{sessionID, studentID}
	r, ok := m.records[k]
	if !ok {
		return model.AttendanceRecord{}, false, apperr.NotFoundf("student %d has no record in session %d", studentID, sessionID)
	}
	applied := r.ApplySighting(s, lateAt)
	m.records[k] = r
	return r, applied, nil
}

// OverrideRecord forces the status of an existing record.
func (m *Memory) OverrideRecord(_ context.Context, sessionID, studentID int64, status model.Status, now time.Time) (model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{sessionID, studentID}
	r, ok := m.records[k]
	if !ok {
		return model.AttendanceRecord{}, apperr.NotFoundf("student %d has no record in session %d", studentID, sessionID)
	}
	r.ApplyOverride(status, now)
	m.records[k] = r
	return r, nil
}

// ReportData copies the store under one read lock.
func (m *Memory) ReportData(_ context.Context, q ReportQuery) (Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ds Dataset
	for _, s := range m.subjects {
		ds.Subjects = append(ds.Subjects, s)
	}
	sort.Slice(ds.Subjects, func(i, j int) bool { return ds.Subjects[i].ID < ds.Subjects[j].ID })
	for _, st := range m.students {
		ds.Students = append(ds.Students, st)
	}
	sort.Slice(ds.Students, func(i, j int) bool { return ds.Students[i].ID < ds.Students[j].ID })
	for subjectID, set := range m.enrollments {
		for studentID := range set {
			ds.Enrollments = append(ds.Enrollments, model.Enrollment{StudentID: studentID, SubjectID: subjectID})
		}
	}
	sort.Slice(ds.Enrollments, func(i, j int) bool {
		a, b := ds.Enrollments[i], ds.Enrollments[j]
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.StudentID < b.StudentID
	})
	for _, p := range m.professors {
		ds.Professors = append(ds.Professors, p)
	}
	sort.Slice(ds.Professors, func(i, j int) bool { return ds.Professors[i].ID < ds.Professors[j].ID })
	keep := make(map[int64]bool)
	for _, s := range m.sessions {
		if q.MatchesSession(s) {
			ds.Sessions = append(ds.Sessions, s)
			keep[s.ID] = true
		}
	}
	sortSessions(ds.Sessions)
	for k, r := range m.records {
		if keep[k.session] && !q.SkipRecords {
			ds.Records = append(ds.Records, r)
		}
	}
	sort.Slice(ds.Records, func(i, j int) bool {
		a, b := ds.Records[i], ds.Records[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		return a.StudentID < b.StudentID
	})
	return ds, nil
}

// sortSessions orders sessions by start time then id.
func sortSessions(s []model.Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.Before(s[j].StartedAt)
		}
		return s[i].ID < s[j].ID
	})
}
