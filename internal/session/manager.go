// Package session is the session lifecycle manager: the only writer of
// session status and the registration gate, and the entry point for
// detection events and student self check-in.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/metrics"
	"classroll/internal/model"
	"classroll/internal/store"
)

// Manager coordinates session transitions over the attendance store.
type Manager struct {
	store     store.Store
	metrics   *metrics.Recorder
	log       *zap.Logger
	now       func() time.Time
	lateAfter time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLateAfter sets how long after the start a first check-in becomes LATE.
// Zero disables LATE classification.
func WithLateAfter(d time.Duration) Option {
	return func(m *Manager) { m.lateAfter = d }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a manager backed by st.
func NewManager(st store.Store, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: st, log: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRequest is the input of StartOrResume.
type StartRequest struct {
	SubjectCode string
	Topic       string
	Room        string
	Professor   model.Professor
}

// StartResult reports the session and whether it was resumed.
type StartResult struct {
	Session model.Session
	Resumed bool
}

// StartOrResume resumes the ACTIVE session when it has the same subject and
// topic, otherwise creates a new session seeded with ABSENT records. A
// different ACTIVE session is a conflict.
func (m *Manager) StartOrResume(ctx context.Context, req StartRequest) (StartResult, error) {
	topic := model.NormalizeTopic(req.Topic)
	code := strings.TrimSpace(req.SubjectCode)
	if code == "" || topic == "" {
		return StartResult{}, apperr.Validationf("subject_code and topic are required")
	}
	subject, err := m.store.SubjectByCode(ctx, code)
	if err != nil {
		m.metrics.SessionStart("error")
		return StartResult{}, err
	}

	// A disabled subject can still resume a session started before it was disabled.
	if !subject.Active {
		active, err := m.store.ActiveSession(ctx)
		if err == nil && active.Resumes(subject.ID, topic) {
			m.metrics.SessionStart("resumed")
			return StartResult{Session: active, Resumed: true}, nil
		}
		m.metrics.SessionStart("error")
		return StartResult{}, apperr.Validationf("subject %s is disabled", subject.Code)
	}

	if err := m.store.EnsureProfessor(ctx, req.Professor); err != nil {
		m.log.Warn("record professor failed", zap.Int64("professor_id", req.Professor.ID), zap.Error(err))
	}
	s, resumed, err := m.store.BeginSession(ctx, store.NewSession{
		SubjectID:   subject.ID,
		Topic:       topic,
		Room:        strings.TrimSpace(req.Room),
		ProfessorID: req.Professor.ID,
		StartedAt:   m.now(),
	})
	switch {
	case errors.Is(err, apperr.ErrConflict):
		m.metrics.SessionStart("conflict")
		return StartResult{}, err
	case err != nil:
		m.metrics.SessionStart("error")
		return StartResult{}, err
	case resumed:
		m.metrics.SessionStart("resumed")
		m.log.Info("session resumed", zap.Int64("session_id", s.ID), zap.String("topic", s.Topic))
	default:
		m.metrics.SessionStart("created")
		m.log.Info("session started",
			zap.Int64("session_id", s.ID),
			zap.String("subject", subject.Code),
			zap.String("topic", s.Topic),
			zap.String("room", s.Room))
	}
	return StartResult{Session: s, Resumed: resumed}, nil
}

// End ends the session. sessionID 0 targets the current ACTIVE session.
// Ending is terminal.
func (m *Manager) End(ctx context.Context, sessionID int64) (model.Session, error) {
	if sessionID == 0 {
		active, err := m.store.ActiveSession(ctx)
		if err != nil {
			return model.Session{}, err
		}
		sessionID = active.ID
	}
	s, err := m.store.EndSession(ctx, sessionID, m.now())
	if err != nil {
		return model.Session{}, err
	}
	m.log.Info("session ended", zap.Int64("session_id", s.ID))
	return s, nil
}

// RegistrationTarget selects the session whose gate is toggled: an explicit
// session, the ACTIVE session of a subject, or (both zero) the ACTIVE session.
type RegistrationTarget struct {
	SessionID int64
	SubjectID int64
}

// SetRegistrationOpen toggles the registration gate. The gate only exists
// while the session is ACTIVE.
func (m *Manager) SetRegistrationOpen(ctx context.Context, target RegistrationTarget, enable bool) (model.Session, error) {
	sessionID := target.SessionID
	if sessionID == 0 {
		active, err := m.store.ActiveSession(ctx)
		if err != nil {
			return model.Session{}, err
		}
		if target.SubjectID != 0 && active.SubjectID != target.SubjectID {
			return model.Session{}, apperr.NotFoundf("subject %d has no active session", target.SubjectID)
		}
		sessionID = active.ID
	}
	s, err := m.store.SetRegistrationOpen(ctx, sessionID, enable)
	if err != nil {
		return model.Session{}, err
	}
	m.log.Info("registration gate toggled", zap.Int64("session_id", s.ID), zap.Bool("open", enable))
	return s, nil
}

// RegisterStudent onboards a new face into the ACTIVE session of subjectID.
// It requires the registration gate to be open and seeds an ABSENT record so
// the next detection checks the student in.
func (m *Manager) RegisterStudent(ctx context.Context, subjectID int64, code, name, imageRef string) (model.Student, error) {
	active, err := m.store.ActiveSession(ctx)
	if err != nil || active.SubjectID != subjectID {
		return model.Student{}, apperr.Conflictf("registration is closed: subject %d has no active session", subjectID)
	}
	if !active.RegistrationOpen {
		return model.Student{}, apperr.Conflictf("registration is closed for session %q", active.Topic)
	}
	st, err := m.store.UpsertStudent(ctx, code, name, imageRef)
	if err != nil {
		return model.Student{}, err
	}
	if err := m.store.Enroll(ctx, st.ID, subjectID); err != nil {
		return model.Student{}, err
	}
	if err := m.store.SeedRecord(ctx, active.ID, st.ID); err != nil {
		return model.Student{}, err
	}
	m.log.Info("student registered", zap.String("student_code", st.Code), zap.Int64("session_id", active.ID))
	return st, nil
}
