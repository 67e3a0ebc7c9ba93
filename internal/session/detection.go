package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/model"
)

// Detection is one sighting reported by the recognizer. Either StudentID or
// StudentCode identifies the student.
type Detection struct {
	StudentID   int64     `json:"student_id,omitempty"`
	StudentCode string    `json:"student_code,omitempty"`
	At          time.Time `json:"timestamp"`
	ProofRef    string    `json:"proof_ref,omitempty"`
}

// RecordDetection applies a sighting to the ACTIVE session. Students without
// a record in that session are rejected with a not-found error.
func (m *Manager) RecordDetection(ctx context.Context, d Detection) (model.AttendanceRecord, error) {
	active, err := m.store.ActiveSession(ctx)
	if err != nil {
		m.metrics.Detection("no_session")
		return model.AttendanceRecord{}, err
	}
	studentID := d.StudentID
	if studentID == 0 {
		code := strings.TrimSpace(d.StudentCode)
		if code == "" {
			m.metrics.Detection("invalid")
			return model.AttendanceRecord{}, apperr.Validationf("student_id or student_code required")
		}
		st, err := m.store.StudentByCode(ctx, code)
		if err != nil {
			m.metrics.Detection("unknown_student")
			return model.AttendanceRecord{}, err
		}
		studentID = st.ID
	}
	at := d.At
	if at.IsZero() {
		at = m.now()
	}
	rec, applied, err := m.store.RecordSighting(ctx, active.ID, studentID, model.Sighting{At: at, ProofRef: d.ProofRef}, m.lateAt(active))
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		m.metrics.Detection("not_enrolled")
		return model.AttendanceRecord{}, err
	case err != nil:
		m.metrics.Detection("error")
		return model.AttendanceRecord{}, err
	case !applied:
		m.metrics.Detection("stale")
		m.log.Debug("stale detection ignored", zap.Int64("student_id", studentID), zap.Time("at", at))
	default:
		m.metrics.Detection("applied")
	}
	return rec, nil
}

// SelfCheckIn checks a student in by code at now, without a proof image.
func (m *Manager) SelfCheckIn(ctx context.Context, studentCode string) (model.Student, model.AttendanceRecord, error) {
	code := strings.TrimSpace(studentCode)
	if code == "" {
		return model.Student{}, model.AttendanceRecord{}, apperr.Validationf("student_code required")
	}
	st, err := m.store.StudentByCode(ctx, code)
	if err != nil {
		return model.Student{}, model.AttendanceRecord{}, err
	}
	rec, err := m.RecordDetection(ctx, Detection{StudentID: st.ID, At: m.now()})
	if err != nil {
		return model.Student{}, model.AttendanceRecord{}, err
	}
	return st, rec, nil
}

func (m *Manager) lateAt(s model.Session) time.Time {
	if m.lateAfter <= 0 {
		return time.Time{}
	}
	return s.StartedAt.Add(m.lateAfter)
}
