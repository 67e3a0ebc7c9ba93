package model

import (
	"strings"
	"time"
)

// TimeLayout is the wire format for check-in times and session timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the wire format for report date bounds.
const DateLayout = "2006-01-02"

// Status is the attendance status of a student in one session.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
)

// Valid returns true when the status is a supported value.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	default:
		return false
	}
}

// CheckedIn reports whether the status counts as attended.
func (s Status) CheckedIn() bool {
	return s == StatusPresent || s == StatusLate
}

// ParseStatus normalises user input such as "present".
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// SessionStatus is the lifecycle status of a session row.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// Subject is a course that sessions are held for.
type Subject struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Student is a registered face.
type Student struct {
	ID       int64  `json:"id"`
	Code     string `json:"student_code"`
	Name     string `json:"name"`
	ImageRef string `json:"image_path"`
}

// Enrollment associates a student with a subject.
type Enrollment struct {
	StudentID int64 `json:"student_id"`
	SubjectID int64 `json:"subject_id"`
}

// Professor is the instructor who started a session.
type Professor struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Session is one classroom attendance-taking period.
type Session struct {
	ID               int64         `json:"id"`
	UUID             string        `json:"uuid"`
	SubjectID        int64         `json:"subject_id"`
	Topic            string        `json:"topic"`
	Room             string        `json:"room"`
	ProfessorID      int64         `json:"professor_id"`
	Status           SessionStatus `json:"status"`
	RegistrationOpen bool          `json:"registration_open"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

// IsActive reports whether the session is running.
func (s Session) IsActive() bool { return s.Status == SessionActive }

// Resumes reports whether a start request for (subjectID, topic) targets this
// session instead of creating a new one.
func (s Session) Resumes(subjectID int64, topic string) bool {
	return s.IsActive() && s.SubjectID == subjectID && s.Topic == NormalizeTopic(topic)
}

// NormalizeTopic trims surrounding whitespace so "Week1 " resumes "Week1".
func NormalizeTopic(topic string) string {
	return strings.TrimSpace(topic)
}

// AttendanceRecord is a student's attendance in one session.
type AttendanceRecord struct {
	SessionID      int64      `json:"session_id"`
	StudentID      int64      `json:"student_id"`
	Status         Status     `json:"status"`
	CheckInTime    *time.Time `json:"check_in_time"`
	ProofImageRef  *string    `json:"proof_path"`
	DetectionCount int        `json:"detection_count"`
	OverriddenAt   *time.Time `json:"-"`
}

// NewAbsentRecord is the seed written for every enrolled student at session start.
func NewAbsentRecord(sessionID, studentID int64) AttendanceRecord {
	return AttendanceRecord{SessionID: sessionID, StudentID: studentID, Status: StatusAbsent}
}

// Sighting is one detection of a registered student.
type Sighting struct {
	At       time.Time
	ProofRef string
}

// ApplySighting folds a detection into the record. lateAt is the instant after
// which a first check-in counts as LATE; the zero time disables LATE.
// It reports whether the record changed.
//
// The check-in time is never moved once set, and a sighting older than the
// last manual override is ignored entirely.
func (r *AttendanceRecord) ApplySighting(s Sighting, lateAt time.Time) bool {
	if r.OverriddenAt != nil && s.At.Before(*r.OverriddenAt) {
		return false
	}
	r.DetectionCount++
	if s.ProofRef != "" {
		ref := s.ProofRef
		r.ProofImageRef = &ref
	}
	if r.CheckInTime != nil {
		return true
	}
	at := s.At
	r.CheckInTime = &at
	r.Status = StatusPresent
	if !lateAt.IsZero() && at.After(lateAt) {
		r.Status = StatusLate
	}
	return true
}

// ApplyOverride forces the status. Entering PRESENT/LATE stamps now as the
// check-in time, ABSENT clears it.
func (r *AttendanceRecord) ApplyOverride(status Status, now time.Time) {
	switch status {
	case StatusAbsent:
		r.CheckInTime = nil
	default:
		at := now
		r.CheckInTime = &at
	}
	r.Status = status
	stamp := now
	r.OverriddenAt = &stamp
}

// RosterEntry joins a record with its student for live views.
type RosterEntry struct {
	StudentID      int64      `json:"student_id"`
	StudentCode    string     `json:"student_code"`
	Name           string     `json:"name"`
	ImageRef       string     `json:"image_path"`
	ProofImageRef  *string    `json:"proof_path"`
	CheckInTime    *time.Time `json:"-"`
	Status         Status     `json:"status"`
	DetectionCount int        `json:"detection_count"`
}

// SessionDay is the UTC calendar day a session is reported and filtered under.
func SessionDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// FormatTime renders t in TimeLayout, or "" for nil.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(TimeLayout)
}
