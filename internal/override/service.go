// Package override applies instructor status corrections: the authoritative
// server-side write and the viewer-side optimistic roster.
package override

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/metrics"
	"classroll/internal/model"
	"classroll/internal/store"
)

// Outcome is the record after a successful override.
type Outcome struct {
	StudentCode string                 `json:"student_code"`
	Name        string                 `json:"name"`
	Record      model.AttendanceRecord `json:"record"`
}

// Service performs authoritative overrides against the ACTIVE session.
type Service struct {
	store   store.Store
	metrics *metrics.Recorder
	log     *zap.Logger
	now     func() time.Time
}

func NewService(st store.Store, rec *metrics.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, metrics: rec, log: logger, now: time.Now}
}

// Apply forces the status of the student identified by exact code or exact
// name in the ACTIVE session's roster. It never creates records.
func (s *Service) Apply(ctx context.Context, identity string, status model.Status) (Outcome, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		s.metrics.Override("invalid")
		return Outcome{}, apperr.Validationf("student identity is required")
	}
	if !status.Valid() {
		s.metrics.Override("invalid")
		return Outcome{}, apperr.Validationf("invalid status %q", status)
	}
	active, err := s.store.ActiveSession(ctx)
	if err != nil {
		s.metrics.Override("not_found")
		return Outcome{}, err
	}
	roster, err := s.store.Roster(ctx, active.ID)
	if err != nil {
		s.metrics.Override("error")
		return Outcome{}, err
	}
	entry, err := match(roster, identity)
	if err != nil {
		s.metrics.Override(string(apperr.KindOf(err)))
		return Outcome{}, err
	}
	rec, err := s.store.OverrideRecord(ctx, active.ID, entry.StudentID, status, s.now())
	if err != nil {
		s.metrics.Override("error")
		return Outcome{}, err
	}
	s.metrics.Override("applied")
	s.log.Info("attendance overridden",
		zap.Int64("session_id", active.ID),
		zap.String("student_code", entry.StudentCode),
		zap.String("status", string(status)))
	return Outcome{StudentCode: entry.StudentCode, Name: entry.Name, Record: rec}, nil
}

// match resolves identity against a roster. A code match wins; a name shared
// by several students is rejected rather than guessed.
func match(roster []model.RosterEntry, identity string) (model.RosterEntry, error) {
	var byName []model.RosterEntry
	for _, e := range roster {
		if e.StudentCode == identity {
			return e, nil
		}
		if e.Name == identity {
			byName = append(byName, e)
		}
	}
	switch len(byName) {
	case 0:
		return model.RosterEntry{}, apperr.NotFoundf("no student %q in the active session", identity)
	case 1:
		return byName[0], nil
	default:
		return model.RosterEntry{}, apperr.Validationf("%d students are named %q, use the student code", len(byName), identity)
	}
}
