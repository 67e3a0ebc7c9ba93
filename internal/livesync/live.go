// Package livesync serves the polling snapshots every viewer reconciles
// against, and provides the viewer-side polling loop.
//
// Viewers never merge: each poll response replaces the local view wholesale,
// so all open viewers converge within one polling interval.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/metrics"
	"classroll/internal/model"
	"classroll/internal/store"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// LogEntry is one checked-in student in a live snapshot.
type LogEntry struct {
	StudentCode string       `json:"student_code"`
	Name        string       `json:"name"`
	CheckInTime string       `json:"check_in_time"`
	Status      model.Status `json:"status"`
	ImagePath   string       `json:"image_path"`
	ProofPath   *string      `json:"proof_path"`
}

// Snapshot is the response of one live poll.
type Snapshot struct {
	Status      string     `json:"status"`
	SessionID   int64      `json:"session_id,omitempty"`
	SessionUUID string     `json:"session_uuid,omitempty"`
	Topic       string     `json:"topic,omitempty"`
	Room        string     `json:"room,omitempty"`
	SubjectCode string     `json:"subject_code,omitempty"`
	Logs        []LogEntry `json:"logs"`
}

// Active reports whether the snapshot describes a running session.
func (s Snapshot) Active() bool { return s.Status == StatusActive }

func inactive() Snapshot {
	return Snapshot{Status: StatusInactive, Logs: []LogEntry{}}
}

// SessionInfo describes the session shown by the monitor.
type SessionInfo struct {
	ID               int64               `json:"id"`
	UUID             string              `json:"uuid"`
	SubjectID        int64               `json:"subject_id"`
	SubjectCode      string              `json:"subject_code"`
	SubjectName      string              `json:"subject_name"`
	ProfessorID      int64               `json:"professor_id"`
	Topic            string              `json:"topic"`
	Room             string              `json:"room"`
	Status           model.SessionStatus `json:"status"`
	RegistrationOpen bool                `json:"registration_open"`
	StartedAt        string              `json:"started_at"`
}

// MonitorStudent is one roster row, present or not.
type MonitorStudent struct {
	StudentCode    string       `json:"student_code"`
	Name           string       `json:"name"`
	ImagePath      string       `json:"image_path"`
	ProofPath      *string      `json:"proof_path"`
	CheckInTime    *string      `json:"check_in_time"`
	Status         model.Status `json:"status"`
	DetectionCount int          `json:"detection_count"`
}

// MonitorView is the full roster projection of a session.
type MonitorView struct {
	SessionInfo SessionInfo      `json:"session_info"`
	Students    []MonitorStudent `json:"students"`
}

// Active reports whether the monitored session is running.
func (v MonitorView) Active() bool { return v.SessionInfo.Status == model.SessionActive }

// Counts returns how many students are checked in and absent.
func (v MonitorView) Counts() (present, absent int) {
	for _, s := range v.Students {
		if s.Status == model.StatusAbsent {
			absent++
		} else {
			present++
		}
	}
	return present, absent
}

// Service builds snapshots from the attendance store.
type Service struct {
	store    store.Store
	cache    *redis.Client
	cacheTTL time.Duration
	metrics  *metrics.Recorder
	log      *zap.Logger
}

// NewService creates the live sync service. cache may be nil; when set,
// public uuid polls are cached for cacheTTL, which must stay well below the
// polling interval.
func NewService(st store.Store, cache *redis.Client, cacheTTL time.Duration, rec *metrics.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, cache: cache, cacheTTL: cacheTTL, metrics: rec, log: logger}
}

const cachePrefix = "classroll:live:"

// Live returns the snapshot of the ACTIVE session, or of the session named by
// sessionUUID for the public projector view. An ended or absent session is
// reported as inactive; an unknown uuid is not found.
func (s *Service) Live(ctx context.Context, sessionUUID string) (Snapshot, error) {
	if sessionUUID == "" {
		s.metrics.LivePoll("controller")
		active, err := s.store.ActiveSession(ctx)
		if errors.Is(err, apperr.ErrNotFound) {
			return inactive(), nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		return s.snapshot(ctx, active)
	}

	s.metrics.LivePoll("projector")
	if snap, ok := s.cached(ctx, sessionUUID); ok {
		return snap, nil
	}
	sess, err := s.store.SessionByUUID(ctx, sessionUUID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := inactive()
	if sess.IsActive() {
		if snap, err = s.snapshot(ctx, sess); err != nil {
			return Snapshot{}, err
		}
	}
	s.storeCached(ctx, sessionUUID, snap)
	return snap, nil
}

func (s *Service) snapshot(ctx context.Context, sess model.Session) (Snapshot, error) {
	subject, err := s.store.GetSubject(ctx, sess.SubjectID)
	if err != nil {
		return Snapshot{}, err
	}
	roster, err := s.store.Roster(ctx, sess.ID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Status:      StatusActive,
		SessionID:   sess.ID,
		SessionUUID: sess.UUID,
		Topic:       sess.Topic,
		Room:        sess.Room,
		SubjectCode: subject.Code,
		Logs:        CheckInLogs(roster),
	}
	return snap, nil
}

// CheckInLogs keeps the checked-in entries of a roster, newest check-in first.
func CheckInLogs(roster []model.RosterEntry) []LogEntry {
	checked := make([]model.RosterEntry, 0, len(roster))
	for _, e := range roster {
		if e.Status.CheckedIn() && e.CheckInTime != nil {
			checked = append(checked, e)
		}
	}
	sort.SliceStable(checked, func(i, j int) bool {
		a, b := checked[i].CheckInTime, checked[j].CheckInTime
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return checked[i].StudentCode < checked[j].StudentCode
	})
	logs := make([]LogEntry, len(checked))
	for i, e := range checked {
		logs[i] = LogEntry{
			StudentCode: e.StudentCode,
			Name:        e.Name,
			CheckInTime: model.FormatTime(e.CheckInTime),
			Status:      e.Status,
			ImagePath:   e.ImageRef,
			ProofPath:   e.ProofImageRef,
		}
	}
	return logs
}

// Monitor returns the full roster of a session; sessionID 0 means the ACTIVE one.
func (s *Service) Monitor(ctx context.Context, sessionID int64, key SortKey) (MonitorView, error) {
	s.metrics.LivePoll("monitor")
	var sess model.Session
	var err error
	if sessionID == 0 {
		sess, err = s.store.ActiveSession(ctx)
	} else {
		sess, err = s.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return MonitorView{}, err
	}
	subject, err := s.store.GetSubject(ctx, sess.SubjectID)
	if err != nil {
		return MonitorView{}, err
	}
	roster, err := s.store.Roster(ctx, sess.ID)
	if err != nil {
		return MonitorView{}, err
	}
	view := MonitorView{
		SessionInfo: SessionInfo{
			ID:               sess.ID,
			UUID:             sess.UUID,
			SubjectID:        subject.ID,
			SubjectCode:      subject.Code,
			SubjectName:      subject.Name,
			ProfessorID:      sess.ProfessorID,
			Topic:            sess.Topic,
			Room:             sess.Room,
			Status:           sess.Status,
			RegistrationOpen: sess.RegistrationOpen,
			StartedAt:        sess.StartedAt.Format(model.TimeLayout),
		},
		Students: make([]MonitorStudent, len(roster)),
	}
	for i, e := range roster {
		var checkIn *string
		if e.CheckInTime != nil {
			v := model.FormatTime(e.CheckInTime)
			checkIn = &v
		}
		view.Students[i] = MonitorStudent{
			StudentCode:    e.StudentCode,
			Name:           e.Name,
			ImagePath:      e.ImageRef,
			ProofPath:      e.ProofImageRef,
			CheckInTime:    checkIn,
			Status:         e.Status,
			DetectionCount: e.DetectionCount,
		}
	}
	SortRoster(view.Students, key)
	return view, nil
}

func (s *Service) cached(ctx context.Context, sessionUUID string) (Snapshot, bool) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return Snapshot{}, false
	}
	raw, err := s.cache.Get(ctx, cachePrefix+sessionUUID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("live cache read failed", zap.Error(err))
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Service) storeCached(ctx context.Context, sessionUUID string, snap Snapshot) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cachePrefix+sessionUUID, raw, s.cacheTTL).Err(); err != nil {
		s.log.Warn("live cache write failed", zap.Error(err))
	}
}
