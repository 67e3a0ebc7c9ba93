package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"classroll/internal/metrics"
	"classroll/internal/model"
	"classroll/internal/store"
)

// Fixed column names.
const (
	ColStudentCode  = "student_code"
	ColStudentName  = "student_name"
	ColTotalSession = "Total Session"
	ColPresent      = "Present"
	ColAbsent       = "Absent"
)

var rawColumns = []string{
	ColStudentCode, ColStudentName, "subject_code", "session_date", "topic", "room", "status", "check_in_time",
}

// SessionColumn is one session column of the CLASS matrix.
type SessionColumn struct {
	SessionID int64
	Header    string
}

// ClassRow is one student of the CLASS matrix. Cells line up with
// Report.Sessions.
type ClassRow struct {
	StudentID   int64
	StudentCode string
	StudentName string
	Cells       []string
	Total       int
	Present     int
	Absent      int
}

// RawRow is one attendance record of the RAW view.
type RawRow struct {
	StudentCode string
	StudentName string
	SubjectCode string
	SessionDate string
	Topic       string
	Room        string
	Status      model.Status
	CheckInTime string
}

// Report is the result of a filter. Exactly one of Class or Raw is
// populated, according to Mode.
type Report struct {
	Mode     ViewMode
	Sessions []SessionColumn
	Class    []ClassRow
	Raw      []RawRow
}

// Source provides a consistent read of the attendance store.
type Source interface {
	ReportData(ctx context.Context, q store.ReportQuery) (store.Dataset, error)
}

// Engine runs filters against a Source.
type Engine struct {
	src     Source
	metrics *metrics.Recorder
	log     *zap.Logger
}

func NewEngine(src Source, rec *metrics.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{src: src, metrics: rec, log: logger}
}

// Generate builds the unfiltered report for f. The status post-filter is
// left to the caller, see Report.FilterStatus.
func (e *Engine) Generate(ctx context.Context, f Filter) (Report, error) {
	f, err := f.Normalize()
	if err != nil {
		return Report{}, err
	}
	start := time.Now()
	ds, err := e.src.ReportData(ctx, f.Query())
	if err != nil {
		return Report{}, fmt.Errorf("load report data: %w", err)
	}
	r := Build(f, ds)
	e.metrics.ObserveReport(string(f.ViewMode), time.Since(start))
	e.log.Debug("report generated",
		zap.String("mode", string(f.ViewMode)),
		zap.Int("sessions", len(ds.Sessions)),
		zap.Int("rows", r.Len()))
	return r, nil
}

// Build pivots ds into the layout named by f.ViewMode. It has no state and
// reads nothing but ds. f must be normalized.
func Build(f Filter, ds store.Dataset) Report {
	sessions := make([]model.Session, 0, len(ds.Sessions))
	q := f.Query()
	for _, s := range ds.Sessions {
		if q.MatchesSession(s) {
			sessions = append(sessions, s)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	students := candidateStudents(f, ds)
	if f.ViewMode == ModeRaw {
		return buildRaw(sessions, students, ds)
	}
	return buildClass(sessions, students, ds)
}

type recordKey struct{ session, student int64 }

type enrollKey struct{ subject, student int64 }

// candidateStudents is StudentIDs intersected with the students enrolled in
// any of SubjectIDs, ordered by code. Unconstrained dimensions keep everyone.
func candidateStudents(f Filter, ds store.Dataset) []model.Student {
	var enrolled map[int64]bool
	if len(f.SubjectIDs) > 0 {
		subjects := make(map[int64]bool, len(f.SubjectIDs))
		for _, id := range f.SubjectIDs {
			subjects[id] = true
		}
		enrolled = make(map[int64]bool)
		for _, e := range ds.Enrollments {
			if subjects[e.SubjectID] {
				enrolled[e.StudentID] = true
			}
		}
	}
	var wanted map[int64]bool
	if len(f.StudentIDs) > 0 {
		wanted = make(map[int64]bool, len(f.StudentIDs))
		for _, id := range f.StudentIDs {
			wanted[id] = true
		}
	}
	var out []model.Student
	for _, st := range ds.Students {
		if enrolled != nil && !enrolled[st.ID] {
			continue
		}
		if wanted != nil && !wanted[st.ID] {
			continue
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func buildClass(sessions []model.Session, students []model.Student, ds store.Dataset) Report {
	r := Report{Mode: ModeClass, Sessions: sessionColumns(sessions)}
	if len(sessions) == 0 {
		return r
	}
	enrolled := make(map[enrollKey]bool, len(ds.Enrollments))
	for _, e := range ds.Enrollments {
		enrolled[enrollKey{e.SubjectID, e.StudentID}] = true
	}
	records := indexRecords(ds.Records)

	for _, st := range students {
		row := ClassRow{StudentID: st.ID, StudentCode: st.Code, StudentName: st.Name, Cells: make([]string, len(sessions))}
		for i, s := range sessions {
			if !enrolled[enrollKey{s.SubjectID, st.ID}] {
				continue
			}
			rec, ok := records[recordKey{s.ID, st.ID}]
			if !ok {
				continue
			}
			row.Cells[i] = classCell(rec)
			row.Total++
			if rec.Status.CheckedIn() {
				row.Present++
			} else {
				row.Absent++
			}
		}
		r.Class = append(r.Class, row)
	}
	return r
}

// classCell renders a record: ABSENT and LATE verbatim, PRESENT as the
// check-in clock time.
func classCell(rec model.AttendanceRecord) string {
	if rec.Status == model.StatusPresent && rec.CheckInTime != nil {
		return rec.CheckInTime.Format("15:04:05")
	}
	return string(rec.Status)
}

// sessionColumns builds "<date> <topic>" headers, suffixing the session id
// when two sessions would share a header.
func sessionColumns(sessions []model.Session) []SessionColumn {
	base := make([]string, len(sessions))
	count := make(map[string]int)
	for i, s := range sessions {
		base[i] = model.SessionDay(s.StartedAt) + " " + s.Topic
		count[base[i]]++
	}
	cols := make([]SessionColumn, len(sessions))
	for i, s := range sessions {
		h := base[i]
		if count[h] > 1 {
			h = fmt.Sprintf("%s #%d", h, s.ID)
		}
		cols[i] = SessionColumn{SessionID: s.ID, Header: h}
	}
	return cols
}

func buildRaw(sessions []model.Session, students []model.Student, ds store.Dataset) Report {
	r := Report{Mode: ModeRaw}
	subjects := make(map[int64]model.Subject, len(ds.Subjects))
	for _, s := range ds.Subjects {
		subjects[s.ID] = s
	}
	records := indexRecords(ds.Records)
	for _, s := range sessions {
		for _, st := range students {
			rec, ok := records[recordKey{s.ID, st.ID}]
			if !ok {
				continue
			}
			r.Raw = append(r.Raw, RawRow{
				StudentCode: st.Code,
				StudentName: st.Name,
				SubjectCode: subjects[s.SubjectID].Code,
				SessionDate: model.SessionDay(s.StartedAt),
				Topic:       s.Topic,
				Room:        s.Room,
				Status:      rec.Status,
				CheckInTime: model.FormatTime(rec.CheckInTime),
			})
		}
	}
	return r
}

func indexRecords(recs []model.AttendanceRecord) map[recordKey]model.AttendanceRecord {
	out := make(map[recordKey]model.AttendanceRecord, len(recs))
	for _, rec := range recs {
		out[recordKey{rec.SessionID, rec.StudentID}] = rec
	}
	return out
}
