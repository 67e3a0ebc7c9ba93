// Package report is the filtered reporting engine: it pivots historical
// attendance into a student by session matrix (CLASS) or a flat check-in log
// (RAW) and serializes either to CSV or XLSX.
package report

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"classroll/internal/apperr"
	"classroll/internal/model"
	"classroll/internal/store"
)

// ViewMode selects the report layout.
type ViewMode string

const (
	ModeClass ViewMode = "CLASS"
	ModeRaw   ViewMode = "RAW"
)

// StatusFilter is the row level post-filter.
type StatusFilter string

const (
	StatusAll     StatusFilter = "ALL"
	StatusPresent StatusFilter = "PRESENT"
	StatusAbsent  StatusFilter = "ABSENT"
)

// Filter is a report request. Empty sets are unconstrained; StartDate and
// EndDate are inclusive YYYY-MM-DD bounds.
type Filter struct {
	SubjectIDs   []int64      `json:"subject_ids" validate:"dive,gt=0"`
	Room         string       `json:"room"`
	Rooms        []string     `json:"rooms"`
	ProfessorIDs []int64      `json:"professor_ids" validate:"dive,gt=0"`
	SessionIDs   []int64      `json:"session_ids" validate:"dive,gt=0"`
	StudentIDs   []int64      `json:"student_ids" validate:"dive,gt=0"`
	StartDate    string       `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string       `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	ViewMode     ViewMode     `json:"view_mode" validate:"omitempty,oneof=CLASS RAW"`
	Status       StatusFilter `json:"status" validate:"omitempty,oneof=ALL PRESENT ABSENT"`
}

var validate = validator.New()

// Normalize validates f and fills defaults: CLASS view, ALL status, and the
// union of Room and Rooms.
func (f Filter) Normalize() (Filter, error) {
	f.ViewMode = ViewMode(strings.ToUpper(strings.TrimSpace(string(f.ViewMode))))
	f.Status = StatusFilter(strings.ToUpper(strings.TrimSpace(string(f.Status))))
	f.StartDate = strings.TrimSpace(f.StartDate)
	f.EndDate = strings.TrimSpace(f.EndDate)

	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return Filter{}, apperr.Validationf("invalid %s: %q fails %s", fe.Field(), fe.Value(), fe.Tag())
		}
		return Filter{}, apperr.Validationf("invalid filter: %v", err)
	}
	if f.ViewMode == "" {
		f.ViewMode = ModeClass
	}
	if f.Status == "" {
		f.Status = StatusAll
	}
	f.Rooms = roomSet(f.Room, f.Rooms)
	f.Room = ""
	return f, nil
}

func roomSet(room string, rooms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range append([]string{room}, rooms...) {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Query is the session level part of a normalized filter.
func (f Filter) Query() store.ReportQuery {
	q := store.ReportQuery{
		SessionIDs:   f.SessionIDs,
		SubjectIDs:   f.SubjectIDs,
		Rooms:        f.Rooms,
		ProfessorIDs: f.ProfessorIDs,
	}
	if t, err := time.Parse(model.DateLayout, f.StartDate); err == nil {
		q.From = &t
	}
	if t, err := time.Parse(model.DateLayout, f.EndDate); err == nil {
		q.To = &t
	}
	return q
}
