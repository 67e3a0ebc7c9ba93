package report

import (
	"strconv"

	"classroll/internal/model"
)

// Len is the number of data rows.
func (r Report) Len() int {
	if r.Mode == ModeRaw {
		return len(r.Raw)
	}
	return len(r.Class)
}

// Columns returns the header row.
func (r Report) Columns() []string {
	if r.Mode == ModeRaw {
		return append([]string(nil), rawColumns...)
	}
	cols := make([]string, 0, len(r.Sessions)+5)
	cols = append(cols, ColStudentCode, ColStudentName)
	for _, s := range r.Sessions {
		cols = append(cols, s.Header)
	}
	return append(cols, ColTotalSession, ColPresent, ColAbsent)
}

// Rows returns the data rows aligned with Columns.
func (r Report) Rows() [][]string {
	out := make([][]string, 0, r.Len())
	if r.Mode == ModeRaw {
		for _, row := range r.Raw {
			out = append(out, []string{
				row.StudentCode, row.StudentName, row.SubjectCode, row.SessionDate,
				row.Topic, row.Room, string(row.Status), row.CheckInTime,
			})
		}
		return out
	}
	for _, row := range r.Class {
		cells := make([]string, 0, len(row.Cells)+5)
		cells = append(cells, row.StudentCode, row.StudentName)
		cells = append(cells, row.Cells...)
		cells = append(cells, strconv.Itoa(row.Total), strconv.Itoa(row.Present), strconv.Itoa(row.Absent))
		out = append(out, cells)
	}
	return out
}

// HasAnyAbsence is the row classification used by the status filter: a row
// counts as ABSENT when any of its session cells is ABSENT, even if the
// student attended every other session.
func HasAnyAbsence(cells []string) bool {
	for _, c := range cells {
		if c == string(model.StatusAbsent) {
			return true
		}
	}
	return false
}

// FilterStatus keeps the rows matching s. Summary columns never take part in
// the classification.
func (r Report) FilterStatus(s StatusFilter) Report {
	if s == "" || s == StatusAll {
		return r
	}
	keep := func(cells []string) bool {
		if s == StatusAbsent {
			return HasAnyAbsence(cells)
		}
		return !HasAnyAbsence(cells)
	}
	out := Report{Mode: r.Mode, Sessions: r.Sessions}
	for _, row := range r.Class {
		if keep(row.Cells) {
			out.Class = append(out.Class, row)
		}
	}
	for _, row := range r.Raw {
		if keep([]string{string(row.Status)}) {
			out.Raw = append(out.Raw, row)
		}
	}
	return out
}

// Table is the JSON shape of a report: ordered columns plus one object per
// row keyed by column.
type Table struct {
	ViewMode ViewMode            `json:"view_mode"`
	Columns  []string            `json:"columns"`
	Data     []map[string]string `json:"data"`
}

func (r Report) Table() Table {
	cols := r.Columns()
	t := Table{ViewMode: r.Mode, Columns: cols, Data: make([]map[string]string, 0, r.Len())}
	for _, row := range r.Rows() {
		obj := make(map[string]string, len(cols))
		for i, c := range cols {
			obj[c] = row[i]
		}
		t.Data = append(t.Data, obj)
	}
	return t
}

// Records returns the data rows ordered by Columns.
func (t Table) Records() [][]string {
	out := make([][]string, 0, len(t.Data))
	for _, obj := range t.Data {
		row := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			row[i] = obj[c]
		}
		out = append(out, row)
	}
	return out
}

// FilterStatus applies the status post-filter to a decoded table, with the
// same row classification as Report.FilterStatus.
func (t Table) FilterStatus(s StatusFilter) Table {
	if s == "" || s == StatusAll {
		return t
	}
	out := Table{ViewMode: t.ViewMode, Columns: t.Columns, Data: []map[string]string{}}
	for _, obj := range t.Data {
		var cells []string
		if t.ViewMode == ModeRaw {
			cells = []string{obj["status"]}
		} else {
			for _, c := range t.Columns {
				if !fixedColumn(c) {
					cells = append(cells, obj[c])
				}
			}
		}
		if HasAnyAbsence(cells) == (s == StatusAbsent) {
			out.Data = append(out.Data, obj)
		}
	}
	return out
}

func fixedColumn(c string) bool {
	switch c {
	case ColStudentCode, ColStudentName, ColTotalSession, ColPresent, ColAbsent:
		return true
	}
	return false
}
