package override

import (
	"context"
	"sync"
	"time"

	"classroll/internal/livesync"
	"classroll/internal/model"
)

// WriteFunc issues the authoritative override.
type WriteFunc func(ctx context.Context, identity string, status model.Status) error

// Result of an optimistic override. Err is set when the authoritative write
// was rejected and the local entry rolled back.
type Result struct {
	Applied bool
	Err     error
}

// Roster is a viewer-local copy of a session roster that applies overrides
// optimistically.
type Roster struct {
	mu       sync.Mutex
	students []livesync.MonitorStudent
	write    WriteFunc
	now      func() time.Time
}

func NewRoster(students []livesync.MonitorStudent, write WriteFunc) *Roster {
	r := &Roster{write: write, now: time.Now}
	r.Replace(students)
	return r
}

// Replace installs a fresh roster from a poll.
func (r *Roster) Replace(students []livesync.MonitorStudent) {
	cp := append([]livesync.MonitorStudent(nil), students...)
	r.mu.Lock()
	r.students = cp
	r.mu.Unlock()
}

// Students returns a copy of the current roster.
func (r *Roster) Students() []livesync.MonitorStudent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]livesync.MonitorStudent(nil), r.students...)
}

// Override updates the matching entry immediately, then issues the write.
// On rejection the entry is restored to exactly its prior value, unless a
// newer roster has replaced it meanwhile.
func (r *Roster) Override(ctx context.Context, identity string, status model.Status) Result {
	r.mu.Lock()
	idx := r.find(identity)
	var before, optimistic livesync.MonitorStudent
	if idx >= 0 {
		before = r.students[idx]
		optimistic = before
		optimistic.Status = status
		if status == model.StatusAbsent {
			optimistic.CheckInTime = nil
		} else {
			now := r.now().Format(model.TimeLayout)
			optimistic.CheckInTime = &now
		}
		r.students[idx] = optimistic
	}
	r.mu.Unlock()

	if err := r.write(ctx, identity, status); err != nil {
		if idx >= 0 {
			r.mu.Lock()
			if idx < len(r.students) && sameEntry(r.students[idx], optimistic) {
				r.students[idx] = before
			}
			r.mu.Unlock()
		}
		return Result{Err: err}
	}
	return Result{Applied: true}
}

func (r *Roster) find(identity string) int {
	for i, s := range r.students {
		if s.StudentCode == identity {
			return i
		}
	}
	for i, s := range r.students {
		if s.Name == identity {
			return i
		}
	}
	return -1
}

func sameEntry(a, b livesync.MonitorStudent) bool {
	if a.StudentCode != b.StudentCode || a.Status != b.Status {
		return false
	}
	if (a.CheckInTime == nil) != (b.CheckInTime == nil) {
		return false
	}
	return a.CheckInTime == nil || *a.CheckInTime == *b.CheckInTime
}
