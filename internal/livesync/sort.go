package livesync

import (
	"sort"
	"strings"
)

// SortKey orders the monitor roster.
type SortKey string

const (
	SortByTime SortKey = "time"
	SortByName SortKey = "name"
	SortByCode SortKey = "code"
)

// ParseSortKey maps a query value to a SortKey, defaulting to time.
func ParseSortKey(v string) SortKey {
	switch SortKey(strings.ToLower(strings.TrimSpace(v))) {
	case SortByName:
		return SortByName
	case SortByCode:
		return SortByCode
	default:
		return SortByTime
	}
}

// SortRoster sorts students in place. By time, checked-in students come first
// with the most recent check-in on top; students without a check-in follow in
// code order.
func SortRoster(students []MonitorStudent, key SortKey) {
	sort.SliceStable(students, func(i, j int) bool {
		a, b := students[i], students[j]
		switch key {
		case SortByName:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case SortByCode:
		default:
			switch {
			case a.CheckInTime != nil && b.CheckInTime == nil:
				return true
			case a.CheckInTime == nil && b.CheckInTime != nil:
				return false
			case a.CheckInTime != nil && *a.CheckInTime != *b.CheckInTime:
				return *a.CheckInTime > *b.CheckInTime
			}
		}
		return a.StudentCode < b.StudentCode
	})
}
