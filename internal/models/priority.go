package models

import (
	"strings"

	"renderfarm/internal/pkg/errors"
)

// Priority is a render task's priority band.
type Priority string

const (
	PriorityRush   Priority = "RUSH"
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// DefaultPriority applies when a submission names none.
const DefaultPriority = PriorityMedium

// priorityRanks orders the bands; lower rank is dispatched first.
var priorityRanks = map[Priority]int{
	PriorityRush:   0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Priorities lists the bands in dispatch order.
func Priorities() []Priority {
	return []Priority{PriorityRush, PriorityHigh, PriorityMedium, PriorityLow}
}

// Rank returns the dispatch rank of p. Unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// ParsePriority accepts any letter case. An empty string yields DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultPriority, nil
	}
	p := Priority(strings.ToUpper(s))
	if !p.Valid() {
		return "", errors.InvalidArgumentf("priority", "invalid priority %q", s)
	}
	return p, nil
}

// PriorityFromRank is the inverse of Rank, used by stores that persist ranks.
func PriorityFromRank(rank int) (Priority, bool) {
	for p, r := range priorityRanks {
		if r == rank {
			return p, true
		}
	}
	return "", false
}
