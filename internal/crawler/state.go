package crawler

import (
	"time"

	"github.com/alqutdigital/board-harvester/internal/models"
)

// Cutoff is the earliest publication date still collected. Date takes
// precedence; Year is the coarser filter used when Date is nil. The zero value
// collects everything.
type Cutoff struct {
	Date *time.Time
	Year int
}

// Verdict is the outcome of checking a date against a Cutoff.
type Verdict int

const (
	// VerdictUnknown means the date could not be parsed; nothing can be decided.
	VerdictUnknown Verdict = iota
	// VerdictWithin means the record is in scope.
	VerdictWithin
	// VerdictBefore means the record predates the cutoff and the crawl stops.
	VerdictBefore
	// VerdictNewer means the record is later than the target year and is skipped.
	VerdictNewer
)

// Check compares d against the cutoff. The cutoff date itself is in scope;
// only strictly earlier dates halt.
func (c Cutoff) Check(d *time.Time) Verdict {
	if d == nil {
		return VerdictUnknown
	}
	switch {
	case c.Date != nil:
		if d.Before(*c.Date) {
			return VerdictBefore
		}
		return VerdictWithin
	case c.Year > 0:
		switch {
		case d.Year() < c.Year:
			return VerdictBefore
		case d.Year() > c.Year:
			return VerdictNewer
		}
		return VerdictWithin
	default:
		return VerdictWithin
	}
}

func (c Cutoff) String() string {
	switch {
	case c.Date != nil:
		return c.Date.Format(models.DateLayout)
	case c.Year > 0:
		return time.Date(c.Year, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006")
	default:
		return "none"
	}
}

// State is the mutable state of one crawl run. It is created from the record
// store at start and advanced after every saved record.
type State struct {
	NextSeq int
	Cutoff  Cutoff
	Force   bool
	seen    map[string]struct{}
}

// NewState seeds the run from what the store already holds.
func NewState(scan ScanResult, cutoff Cutoff, force bool) *State {
	next := scan.NextSeq
	if next < 1 {
		next = 1
	}
	s := &State{
		NextSeq: next,
		Cutoff:  cutoff,
		Force:   force,
		seen:    make(map[string]struct{}, len(scan.Titles)),
	}
	for _, t := range scan.Titles {
		s.seen[models.NormalizeTitle(t)] = struct{}{}
	}
	return s
}

// IsDuplicate reports whether key was already persisted. Force disables it.
func (s *State) IsDuplicate(key string) bool {
	if s.Force {
		return false
	}
	_, ok := s.seen[key]
	return ok
}

// Advance records a saved title and moves the sequence forward.
func (s *State) Advance(key string) {
	s.seen[key] = struct{}{}
	s.NextSeq++
}

// SeenCount returns the number of distinct titles known to the run.
func (s *State) SeenCount() int { return len(s.seen) }
