package sweeper

import "fmt"

type Summary struct {
	Considered      int
	Emailed         int
	Stale           int
	Invalid         int
	AlreadyNotified int
	SendFailures    int
	FacilityErrors  int
	Deleted         int
	DeleteFailures  int
	// Incomplete is set when the context ran out before every facility was handled.
	Incomplete bool
	// Errors aggregates the local failures of the sweep.
	Errors error
}

func (s Summary) String() string {
	out := fmt.Sprintf("processed=%d emailed=%d stale=%d", s.Considered, s.Emailed, s.Stale)
	if s.Invalid > 0 {
		out += fmt.Sprintf(" invalid=%d", s.Invalid)
	}
	if s.AlreadyNotified > 0 {
		out += fmt.Sprintf(" already_notified=%d", s.AlreadyNotified)
	}
	if s.SendFailures > 0 || s.FacilityErrors > 0 || s.DeleteFailures > 0 {
		out += fmt.Sprintf(" send_failures=%d facility_errors=%d delete_failures=%d",
			s.SendFailures, s.FacilityErrors, s.DeleteFailures)
	}
	if s.Incomplete {
		out += " incomplete"
	}
	return out
}
