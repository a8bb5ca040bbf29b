package state

// Status is the lifecycle state of a research task.
type Status string

const (
	StatusCreated      Status = "created"
	StatusPlanning     Status = "planning"
	StatusSearching    Status = "searching"
	StatusAnalyzing    Status = "analyzing"
	StatusSynthesizing Status = "synthesizing"
	StatusCiting       Status = "citing"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
)

// phaseOrder is the only forward path through the machine. Cancelled and
// Failed are reachable from any non-terminal status.
var phaseOrder = map[Status]int{
	StatusCreated:      0,
	StatusPlanning:     1,
	StatusSearching:    2,
	StatusAnalyzing:    3,
	StatusSynthesizing: 4,
	StatusCiting:       5,
	StatusCompleted:    6,
}

// AllStatuses lists every status in display order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusPlanning, StatusSearching, StatusAnalyzing,
		StatusSynthesizing, StatusCiting, StatusCompleted, StatusCancelled, StatusFailed,
	}
}

// ParseStatus returns the status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled || to == StatusFailed {
		return true
	}
	fi, ok1 := phaseOrder[from]
	ti, ok2 := phaseOrder[to]
	return ok1 && ok2 && ti == fi+1
}
