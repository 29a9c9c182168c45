package lifecycle

// Status is the normalized lifecycle status of an order at an LP or
// platform.
type Status string

const (
	StatusSubmitted       Status = "SUBMITTED"
	StatusAccepted        Status = "ACCEPTED"
	StatusRejected        Status = "REJECTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusUnknown         Status = "UNKNOWN"
)

// allowedTransitions maps a status to the statuses reachable from it.
// An UNKNOWN current status allows anything; non-terminal statuses may
// degrade to UNKNOWN; terminal statuses allow nothing.
var allowedTransitions = map[Status][]Status{
	StatusSubmitted:       {StatusAccepted, StatusRejected, StatusCanceled, StatusExpired, StatusUnknown},
	StatusAccepted:        {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusUnknown},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusUnknown},
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusFilled, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the normalized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusAccepted, StatusRejected, StatusPartiallyFilled,
		StatusFilled, StatusCanceled, StatusExpired, StatusUnknown:
		return true
	}
	return false
}

// ValidTransition reports whether to is reachable from from. The first
// observed status of a trace (from == "") is always valid.
func ValidTransition(from, to Status) bool {
	if from == "" || from == StatusUnknown {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		// Terminal statuses allow nothing.
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
