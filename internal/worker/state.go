package worker

type State int32

const (
	Idle State = iota
	Claiming
	Executing
	Reporting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Claiming:
		return "claiming"
	case Executing:
		return "executing"
	case Reporting:
		return "reporting"
	default:
		return "unknown"
	}
}
