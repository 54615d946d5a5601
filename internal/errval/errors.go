package errval

import (
	"errors"
)

var (
	ErrInternal           = errors.New("internal server error")
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrUnknownStrategy    = errors.New("unknown claiming strategy")
	ErrUnknownTaskType    = errors.New("unknown task type")
)

// Code returns the short machine readable name of a sentinel error, used on the wire by the
// REST API and mapped back by FromCode.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrUnknownStrategy):
		return "unknown_strategy"
	case errors.Is(err, ErrUnknownTaskType):
		return "unknown_task_type"
	default:
		return "internal"
	}
}

// FromCode is the inverse of Code.
func FromCode(code string) error {
	switch code {
	case "not_found":
		return ErrNotFound
	case "invalid_argument":
		return ErrInvalidArgument
	case "invalid_transition":
		return ErrInvalidTransition
	case "storage_unavailable":
		return ErrStorageUnavailable
	case "unknown_strategy":
		return ErrUnknownStrategy
	case "unknown_task_type":
		return ErrUnknownTaskType
	default:
		return ErrInternal
	}
}
