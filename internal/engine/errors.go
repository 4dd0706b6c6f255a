package engine

import (
	"errors"
	"fmt"

	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

type Kind string

const (
	KindValidation             Kind = "validation_failure"
	KindServiceUnavailable     Kind = "service_unavailable"
	KindUserNotInCampaign      Kind = "user_not_in_campaign"
	KindUserNotFound           Kind = "user_not_found"
	KindCompletionInProgress   Kind = "completion_in_progress"
	KindAlreadyCompleted       Kind = "already_completed"
	KindImpossibleToUncomplete Kind = "impossible_to_uncomplete"
	KindImpossibleToGoBack     Kind = "impossible_to_open_previous"
	KindForbidden              Kind = "forbidden"
	KindNotFound               Kind = "not_found"
)

// Error is a categorized engine failure.
type Error struct {
	Kind       Kind
	Message    string
	TaskID     int64
	StageID    int64
	CampaignID int64
	Path       string
	Data       map[string]any
	// Durable errors leave a record in the errors campaign.
	Durable bool
	Err     error

	// commit keeps the work done before the failure.
	commit bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf categorizes err; uncategorized errors report "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindForbidden
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return ""
}

// IsRetryable reports whether the caller may retry the same command.
func IsRetryable(err error) bool {
	return KindOf(err) == KindCompletionInProgress
}

func notFound(entity string, id int64, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %d not found", entity, id), Err: err}
	}
	return err
}

func validation(path, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Path: path}
}

func forbidden(taskID int64, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...), TaskID: taskID}
}
