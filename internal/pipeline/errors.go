package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/ratelimit"
)

// Reason classifies why a submission was rejected.
type Reason string

const (
	ReasonValidation   Reason = "validation"
	ReasonMuted        Reason = "muted"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonForbidden    Reason = "forbidden"
	ReasonNotFound     Reason = "not_found"
	ReasonPersistence  Reason = "persistence_failure"
)

// Rejection is the error returned for every refused submission. Only the
// originating caller ever sees it.
type Rejection struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration // set for ReasonRateLimited
	Err        error         // underlying cause, never shown to clients
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("pipeline: %s: %s: %v", r.Reason, r.Message, r.Err)
	}
	return fmt.Sprintf("pipeline: %s: %s", r.Reason, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Err }

// HTTPStatus maps the reason to a response status.
func (r *Rejection) HTTPStatus() int {
	switch r.Reason {
	case ReasonValidation:
		return http.StatusBadRequest
	case ReasonMuted, ReasonForbidden:
		return http.StatusForbidden
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Event renders the rejection as the private live-channel error event.
func (r *Rejection) Event() protocol.ErrorEvent {
	ev := protocol.ErrorEvent{Error: r.Message, Code: string(r.Reason)}
	if r.Reason == ReasonRateLimited {
		ev.RetryAfter = ratelimit.RetryAfterSeconds(r.RetryAfter)
	}
	return ev
}

// AsRejection returns err as a Rejection. Errors that are not rejections are
// reported as persistence failures.
func AsRejection(err error) *Rejection {
	if err == nil {
		return nil
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &Rejection{Reason: ReasonPersistence, Message: "internal error, please retry", Err: err}
}

func invalid(format string, args ...any) *Rejection {
	return &Rejection{Reason: ReasonValidation, Message: fmt.Sprintf(format, args...)}
}

func forbidden(msg string) *Rejection {
	return &Rejection{Reason: ReasonForbidden, Message: msg}
}

func notFound(msg string) *Rejection {
	return &Rejection{Reason: ReasonNotFound, Message: msg}
}

func persistence(err error) *Rejection {
	return &Rejection{Reason: ReasonPersistence, Message: "could not save, please retry", Err: err}
}
