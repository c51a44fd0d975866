package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeAborted            = Code(codes.Aborted)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

// Reason narrows a code down to a specific failure, so callers can tell apart
// errors sharing the same code.
type Reason string

const (
	ReasonValidation         Reason = "VALIDATION"
	ReasonStaleAnswer        Reason = "STALE_ANSWER"
	ReasonSessionNotFound    Reason = "SESSION_NOT_FOUND"
	ReasonSessionBusy        Reason = "SESSION_BUSY"
	ReasonCatalogUnavailable Reason = "CATALOG_UNAVAILABLE"
	ReasonPersistFailed      Reason = "PERSIST_FAILED"
	ReasonUserStatsNotFound  Reason = "USER_STATS_NOT_FOUND"
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodeAborted:            http.StatusConflict,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Sentinels for errors.Is. They match any *Error with the same code and reason.
var (
	ErrValidation         = New(CodeInvalidArgument, WithReason(ReasonValidation))
	ErrStaleAnswer        = New(CodeFailedPrecondition, WithReason(ReasonStaleAnswer))
	ErrSessionNotFound    = New(CodeNotFound, WithReason(ReasonSessionNotFound))
	ErrSessionBusy        = New(CodeAborted, WithReason(ReasonSessionBusy))
	ErrCatalogUnavailable = New(CodeUnavailable, WithReason(ReasonCatalogUnavailable))
	ErrPersistFailed      = New(CodeUnavailable, WithReason(ReasonPersistFailed))
	ErrUserStatsNotFound  = New(CodeNotFound, WithReason(ReasonUserStatsNotFound))
	ErrAlreadyExists      = New(CodeAlreadyExists)
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s = fmt.Sprintf("code: %d, reason: %s, message: %s", e.Code, e.Reason, e.Message)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same code and reason.
// A target without a reason matches on code only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e.Code != t.Code {
		return false
	}

	return t.Reason == "" || e.Reason == t.Reason
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func Validation(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithReason(ReasonValidation), WithMessagef(format, args...))
}

func StaleAnswer(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithReason(ReasonStaleAnswer), WithMessagef(format, args...))
}

func SessionNotFound(user string) *Error {
	return New(CodeNotFound, WithReason(ReasonSessionNotFound), WithMessagef("no active session: user=%s", user))
}

func SessionBusy(user string) *Error {
	return New(CodeAborted, WithReason(ReasonSessionBusy), WithMessagef("session is processing another event: user=%s", user))
}

func CatalogUnavailable(err error) *Error {
	return New(CodeUnavailable, WithReason(ReasonCatalogUnavailable), WithMessagef("question catalog unavailable"), WithCause(err))
}

func PersistFailed(err error) *Error {
	return New(CodeUnavailable, WithReason(ReasonPersistFailed), WithMessagef("save user stats failed"), WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(r Reason) Option {
	return optionFunc(func(e *Error) {
		e.Reason = r
	})
}
