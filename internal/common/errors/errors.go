package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDenied            = errors.New("access denied")
	ErrCacheUnavailable  = errors.New("cache unavailable")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrInconsistentState = errors.New("inconsistent version state")
	ErrBadRequest        = errors.New("bad request")
	ErrInternalError     = errors.New("internal error")
)

type AppError struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func NewAppError(code codes.Code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NotFound(message string) *AppError {
	return &AppError{
		Code:    codes.NotFound,
		Message: message,
		Err:     ErrNotFound,
	}
}

func Denied(message string) *AppError {
	return &AppError{
		Code:    codes.PermissionDenied,
		Message: message,
		Err:     ErrDenied,
	}
}

func CacheUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:    codes.Unavailable,
		Message: message,
		Err:     errors.Join(ErrCacheUnavailable, err),
	}
}

func Timeout(message string) *AppError {
	return &AppError{
		Code:    codes.DeadlineExceeded,
		Message: message,
		Err:     ErrTimeout,
	}
}

func InconsistentState(message string) *AppError {
	return &AppError{
		Code:    codes.DataLoss,
		Message: message,
		Err:     ErrInconsistentState,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Code:    codes.InvalidArgument,
		Message: message,
		Err:     ErrBadRequest,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    codes.Internal,
		Message: message,
		Err:     err,
	}
}

func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}

	if st, ok := status.FromError(err); ok {
		return st.Err()
	}

	return status.Error(codes.Internal, err.Error())
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == codes.NotFound {
			return true
		}
		return errors.Is(appErr.Err, ErrNotFound)
	}

	return errors.Is(err, ErrNotFound)
}

func IsDenied(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == codes.PermissionDenied {
			return true
		}
	}

	return errors.Is(err, ErrDenied)
}

func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Code == codes.DeadlineExceeded {
			return true
		}
	}

	return errors.Is(err, ErrTimeout)
}

func IsCacheUnavailable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable)
}

func IsInconsistentState(err error) bool {
	return errors.Is(err, ErrInconsistentState)
}

// IsRetryable reports whether the caller may retry the operation.
// Timeouts and unavailable cache tiers are retryable; denials are not.
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsCacheUnavailable(err)
}
