package channels

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// ErrorCode classifies a channel failure.
type ErrorCode string

const (
	// ErrCodeMissingToken indicates the platform credential is absent
	ErrCodeMissingToken ErrorCode = "MISSING_TOKEN"

	// ErrCodeStartFailed indicates the driver could not be created or connected
	ErrCodeStartFailed ErrorCode = "START_FAILED"

	// ErrCodeNotInitialized indicates a send on a channel without a driver
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// ErrCodeUserNotLinked indicates the remote user has not sent the link command yet
	ErrCodeUserNotLinked ErrorCode = "USER_NOT_LINKED"

	// ErrCodeNotLinked indicates the device/session is not paired yet
	ErrCodeNotLinked ErrorCode = "NOT_LINKED"

	// ErrCodeSendFailed indicates a transport failure while sending
	ErrCodeSendFailed ErrorCode = "SEND_FAILED"

	// ErrCodeSessionDir indicates the local session directory is unusable
	ErrCodeSessionDir ErrorCode = "SESSION_DIR_ERROR"

	// ErrCodeConnectionLimit indicates admission control rejected a new connection
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_REACHED"

	// ErrCodeUnsupportedPlatform indicates no channel exists for the platform
	ErrCodeUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
)

// ChannelError is a failure attributed to a platform channel.
type ChannelError struct {
	Platform models.Platform
	Code     ErrorCode
	Message  string
	Err      error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Platform, e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Platform, e.Message, e.Code)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewError creates a ChannelError.
func NewError(platform models.Platform, code ErrorCode, message string, err error) *ChannelError {
	return &ChannelError{
		Platform: platform,
		Code:     code,
		Message:  message,
		Err:      err,
	}
}

// ErrNotInitialized creates a NOT_INITIALIZED error.
func ErrNotInitialized(platform models.Platform) *ChannelError {
	return NewError(platform, ErrCodeNotInitialized, fmt.Sprintf("%s channel not initialized", platform), nil)
}

// ErrSendFailed creates a SEND_FAILED error.
func ErrSendFailed(platform models.Platform, err error) *ChannelError {
	return NewError(platform, ErrCodeSendFailed, "failed to send message", err)
}

// ErrStartFailed creates a START_FAILED error.
func ErrStartFailed(platform models.Platform, err error) *ChannelError {
	return NewError(platform, ErrCodeStartFailed, "failed to start channel", err)
}

// GetErrorCode extracts the ErrorCode from err, or "" if err is not a ChannelError.
func GetErrorCode(err error) ErrorCode {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ""
}

// IsCode reports whether err is a ChannelError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
