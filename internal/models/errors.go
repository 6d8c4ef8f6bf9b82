package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes surfaced to callers.
const (
	CodeInvalidRoom       = "INVALID_ROOM"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnsupportedType   = "UNSUPPORTED_TYPE"
	CodeSizeExceeded      = "SIZE_EXCEEDED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInternal          = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; any *AppError with the same code matches.
var (
	ErrInvalidRoom       = &AppError{Code: CodeInvalidRoom, Message: "invalid room"}
	ErrInvalidTransition = &AppError{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrUnsupportedType   = &AppError{Code: CodeUnsupportedType, Message: "unsupported attachment type"}
	ErrSizeExceeded      = &AppError{Code: CodeSizeExceeded, Message: "attachment size exceeded"}
	ErrNotFound          = &AppError{Code: CodeNotFound, Message: "not found"}
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
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

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Predefined error constructors
func NewInvalidRoomError(roomID string) *AppError {
	return &AppError{
		Code:    CodeInvalidRoom,
		Message: fmt.Sprintf("room %q does not exist", roomID),
	}
}

func NewInvalidTransitionError(messageID string, from, to MessageStatus) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("message %s cannot move from %s to %s", messageID, from, to),
	}
}

func NewUnsupportedTypeError(name, contentType string) *AppError {
	return &AppError{
		Code:    CodeUnsupportedType,
		Message: fmt.Sprintf("%s: type %s is not allowed", name, contentType),
	}
}

func NewSizeExceededError(name string, size, limit int64) *AppError {
	return &AppError{
		Code:    CodeSizeExceeded,
		Message: fmt.Sprintf("%s is %d bytes (max %d)", name, size, limit),
	}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// ErrorCode returns the AppError code in err's chain, or "".
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StatusForError maps an error to the HTTP status the API answers with.
func StatusForError(err error) int {
	switch ErrorCode(err) {
	case CodeInvalidRoom, CodeNotFound:
		return fiber.StatusNotFound
	case CodeInvalidTransition:
		return fiber.StatusConflict
	case CodeUnsupportedType:
		return fiber.StatusUnsupportedMediaType
	case CodeSizeExceeded:
		return fiber.StatusRequestEntityTooLarge
	case CodeValidation:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
