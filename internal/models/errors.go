package models

import "fmt"

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrNone ErrorType = iota
	ErrNotYetRead
	ErrCouldNotRead
	ErrInvalidXML
	ErrInvalidContent
	ErrFileOp
	ErrInvalidConfig
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrNone:
		return "NoError"
	case ErrNotYetRead:
		return "NotYetRead"
	case ErrCouldNotRead:
		return "CouldNotRead"
	case ErrInvalidXML:
		return "InvalidXml"
	case ErrInvalidContent:
		return "InvalidContent"
	case ErrFileOp:
		return "FileOp"
	case ErrInvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// UpdateError represents an error while reading or writing update metadata
type UpdateError struct {
	Type    ErrorType
	Subject string
	Err     error
}

// Error implements the error interface
func (e *UpdateError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Subject, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// NewUpdateError is a shorthand for building an UpdateError from a message
func NewUpdateError(t ErrorType, subject, format string, args ...interface{}) *UpdateError {
	return &UpdateError{
		Type:    t,
		Subject: subject,
		Err:     fmt.Errorf(format, args...),
	}
}
