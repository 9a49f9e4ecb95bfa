package utility

import "fmt"

// AppError is a plain application error carrying only a message.
type AppError struct {
	message string
}

func (e *AppError) Error() string {
	return e.message
}

func Err(m string) error {
	return &AppError{m}
}

// Errf builds an AppError from a format string.
func Errf(format string, args ...interface{}) error {
	return &AppError{fmt.Sprintf(format, args...)}
}
