package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConfigured = errors.New("remote backend not configured")
	ErrNotFound      = errors.New("remote record not found")
)

// Error is a structured failure returned by the backend (RFC 7807 problem body).
type Error struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("remote %d %s", e.Status, e.Title)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 response.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Class is the retry classification of a failed remote call.
type Class int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = iota
	// ClassRejected failures cannot succeed by retrying and need user attention.
	ClassRejected
)

func (c Class) String() string {
	if c == ClassRejected {
		return "rejected"
	}
	return "transient"
}

// Classify maps any error from a Backend call to a retry class.
// Timeouts, network failures, 408, 429 and 5xx are transient; other 4xx are rejections.
func Classify(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		switch {
		case re.Status == http.StatusRequestTimeout, re.Status == http.StatusTooManyRequests:
			return ClassTransient
		case re.Status >= 400 && re.Status < 500:
			return ClassRejected
		default:
			return ClassTransient
		}
	}
	// Network failures, timeouts and cancelled attempts.
	return ClassTransient
}
