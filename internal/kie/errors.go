package kie

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a provider failure. Permanent errors are not worth retrying.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Permanent  bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("kie %s (%s): status=%d %s", e.Op, kind, e.StatusCode, e.Message)
	case e.Code != "":
		return fmt.Sprintf("kie %s (%s): code=%s %s", e.Op, kind, e.Code, e.Message)
	default:
		return fmt.Sprintf("kie %s (%s): %s", e.Op, kind, e.Message)
	}
}

func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Permanent
}

func permanent(op, msg string) *Error {
	return &Error{Op: op, Message: msg, Permanent: true}
}

func transient(op, msg string) *Error {
	return &Error{Op: op, Message: msg}
}

// permanentStatus treats client errors as permanent, except throttling and
// request timeouts.
func permanentStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return false
	}
	return code >= 400 && code < 500
}
