// Package httpstatus centralizes the status-code taxonomy and the sentinel
// error wrapping used across the server core to turn a Go error into an
// HTTP response without every layer re-inventing the mapping.
package httpstatus

import "fmt"

// Code is an HTTP status code. It is a distinct type (rather than a bare
// int) so that callers can't accidentally pass a byte count or a fd where a
// status is expected.
type Code int

// Status codes referenced by the router, processor and CGI subsystem.
// Only the subset spec.md actually produces is declared; Reason returns
// "Unknown" for any other code.
const (
	StatusOK                  Code = 200
	StatusCreated             Code = 201
	StatusNoContent           Code = 204
	StatusMovedPermanently    Code = 301
	StatusFound               Code = 302
	StatusSeeOther            Code = 303
	StatusNotModified         Code = 304
	StatusTemporaryRedirect   Code = 307
	StatusPermanentRedirect   Code = 308
	StatusBadRequest          Code = 400
	StatusForbidden           Code = 403
	StatusNotFound            Code = 404
	StatusMethodNotAllowed    Code = 405
	StatusPayloadTooLarge     Code = 413
	StatusURITooLong          Code = 414
	StatusInternalServerError Code = 500
	StatusNotImplemented      Code = 501
	StatusBadGateway          Code = 502
	StatusServiceUnavailable  Code = 503
	StatusGatewayTimeout      Code = 504
	StatusHTTPVersionNotSup   Code = 505
)

var reasonPhrases = map[Code]string{
	StatusOK:                  "OK",
	StatusCreated:             "Created",
	StatusNoContent:           "No Content",
	StatusMovedPermanently:    "Moved Permanently",
	StatusFound:               "Found",
	StatusSeeOther:            "See Other",
	StatusNotModified:         "Not Modified",
	StatusTemporaryRedirect:   "Temporary Redirect",
	StatusPermanentRedirect:   "Permanent Redirect",
	StatusBadRequest:          "Bad Request",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusPayloadTooLarge:     "Payload Too Large",
	StatusURITooLong:         "URI Too Long",
	StatusInternalServerError: "Internal Server Error",
	StatusNotImplemented:      "Not Implemented",
	StatusBadGateway:          "Bad Gateway",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusGatewayTimeout:      "Gateway Timeout",
	StatusHTTPVersionNotSup:   "HTTP Version Not Supported",
}

// Reason returns the standard reason phrase for code, or "Unknown" if the
// core never produces that code.
func (c Code) Reason() string {
	if r, ok := reasonPhrases[c]; ok {
		return r
	}
	return "Unknown"
}

func (c Code) IsError() bool { return c >= 400 }

func (c Code) IsRedirect() bool { return c >= 300 && c < 400 }

// Error wraps a Go error with the HTTP status it should be reported as.
// Every fallible operation in the core that can terminate a request (parse
// failure, routing failure, resource failure, CGI failure) returns one of
// these instead of a bare error, so any layer can recover the status by
// calling AsStatus without the caller needing to know which subsystem
// produced it.
type Error struct {
	Status Code
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("http %d %s", e.Status, e.Status.Reason())
	}
	return fmt.Sprintf("http %d %s: %v", e.Status, e.Status.Reason(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error for status, carrying err as the underlying cause.
func Wrap(status Code, err error) *Error {
	return &Error{Status: status, Err: err}
}

// New builds a status-only *Error with no underlying cause.
func New(status Code, msg string) *Error {
	if msg == "" {
		return &Error{Status: status}
	}
	return &Error{Status: status, Err: fmt.Errorf("%s", msg)}
}

// AsStatus unwraps err looking for an *Error; if none is found it reports
// 500, which is the safe default for an error the core didn't anticipate.
func AsStatus(err error) Code {
	if err == nil {
		return StatusOK
	}
	var se *Error
	if asError(err, &se) {
		return se.Status
	}
	return StatusInternalServerError
}

// asError is a tiny local errors.As to avoid importing errors solely for
// this one call site's generic instantiation noise.
func asError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
