package rtsp

import (
	"errors"
	"fmt"
)

type ErrorKind uint8

const (
	// Socket failure, connect timeout or a server that stopped answering. Safe to retry.
	ConnectionFailed ErrorKind = iota + 1
	// Non-2xx status after the authentication retry, if any. Fatal to the session.
	BadResponseCode
	// Well-formed response missing a required header or body.
	BadResponse
	// Status line or header block could not be read at all. Fatal to the session.
	ParseResponseError
	// DESCRIBE body is not a usable session description.
	SdpParseError
	// The server picked a transport that was not offered. Only the track is lost.
	TransportMismatch
)

var kindNames = map[ErrorKind]string{
	ConnectionFailed:   "connection failed",
	BadResponseCode:    "bad response code",
	BadResponse:        "bad response",
	ParseResponseError: "unparsable response",
	SdpParseError:      "SDP parse error",
	TransportMismatch:  "transport mismatch",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is what the session reports for control-plane failures.
type Error struct {
	Kind ErrorKind
	// RTSP status code for BadResponseCode.
	Code   int
	Method string
	// Track index, -1 when the error is not about a particular track.
	Track int
	Err   error
}

func (e *Error) Error() string {
	s := "rtsp: " + e.Kind.String()
	if e.Method != "" {
		s += " on " + e.Method
	}
	if e.Track >= 0 {
		s += fmt.Sprintf(" (track %d)", e.Track)
	}
	if e.Code != 0 {
		s += fmt.Sprintf(": status %d", e.Code)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, method string, err error) *Error {
	return &Error{Kind: kind, Method: method, Track: -1, Err: err}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsWrongCredentials tells a rejected login apart from other failures.
func IsWrongCredentials(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == BadResponseCode && (e.Code == 401 || e.Code == 403)
}
