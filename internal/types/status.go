package types

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the pipeline, the engine and the transport.
var (
	ErrSetup      = errors.New("setup failed")
	ErrDecode     = errors.New("decode failed")
	ErrDetect     = errors.New("detection failed")
	ErrWrite      = errors.New("stream write failed")
	ErrEmptyInput = errors.New("empty or unsupported input")
	ErrCancelled  = errors.New("cancelled")
)

// StatusCode is the terminal code of a detection stream.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusEmptyInput
	StatusCancelled
	StatusSetupError
	StatusDecodeError
	StatusDetectError
	StatusWriteError
	StatusInternal
)

var statusNames = map[StatusCode]string{
	StatusOK:          "OK",
	StatusEmptyInput:  "EMPTY_INPUT",
	StatusCancelled:   "CANCELLED",
	StatusSetupError:  "SETUP_ERROR",
	StatusDecodeError: "DECODE_ERROR",
	StatusDetectError: "DETECT_ERROR",
	StatusWriteError:  "WRITE_ERROR",
	StatusInternal:    "INTERNAL",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// ParseStatusCode is the inverse of StatusCode.String.
func ParseStatusCode(s string) (StatusCode, bool) {
	for code, name := range statusNames {
		if name == s {
			return code, true
		}
	}
	return StatusInternal, false
}

// Status ends a stream.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// OK reports a clean stream end. EMPTY_INPUT is not an error either, but callers
// must check for it explicitly.
func (s Status) OK() bool { return s.Code == StatusOK }

// Failed reports whether the stream ended with an error status.
func (s Status) Failed() bool {
	return s.Code != StatusOK && s.Code != StatusEmptyInput
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// StatusFromError maps an error chain onto the terminal status taxonomy.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return Status{Code: StatusOK}
	case errors.Is(err, ErrEmptyInput):
		return Status{Code: StatusEmptyInput, Message: err.Error()}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Status{Code: StatusCancelled, Message: err.Error()}
	case errors.Is(err, ErrSetup):
		return Status{Code: StatusSetupError, Message: err.Error()}
	case errors.Is(err, ErrDecode):
		return Status{Code: StatusDecodeError, Message: err.Error()}
	case errors.Is(err, ErrDetect):
		return Status{Code: StatusDetectError, Message: err.Error()}
	case errors.Is(err, ErrWrite):
		return Status{Code: StatusWriteError, Message: err.Error()}
	default:
		return Status{Code: StatusInternal, Message: err.Error()}
	}
}
