package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strain-refinery/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// MalformedResponseError means the extraction service answered, but not in
// the expected schema. Values are never guessed from such a response.
type MalformedResponseError struct {
	Err     error
	Excerpt string // leading part of the offending response
}

func (e *MalformedResponseError) Error() string {
	return "malformed response: " + e.Err.Error()
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// NewMalformedResponseError wraps err and keeps up to 200 bytes of body.
func NewMalformedResponseError(err error, body string) *MalformedResponseError {
	if len(body) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return &MalformedResponseError{Err: err, Excerpt: body}
}

// PermanentRejectionError means the service explicitly declined the request
// (content policy, invalid request). Retrying cannot help.
type PermanentRejectionError struct {
	Err        error
	StatusCode int
}

func (e *PermanentRejectionError) Error() string {
	return "rejected: " + e.Err.Error()
}

func (e *PermanentRejectionError) Unwrap() error {
	return e.Err
}

// NewPermanentRejectionError wraps err as a permanent rejection.
func NewPermanentRejectionError(err error, statusCode int) *PermanentRejectionError {
	return &PermanentRejectionError{Err: err, StatusCode: statusCode}
}

var (
	// ErrRecordIncomplete marks a record with too few usable attributes.
	ErrRecordIncomplete = eris.New("record incomplete")
	// ErrUntraceable marks a Gold attribute that cannot be tied back to
	// verbatim Bronze text.
	ErrUntraceable = eris.New("gold attribute not traceable to bronze text")
)

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	// Explicit classes win over the heuristics below.
	var me *MalformedResponseError
	var pe *PermanentRejectionError
	if errors.As(err, &me) || errors.As(err, &pe) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"overloaded",
		"database is locked",
		"conn closed",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient issue that is safe to retry: timeouts, rate limits and any 5xx.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == 408, // Request Timeout
		statusCode == 429: // Too Many Requests
		return true
	default:
		return statusCode >= 500 && statusCode < 600
	}
}

// FromStatus wraps err according to the HTTP status the service returned:
// transient statuses become TransientError, other 4xx become
// PermanentRejectionError. Anything else is returned unchanged.
func FromStatus(err error, statusCode int) error {
	switch {
	case err == nil:
		return nil
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	case statusCode >= 400 && statusCode < 500:
		return NewPermanentRejectionError(err, statusCode)
	default:
		return err
	}
}

// Classify maps an error onto the record failure taxonomy. Errors that
// match no explicit class are treated as transient when they look like
// network trouble and as permanent rejections otherwise.
func Classify(err error) model.FailureClass {
	var me *MalformedResponseError
	var pe *PermanentRejectionError
	switch {
	case errors.As(err, &me):
		return model.FailureMalformedResponse
	case errors.As(err, &pe):
		return model.FailurePermanentRejection
	case errors.Is(err, ErrRecordIncomplete):
		return model.FailureRecordIncomplete
	case errors.Is(err, ErrUntraceable):
		return model.FailureUntraceable
	case IsTransient(err):
		return model.FailureTransient
	default:
		return model.FailurePermanentRejection
	}
}
