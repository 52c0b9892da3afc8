// errors.go defines the typed error taxonomy for venue calls.
//
// Every REST failure is classified into one of six kinds so callers can
// choose a recovery strategy without parsing message strings: retry with
// backoff (Transient, RateLimited), halt the engine (Auth, Fatal), or give
// up on the single operation (NotFound, InvalidArgument).
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// ErrorKind classifies a venue failure.
type ErrorKind int

const (
	KindTransient       ErrorKind = iota // network faults, 5xx — safe to retry
	KindAuth                             // 401/403 — credentials rejected, fatal
	KindNotFound                         // 404 — resource does not exist
	KindInvalidArgument                  // 400/422 — request malformed or unfillable
	KindRateLimited                      // 429 — back off before retrying
	KindFatal                            // unclassified — do not retry
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// VenueError is a classified failure from a Polymarket API call.
type VenueError struct {
	Kind       ErrorKind
	Op         string // operation, e.g. "post order"
	StatusCode int    // HTTP status, 0 for transport errors
	Message    string // response body excerpt or venue error message
	Err        error  // underlying transport error, may be nil
}

func (e *VenueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *VenueError) Unwrap() error { return e.Err }

// IsKind reports whether err is a VenueError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == kind
}

// IsTransient reports whether err is safe to retry after a backoff.
// Rate limiting counts: the operation may succeed once the window resets.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient) || IsKind(err, KindRateLimited)
}

// IsAuth reports whether err means the venue rejected our credentials.
func IsAuth(err error) bool { return IsKind(err, KindAuth) }

// IsNotFound reports whether err is a 404 for the requested resource.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsInvalidArgument reports whether the venue rejected the request itself.
func IsInvalidArgument(err error) bool { return IsKind(err, KindInvalidArgument) }

// classifyStatus maps an HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindInvalidArgument
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// venueError builds a classified error from a resty response pair.
// Context cancellation passes through unwrapped so callers can match it
// with errors.Is against the context's own error.
func venueError(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &VenueError{Kind: KindTransient, Op: op, Err: err}
	}
	return &VenueError{
		Kind:       classifyStatus(resp.StatusCode()),
		Op:         op,
		StatusCode: resp.StatusCode(),
		Message:    bodyExcerpt(resp),
	}
}

// bodyExcerpt trims a response body for error messages and logs.
func bodyExcerpt(resp *resty.Response) string {
	const max = 200
	s := resp.String()
	if len(s) > max {
		return s[:max]
	}
	return s
}
