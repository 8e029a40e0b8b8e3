package rtsp

import (
	"fmt"
	"time"

	"github.com/airtunesgo/raop/raoperr"
)

// DefaultTimeout is the RTSP request/response round-trip timeout.
const DefaultTimeout = 5 * time.Second

var errTimeout = fmt.Errorf("rtsp: no response within timeout: %w", raoperr.ErrTimeout)

// statusError wraps an unexpected RTSP status code together with the
// request method that got it and the sentinel error it maps to.
type statusError struct {
	method     string
	statusCode int
	wrapped    error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rtsp: %s got status %d: %s", e.method, e.statusCode, e.wrapped)
}

func (e *statusError) Unwrap() error { return e.wrapped }

// classifyStatus maps a non-2xx RTSP status code to a sentinel error and
// the cleanup reason it implies, per spec §4.6/§7.
func classifyStatus(method string, code int) (error, raoperr.CleanupReason) {
	switch code {
	case 401:
		return &statusError{method, code, raoperr.ErrRequiresPassword}, raoperr.CleanupAuthentication
	case 403:
		return &statusError{method, code, raoperr.ErrRequiresPinCode}, raoperr.CleanupAuthentication
	case 453:
		return &statusError{method, code, raoperr.ErrNotEnoughBandwidth}, raoperr.CleanupBusy
	default:
		return &statusError{method, code, raoperr.ErrBadResponse}, raoperr.CleanupUnknown
	}
}
